// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"io"

	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/workerbridge/pkg/rpc"
	"github.com/loopholelabs/workerbridge/pkg/serializer"
)

type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

type Options struct {
	Handlers map[string]rpc.HandleFunc

	// Registry holds the argument serializers of the worker. It must
	// register the same types as the parent.
	Registry *serializer.Registry

	// Dial overrides the connection derived from Config.
	Dial DialFunc

	// Logger overrides the logger created from Config.
	Logger logging.Logger
}

func validOptions(options *Options) bool {
	return options != nil && len(options.Handlers) > 0 && options.Registry != nil
}
