// SPDX-License-Identifier: Apache-2.0

// Command echo-worker is a minimal worker process. It answers "echo" with its
// argument and "upper" with the argument in upper case.
package main

import (
	"context"
	"strings"

	"github.com/loopholelabs/workerbridge/pkg/rpc"
	"github.com/loopholelabs/workerbridge/pkg/serializer"
	"github.com/loopholelabs/workerbridge/pkg/worker"
)

func main() {
	worker.Main(&worker.Options{
		Handlers: map[string]rpc.HandleFunc{
			"echo": func(_ context.Context, args []any) (rpc.Result, error) {
				return rpc.Result{Type: serializer.TypeString, Value: args[0]}, nil
			},
			"upper": func(_ context.Context, args []any) (rpc.Result, error) {
				return rpc.Result{Type: serializer.TypeString, Value: strings.ToUpper(args[0].(string))}, nil
			},
			"join": func(_ context.Context, args []any) (rpc.Result, error) {
				return rpc.Result{Type: serializer.TypeString, Value: strings.Join(args[0].([]string), args[1].(string))}, nil
			},
		},
		Registry: serializer.NewRegistry(),
	})
}
