// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTrace attaches a tracing context to ctx. Requests capture it when the
// call is made and the worker sees it on the context passed to its handler.
func WithTrace(ctx context.Context, trace uuid.UUID) context.Context {
	return context.WithValue(ctx, traceKey{}, trace)
}

func TraceFromContext(ctx context.Context) uuid.UUID {
	if trace, ok := ctx.Value(traceKey{}).(uuid.UUID); ok {
		return trace
	}
	return uuid.Nil
}
