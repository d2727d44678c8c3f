// SPDX-License-Identifier: Apache-2.0

// Package cancel runs a cleanup function when a context ends before the
// watch is stopped.
package cancel

import (
	"context"
	"errors"
	"sync"
)

var (
	CleanupErr = errors.New("unable to cleanup")
)

type CleanupFunc func() error

// Watcher runs its cleanup at most once, when the watched context ends.
type Watcher struct {
	stop func() bool
	done chan struct{}
	err  error

	once   sync.Once
	result error
}

func Watch(ctx context.Context, cleanup CleanupFunc) *Watcher {
	w := &Watcher{
		done: make(chan struct{}),
	}
	w.stop = context.AfterFunc(ctx, func() {
		if err := cleanup(); err != nil {
			w.err = errors.Join(CleanupErr, err, context.Cause(ctx))
		} else {
			w.err = errors.Join(context.Canceled, context.Cause(ctx))
		}
		close(w.done)
	})
	return w
}

// Stop ends the watch. It returns nil if the cleanup never ran, and otherwise
// the outcome of the cleanup joined with the cause of the context.
func (w *Watcher) Stop() error {
	w.once.Do(func() {
		if w.stop() {
			return
		}
		<-w.done
		w.result = w.err
	})
	return w.result
}
