// Package groutine starts goroutines labelled for pprof so long-lived workers
// (event loop, write workers, discovery) are identifiable in profiles and dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey struct{}

// Go runs fn in a new goroutine labelled goroutine_name=name. The returned channel is
// closed when fn returns. A nil parent means context.Background().
//
//	done := groutine.Go(ctx, "manager-loop", func(ctx context.Context) {
//	    // work
//	})
//	<-done
func Go(parent context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parent == nil {
		parent = context.Background()
	}
	done := make(chan struct{})

	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		defer close(done)
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
	return done
}

// Name returns the name given to Go, or "" outside a named goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}
