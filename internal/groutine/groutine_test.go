package groutine

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo(t *testing.T) {
	var name, label string
	done := Go(nil, "worker-7", func(ctx context.Context) {
		name = Name(ctx)
		label, _ = pprof.Label(ctx, "goroutine_name")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST finish")
	}
	assert.Equal(t, "worker-7", name)
	assert.Equal(t, "worker-7", label)
}

func TestGo_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := Go(ctx, "waiter", func(ctx context.Context) {
		<-ctx.Done()
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST observe parent cancellation")
	}
}

func TestName_Unnamed(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil))
}
