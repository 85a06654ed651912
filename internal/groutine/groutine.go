package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn in a goroutine labelled with name, so it shows up in pprof
// goroutine dumps. A nil parent means context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(parent, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the label set by Go, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(nameKey).(string); ok {
		return s
	}
	return ""
}

// Group runs named goroutines and waits for all of them.
type Group struct {
	wg sync.WaitGroup
}

func (g *Group) Go(parent context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parent, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

func (g *Group) Wait() {
	g.wg.Wait()
}
