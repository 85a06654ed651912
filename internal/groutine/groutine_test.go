package groutine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_SetsName(t *testing.T) {
	got := make(chan string, 1)
	Go(nil, "reader", func(ctx context.Context) {
		got <- Name(ctx)
	})
	assert.Equal(t, "reader", <-got)
}

func TestName_Unlabelled(t *testing.T) {
	assert.Equal(t, "", Name(context.Background()))
}

func TestGroup_Wait(t *testing.T) {
	var g Group
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		g.Go(context.Background(), "worker", func(ctx context.Context) {
			n.Add(1)
		})
	}
	g.Wait()
	assert.Equal(t, int32(5), n.Load())
}
