package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyGateSetOnce(t *testing.T) {
	g := NewReadyGate()
	assert.False(t, g.IsSet())

	assert.True(t, g.Set())
	assert.False(t, g.Set())
	assert.True(t, g.IsSet())
}

func TestReadyGateConcurrentSetters(t *testing.T) {
	g := NewReadyGate()

	var wg sync.WaitGroup
	var mu sync.Mutex
	opened := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Set() {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, opened)
	assert.True(t, g.IsSet())
}

func TestReadyGateWaitUnblocksOnSet(t *testing.T) {
	g := NewReadyGate()
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned before Set")
	case <-time.After(20 * time.Millisecond):
	}

	g.Set()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Set")
	}
}

func TestReadyGateWaitHonorsContext(t *testing.T) {
	g := NewReadyGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
	assert.False(t, g.IsSet())
}
