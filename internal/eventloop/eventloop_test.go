package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeSendDrainOrderAndCompleteness(t *testing.T) {
	p := NewPipe[int]()
	for i := 0; i < 5; i++ {
		p.Send(i)
	}
	got := p.Drain()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Nil(t, p.Drain(), "a second drain with nothing new enqueued returns nil")
}

func TestPipeSendDrainCoalescesWakeups(t *testing.T) {
	p := NewPipe[int]()
	p.Send(1)
	p.Send(2)
	p.Send(3)

	woke := 0
	for {
		select {
		case <-p.notify:
			woke++
		default:
			goto done
		}
	}
done:
	assert.Equal(t, 1, woke, "three sends between drains must cost exactly one wake-up")
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool := NewPool(4)
	defer pool.Stop()

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		pool.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 20)
}

func TestLoopDrainsRegisteredPipe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewLoop(ctx)
	pipe := NewPipe[string]()

	var mu sync.Mutex
	var batches [][]string
	done := make(chan struct{}, 1)
	RegisterPipe(loop, pipe, func(batch []string) {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	go loop.Run()

	pipe.Send("a")
	pipe.Send("b")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loop to drain the pipe")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a", "b"}, batches[0])
}

func TestLoopStopReturnsPromptly(t *testing.T) {
	loop := NewLoop(context.Background())
	go loop.Run()
	loop.Stop()
}
