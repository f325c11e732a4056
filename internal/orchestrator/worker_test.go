package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"familyhub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_RunsInOrder(t *testing.T) {
	w := newWorker(8)
	var mu sync.Mutex
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, w.enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	w.stop()
	<-w.done

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.ErrorIs(t, w.enqueue(func() {}), errWorkerStopped)
}

func TestWorker_QueueFull(t *testing.T) {
	w := newWorker(1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, w.enqueue(func() { close(started); <-release }))
	<-started
	require.NoError(t, w.enqueue(func() {}))

	assert.ErrorIs(t, w.enqueue(func() {}), ErrQueueFull)
	close(release)
	w.stop()
	<-w.done
}

func TestWorker_RecoversPanics(t *testing.T) {
	w := newWorker(4)
	ran := make(chan struct{})
	require.NoError(t, w.enqueue(func() { panic("boom") }))
	require.NoError(t, w.enqueue(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	w.stop()
}

func TestPump_DropsOldestWhenConsumerIsSlow(t *testing.T) {
	p := newPump(context.Background(), 3)
	// the run goroutine may already hold one event while waiting on out
	for i := 0; i < 10; i++ {
		p.push(models.StatusEvent("s", string(rune('a'+i))))
	}
	p.close()

	var got []string
	for ev := range p.out {
		got = append(got, ev.Content)
	}
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 4)
	assert.Equal(t, "j", got[len(got)-1])
}

func TestPump_AbandonedConsumerNeverBlocksProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newPump(ctx, 2)
	cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			p.push(models.StatusEvent("s", "x"))
		}
		p.close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked")
	}
	for range p.out {
	}
}
