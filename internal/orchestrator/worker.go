package orchestrator

import (
	"errors"
	"fmt"
	"sync"
)

// ErrQueueFull is returned when a session has too many pending inputs
var ErrQueueFull = errors.New("session queue full")

var errWorkerStopped = errors.New("session worker stopped")

// worker runs one session's inputs in arrival order
type worker struct {
	mu      sync.Mutex
	jobs    chan func()
	stopped bool
	done    chan struct{}
}

func newWorker(queueSize int) *worker {
	if queueSize <= 0 {
		queueSize = 32
	}
	w := &worker{
		jobs: make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for job := range w.jobs {
		w.safely(job)
	}
}

func (w *worker) safely(job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("❌ [ORCHESTRATOR] Session job panicked")
		}
	}()
	job()
}

func (w *worker) enqueue(job func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return errWorkerStopped
	}
	select {
	case w.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// stop rejects new jobs. Queued jobs still run so their callers get an answer.
func (w *worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.jobs)
	}
}
