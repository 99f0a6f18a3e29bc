package serial

import (
	"sync"
)

// Executor runs submitted functions one at a time, in submission order, on a
// single goroutine. The queue is unbounded so that work running on the
// executor can submit more work without blocking.
type Executor struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func New() *Executor {
	e := &Executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit returns false once the executor is stopped.
func (e *Executor) Submit(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

func (e *Executor) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			<-e.wake
			continue
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}

// Sync blocks until everything submitted before it has run.
func (e *Executor) Sync() bool {
	ch := make(chan struct{})
	if !e.Submit(func() { close(ch) }) {
		return false
	}
	<-ch
	return true
}

// Stop rejects new work; queued work still runs.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the goroutine has exited.
func (e *Executor) Wait() {
	<-e.done
}
