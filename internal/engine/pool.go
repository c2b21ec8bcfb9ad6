package engine

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

type (
	// Pool runs tasks on a fixed set of workers fed by a bounded queue. When
	// the queue is full the submitting goroutine runs the task itself
	Pool struct {
		tasks  chan Task
		group  *errgroup.Group
		mu     sync.RWMutex
		closed bool
	}

	// Task is a unit of work submitted to a Pool
	Task func()
)

// NewPool starts workers goroutines draining a queue of queueSize tasks
func NewPool(workers, queueSize int) *Pool {
	p := &Pool{
		tasks: make(chan Task, max(queueSize, 0)),
		group: &errgroup.Group{},
	}
	for range max(workers, 1) {
		p.group.Go(p.work)
	}
	return p
}

// Submit queues fn, or runs it on the calling goroutine if the queue is
// full or the pool has been stopped
func (p *Pool) Submit(fn Task) {
	p.mu.RLock()
	if !p.closed {
		select {
		case p.tasks <- fn:
			p.mu.RUnlock()
			return
		default:
		}
	}
	p.mu.RUnlock()
	runTask(fn)
}

// Stop lets queued tasks finish and waits for the workers to exit
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	_ = p.group.Wait()
}

func (p *Pool) work() error {
	for fn := range p.tasks {
		runTask(fn)
	}
	return nil
}

func runTask(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine task panic",
				slog.Any("panic", r))
		}
	}()
	fn()
}
