// Package workerPool is a small shared pool of workers used for fan-out
// maintenance work: flushing a dataset's arrays concurrently and removing
// dead chunk files during garbage collection.
package workerPool

import (
	"errors"
	"runtime"
	"sync"
)

type task struct {
	run   func() error
	group *Group
}

type Pool struct {
	tasks chan task
	wg    sync.WaitGroup
}

// New starts a pool. A non-positive worker count defaults to the CPU count.
func New(workers int) *Pool {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	p := &Pool{tasks: make(chan task, 256)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		err := t.run()
		if err != nil {
			t.group.mu.Lock()
			t.group.errs = append(t.group.errs, err)
			t.group.mu.Unlock()
		}
		t.group.wg.Done()
	}
}

// Close stops the workers after draining queued tasks.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}

// Group collects the errors of one batch of tasks.
type Group struct {
	pool *Pool
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func (p *Pool) NewGroup() *Group {
	return &Group{pool: p}
}

// Go queues one task. Blocks while the pool's queue is full.
func (g *Group) Go(run func() error) {
	g.wg.Add(1)
	g.pool.tasks <- task{run: run, group: g}
}

// Wait blocks until every queued task of the group finished and returns
// their errors joined.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}
