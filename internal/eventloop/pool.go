package eventloop

import "sync"

// Pool is a fixed goroutine pool over a buffered task channel, grounded
// directly on the teacher's own WorkerPool
// (core/ingestion/ingestion_optimized.go): Submit enqueues a task, a fixed
// number of workers drain the channel until Stop closes it. Used for the
// CPU- and I/O-blocking units spec.md §4.5/§4.7 dispatch off the
// cooperative loops: pre_init, read, sort, and LOD compute.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// NewPool starts workers goroutines pulling from a channel buffered to
// 2x that count, so a burst of Submits doesn't stall the submitter while
// workers catch up.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{tasks: make(chan func(), workers*2)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues task for execution by some worker. Blocks if every
// worker is busy and the buffer is full.
func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// Stop closes the task channel and waits for every in-flight task to
// finish. No further Submit may be called afterward.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}
