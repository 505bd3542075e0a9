package pool

import "sync"

// Executor runs queued tasks on a fixed set of workers.
//
// Drain and Stop differ in what happens to queued tasks: Drain lets
// workers finish the queue, Stop abandons it. Both let the task
// currently running on each worker complete.
type Executor struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	draining bool
	stopped  bool
}

func NewExecutor(workers, queueDepth int) *Executor {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 64
	}
	e := &Executor{
		tasks: make(chan func(), queueDepth),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		default:
		}

		select {
		case <-e.quit:
			return
		case task, ok := <-e.tasks:
			if !ok {
				return
			}
			task()
		}
	}
}

// Submit queues a task. It reports false without blocking when the
// executor no longer accepts work or the queue is full.
func (e *Executor) Submit(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.draining || e.stopped {
		return false
	}
	select {
	case e.tasks <- task:
		return true
	default:
		return false
	}
}

// Drain closes intake and waits until queued and in-flight tasks
// have finished.
func (e *Executor) Drain() {
	e.mu.Lock()
	if !e.draining {
		e.draining = true
		close(e.tasks)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Stop closes intake and abandons queued tasks. It returns once the
// tasks already running have completed.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.quit)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
