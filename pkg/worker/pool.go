package worker

import (
	"errors"
	"sync"
)

// WorkerPool holds a set of workers and a WaitGroup which is
// automatically controlled by the pool.
type WorkerPool struct {
	mutex   sync.Mutex
	workers []Worker
	wg      sync.WaitGroup
	started bool
}

// NewWorkerPool creates a new WorkerPool struct
// and initialises the 'workers' slice.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start cycles through all the workers
// currently inside the WorkerPool and creates
// a goroutine for each.
//
// Start does NOT block; use Close to stop the
// workers and wait for them to exit.
func (pool *WorkerPool) Start() error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.wg.Add(1)
		go func(w Worker) {
			defer pool.wg.Done()
			w.Start()
		}(worker)
	}

	return nil
}

// PushWorker inserts the workers provided in to the worker pool. Workers
// cannot be added once the pool has started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers signals every worker in the pool. A worker which is
// busy keeps the signal pending and re-checks for work once it
// finishes its current task.
func (pool *WorkerPool) WakeupWorkers() error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if !pool.started {
		return errors.New("cannot wakeup workers on worker pool that is not started")
	}

	for _, w := range pool.workers {
		select {
		case w.WakeupChan() <- struct{}{}:
		default:
		}
	}

	return nil
}

// Close will cycle through all the workers inside this
// worker pool and close their wakeup channels, and then waits
// for any in-flight tasks to complete.
func (pool *WorkerPool) Close() {
	pool.mutex.Lock()
	if !pool.started {
		pool.mutex.Unlock()
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.started = false
	pool.mutex.Unlock()

	pool.wg.Wait()
}
