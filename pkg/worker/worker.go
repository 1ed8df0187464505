package worker

import (
	"sync/atomic"

	"github.com/hbomb79/Clipsync/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan struct{}
	WorkerStatus     int32

	// WorkerTask is executed repeatedly by a worker. The boolean returned
	// indicates whether the task found work to do; if it did not, the
	// worker sleeps until it is woken by its pool.
	WorkerTask func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Sleep() bool
		Close()
	}

	taskWorker struct {
		label         string
		task          WorkerTask
		wakeupChan    WorkerWakeupChan
		currentStatus atomic.Int32
	}
)

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

// NewWorker creates a worker which runs the task provided. The wakeup
// channel holds at most one pending wakeup so that a wakeup sent while
// the worker is busy is not lost.
func NewWorker(label string, task WorkerTask) *taskWorker {
	return &taskWorker{
		label:      label,
		task:       task,
		wakeupChan: make(WorkerWakeupChan, 1),
	}
}

// Start runs the task in a loop until the wakeup channel is closed. Errors
// from the task are logged and do not stop the worker.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	worker.setStatus(Working)
	defer func() {
		worker.setStatus(Finished)
		workerLogger.Emit(logger.STOP, "Worker %s has stopped\n", worker.label)
	}()

	for {
		didWork, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker %s reported an error (%T): %v\n", worker.label, err, err)
		}

		if didWork {
			continue
		}

		if !worker.Sleep() {
			return
		}
	}
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.currentStatus.Load())
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the Worker by closing the wakeup channel.
// Note that this does not interrupt a task which is
// currently executing.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Label returns the label for this worker
func (worker *taskWorker) Label() string {
	return worker.label
}

// Sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns a boolean that
// is 'false' if the wakeup channel was closed - indicating
// the worker should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.setStatus(Sleeping)

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.setStatus(Working)
	} else {
		workerLogger.Emit(logger.DEBUG, "Wakeup channel for worker '%v' has been closed - worker is exiting\n", worker.label)
	}

	return isAlive
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.currentStatus.Store(int32(status))
}
