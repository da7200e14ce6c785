package worker

import (
	"errors"
	"sync"

	"github.com/nimasrn/campaign-pipeline/pkg/logger"
)

type WorkerHandler = func(workerIndex int, job interface{})

type WorkerManager struct {
	bufferSize     int
	jobChannel     chan interface{}
	numberOfWorker int
	stop           chan struct{}
	stopOnce       sync.Once
	do             WorkerHandler
	waiter         *sync.WaitGroup
}

// NewWorkerManager
// is a job manager based on go routines. Define the number of internal
// workers, and start publishing jobs using WorkerManager Enqueue() API. It will distribute the job
// among its internal pool. Workers keep listening until Exit() is called.
// The job channel is NOT closed on exit, because it may be passed in
// externally and shared with other processes.
func NewWorkerManager(bufferSize, numberOfWorkers int, jobChannel chan interface{}) *WorkerManager {
	if jobChannel == nil {
		jobChannel = make(chan interface{}, bufferSize)
	}

	return &WorkerManager{
		bufferSize:     bufferSize,
		numberOfWorker: numberOfWorkers,
		jobChannel:     jobChannel,
		stop:           make(chan struct{}),
		waiter:         &sync.WaitGroup{},
	}
}

func (w *WorkerManager) GetUnreadCount() int64 {
	if w.jobChannel == nil {
		return 0
	}
	return int64(len(w.jobChannel))
}

func (w *WorkerManager) JobEvents() chan interface{} {
	return w.jobChannel
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

// Enqueue
// Publishes a job onto the channel. It returns false when the manager has
// been stopped before the job could be handed over.
func (w *WorkerManager) Enqueue(val interface{}) bool {
	select {
	case w.jobChannel <- val:
		return true
	case <-w.stop:
		return false
	}
}

// Start
// starts off the workers as many as defined
// by w.numberOfWorker and blocks until Exit is called.
func (w *WorkerManager) Start() error {
	if w.do == nil {
		return errors.New("worker handler is not set")
	}
	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case job := <-w.jobChannel:
					w.do(index, job)
				case <-w.stop:
					return
				}
			}
		}(i)
	}
	w.waiter.Wait()

	return errors.New("workers terminated")
}

// Exit
// stops all workers once their current job returns. Safe to call more than once.
func (w *WorkerManager) Exit() {
	w.stopOnce.Do(func() {
		logger.Info("Exit() is called and worker manager is going to be shutdown")
		close(w.stop)
	})
}
