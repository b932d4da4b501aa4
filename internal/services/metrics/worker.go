package metrics

import (
	"context"
	"sync"

	"github.com/Egham-7/adaptive-cache/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Worker records metrics off the request path through a fixed goroutine pool
// fed by a buffered channel. Metric emission is fire-and-forget: when the
// buffer is full the event is dropped rather than blocking a lookup.
type Worker struct {
	service  *Service
	tasks    chan recordTask
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

type recordTask struct {
	params    models.RecordMetricParams
	requestID string
}

// NewWorker creates a metric recording worker with the specified pool size.
func NewWorker(service *Service, poolSize, bufferSize int) *Worker {
	w := &Worker{
		service: service,
		tasks:   make(chan recordTask, bufferSize),
		stopped: make(chan struct{}),
	}

	for range poolSize {
		w.wg.Add(1)
		go w.run()
	}

	return w
}

// Submit queues one metric event for recording.
func (w *Worker) Submit(params models.RecordMetricParams, requestID string) {
	select {
	case <-w.stopped:
		fiberlog.Warnf("[%s] Metrics worker stopped, cannot submit metric", requestID)
		return
	case w.tasks <- recordTask{params: params, requestID: requestID}:
	default:
		fiberlog.Warnf("[%s] Metrics buffer full, dropping %s event for tenant %s", requestID, params.MetricType, params.TenantID)
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopped:
			return
		case task := <-w.tasks:
			if _, err := w.service.Record(context.Background(), task.params); err != nil {
				fiberlog.Errorf("[%s] Failed to record cache metric: %v", task.requestID, err)
			}
		}
	}
}

// Stop gracefully stops the worker pool. Tasks still buffered at stop time
// are dropped; the tasks channel stays open so a late Submit cannot panic.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
		w.wg.Wait()
	})
}
