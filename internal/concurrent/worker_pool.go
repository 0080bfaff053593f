package concurrent

import (
	"context"
	"errors"
	"sync"
	"time"

	"creditflow/pkg/logger"
)

var ErrPoolStopped = errors.New("worker pool is not running")

// Processor handles one job. Its error is recorded and logged; it does not
// stop the pool.
type Processor[T any] func(ctx context.Context, job T) error

// WorkerPool runs jobs on a fixed number of goroutines. It is meant for
// bounded batch work such as a sweep run from the CLI, not for the request
// path.
type WorkerPool[T any] struct {
	name           string
	numWorkers     int
	jobQueue       chan T
	processor      Processor[T]
	wg             sync.WaitGroup
	logger         logger.Logger
	started        bool
	stopped        bool
	mutex          sync.Mutex
	statsCollector *StatsCollector
}

func NewWorkerPool[T any](name string, numWorkers, queueSize int, processor Processor[T], logger logger.Logger) *WorkerPool[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool[T]{
		name:           name,
		numWorkers:     numWorkers,
		jobQueue:       make(chan T, queueSize),
		processor:      processor,
		logger:         logger,
		statsCollector: NewStatsCollector(),
	}
}

// Start launches the workers. Jobs are processed with ctx; cancelling it
// makes the remaining queued jobs fail fast inside the processor.
func (wp *WorkerPool[T]) Start(ctx context.Context) {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if wp.started || wp.stopped {
		return
	}

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.worker(ctx, workerID)
		}(i)
	}

	wp.started = true
	wp.logger.Debug("worker pool started", map[string]interface{}{
		"pool":        wp.name,
		"num_workers": wp.numWorkers,
		"queue_size":  cap(wp.jobQueue),
	})
}

// Stop closes the queue and waits for queued jobs to finish.
func (wp *WorkerPool[T]) Stop() {
	wp.mutex.Lock()
	if !wp.started || wp.stopped {
		wp.stopped = true
		wp.mutex.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobQueue)
	wp.mutex.Unlock()

	wp.wg.Wait()
	stats := wp.GetStats()
	wp.logger.Debug("worker pool stopped", map[string]interface{}{
		"pool":             wp.name,
		"submitted":        stats.Submitted,
		"completed":        stats.Completed,
		"failed":           stats.Failed,
		"avg_process_time": stats.AvgProcessTime.String(),
	})
}

// Submit queues job, blocking while the queue is full.
func (wp *WorkerPool[T]) Submit(ctx context.Context, job T) error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if !wp.started || wp.stopped {
		return ErrPoolStopped
	}

	select {
	case wp.jobQueue <- job:
		wp.statsCollector.IncrementSubmitted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (wp *WorkerPool[T]) worker(ctx context.Context, id int) {
	for job := range wp.jobQueue {
		startTime := time.Now()
		err := wp.processor(ctx, job)
		processingTime := time.Since(startTime)

		if err != nil {
			wp.statsCollector.RecordFailed(processingTime)
			wp.logger.Warn("worker job failed", map[string]interface{}{
				"pool":            wp.name,
				"worker_id":       id,
				"error":           err.Error(),
				"processing_time": processingTime.String(),
			})
			continue
		}
		wp.statsCollector.RecordCompleted(processingTime)
	}
}

func (wp *WorkerPool[T]) GetStats() Stats {
	return wp.statsCollector.GetStats()
}
