package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull        = errors.New("sync queue full")
	ErrDispatcherClosed = errors.New("sync dispatcher closed")
)

// Dispatcher runs sync jobs off the request path on a fixed pool of
// workers fed by a bounded queue.
type Dispatcher struct {
	jobs    chan SyncJob
	workers int
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(workers, queueSize int, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		jobs:    make(chan SyncJob, queueSize),
		workers: workers,
		timeout: timeout,
		log:     log,
	}
}

// Start launches the workers. run owns the outcome bookkeeping of each job.
func (d *Dispatcher) Start(run func(context.Context, SyncJob) SyncOutcome) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(worker int) {
			defer d.wg.Done()
			for job := range d.jobs {
				ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
				started := time.Now()
				out := run(ctx, job)
				cancel()
				if out.Success {
					d.log.Info("async sync done", "worker", worker, "entity_id", job.EntityID, "sync_id", job.SyncID,
						"pr", out.PRNumber, "took", time.Since(started))
				} else {
					d.log.Warn("async sync failed", "worker", worker, "entity_id", job.EntityID, "sync_id", job.SyncID,
						"err", out.Error, "took", time.Since(started))
				}
			}
		}(i)
	}
}

// Enqueue hands a job over without blocking.
func (d *Dispatcher) Enqueue(job SyncJob) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake and waits for queued jobs to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnableAsync attaches a started dispatcher to e. Call it after every other
// field of e is set.
func (e *Engine) EnableAsync(workers, queueSize int) {
	d := NewDispatcher(workers, queueSize, e.syncTimeout(), e.Log)
	e.Dispatcher = d
	eng := *e
	d.Start(eng.RunSync)
}
