// Package queue serializes durable writes through a single worker goroutine.
//
// SQLite tolerates one writer at a time; funneling every write through this
// queue means the store never sees interleaved write transactions, and
// shutdown can drain pending writes before the process exits.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Job is one unit of durable work. It runs on the writer goroutine; the
// returned value and error are delivered to the submitter only.
type Job func(ctx context.Context) (any, error)

// ErrStopped is returned for submissions that arrive after Stop.
var ErrStopped = errors.New("write queue stopped")

type item struct {
	job    Job
	result chan itemResult
}

type itemResult struct {
	value any
	err   error
}

// WriteQueue is a single-writer FIFO. Submissions complete strictly in
// order: item N finishes before item N+1 starts.
type WriteQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    *list.List
	started  bool
	stopping bool

	wg sync.WaitGroup
}

// NewWriteQueue creates a write queue. Call Start before accepting traffic.
func NewWriteQueue() *WriteQueue {
	q := &WriteQueue{items: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the writer goroutine. Idempotent.
func (q *WriteQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.stopping = false
	q.wg.Add(1)
	go q.run()
	slog.Info("Write queue started")
}

// Enqueue submits a job and waits for its result. If the caller's context is
// cancelled while waiting, Enqueue returns early but the job still executes
// in order — durable writes are never half-abandoned.
//
// If the queue was never started, the job runs directly in the caller. That
// keeps unit tests free of queue lifecycle plumbing, but a production server
// must have the queue up before its first write.
func (q *WriteQueue) Enqueue(ctx context.Context, job Job) (any, error) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		slog.Warn("Write queue not started; executing write directly in caller")
		return withBusyRetry(ctx, job)
	}
	if q.stopping {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	it := &item{job: job, result: make(chan itemResult, 1)}
	q.items.PushBack(it)
	q.cond.Signal()
	q.mu.Unlock()

	select {
	case res := <-it.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop drains remaining items and stops the worker. It waits up to timeout
// for the drain; on expiry the worker is left to finish its current item and
// the method returns an error.
func (q *WriteQueue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.stopping = true
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Write queue drained")
		return nil
	case <-time.After(timeout):
		slog.Warn("Write queue drain timeout exceeded", "timeout", timeout)
		return fmt.Errorf("write queue drain timed out after %v", timeout)
	}
}

// Depth returns the number of queued items (for health reporting).
func (q *WriteQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// run is the writer loop. It pops items FIFO, executes each with busy-retry,
// and fulfills the submitter's result slot. On stop it drains the remaining
// backlog before exiting.
func (q *WriteQueue) run() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for q.items.Len() == 0 && !q.stopping {
			q.cond.Wait()
		}
		if q.items.Len() == 0 && q.stopping {
			q.started = false
			q.mu.Unlock()
			return
		}
		front := q.items.Remove(q.items.Front()).(*item)
		q.mu.Unlock()

		value, err := withBusyRetry(context.Background(), front.job)
		front.result <- itemResult{value: value, err: err}
	}
}

// busyRetrySchedule bounds retries when sqlite reports writer contention.
var busyRetrySchedule = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// withBusyRetry runs the job, retrying on "database is locked" class errors.
// Any other error surfaces immediately; exhausted retries surface the last
// error to the submitter.
func withBusyRetry(ctx context.Context, job Job) (any, error) {
	var value any
	var err error
	for attempt := 0; ; attempt++ {
		value, err = job(ctx)
		if err == nil || !isBusyError(err) || attempt >= len(busyRetrySchedule) {
			return value, err
		}
		slog.Warn("Write retry after busy database",
			"attempt", attempt+1, "error", err)
		select {
		case <-time.After(busyRetrySchedule[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isBusyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
