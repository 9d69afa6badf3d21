// Package worker runs detached units of work off the request path.
//
// Tasks are sharded by key onto single-goroutine workers so that tasks with
// the same key run in submission order. A task's error is logged and counted,
// never returned to the submitter.
package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/observability"
)

// Task is one detached unit of work.
type Task struct {
	Name string
	Key  string
	Run  func(ctx context.Context) error
}

// Queue is a fixed pool of keyed workers.
type Queue struct {
	shards  []chan Task
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithTaskTimeout bounds each task's context. Zero means no bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

func New(logger *slog.Logger, workers, depth int, opts ...Option) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		shards:  make([]chan Task, workers),
		ctx:     ctx,
		cancel:  cancel,
		timeout: 5 * time.Second,
		logger:  logging.OrDiscard(logger),
	}
	for _, o := range opts {
		o(q)
	}
	for i := range q.shards {
		q.shards[i] = make(chan Task, depth)
		q.wg.Add(1)
		go q.run(q.shards[i])
	}
	return q
}

// Submit enqueues t without blocking. It returns false when the queue is
// closed or the task's shard is full; the task is dropped in both cases.
func (q *Queue) Submit(t Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		observability.TasksTotal.WithLabelValues(t.Name, "rejected").Inc()
		q.logger.Warn("task_rejected", "task", t.Name, "key", t.Key, "reason", "closed")
		return false
	}
	select {
	case q.shards[q.shard(t.Key)] <- t:
		return true
	default:
		observability.TasksTotal.WithLabelValues(t.Name, "dropped").Inc()
		q.logger.Warn("task_dropped", "task", t.Name, "key", t.Key, "reason", "queue full")
		return false
	}
}

func (q *Queue) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.shards)))
}

func (q *Queue) run(tasks <-chan Task) {
	defer q.wg.Done()
	for t := range tasks {
		q.exec(t)
	}
}

func (q *Queue) exec(t Task) {
	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			observability.TasksTotal.WithLabelValues(t.Name, "panic").Inc()
			q.logger.Error("task_panic", "task", t.Name, "key", t.Key, "error", rec)
		}
	}()
	start := time.Now()
	if err := t.Run(ctx); err != nil {
		observability.TasksTotal.WithLabelValues(t.Name, "error").Inc()
		q.logger.Error("task_failed", "task", t.Name, "key", t.Key, "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	observability.TasksTotal.WithLabelValues(t.Name, "ok").Inc()
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks are cancelled and ctx's error is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return errors.Join(errors.New("worker queue drain interrupted"), ctx.Err())
	}
}
