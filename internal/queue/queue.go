// Package queue provides the durable retry queue in front of the event bus.
//
// Inbound events land here first. A single dispatch loop publishes ready
// items in (next attempt, sequence) order, reschedules failures with
// exponential backoff and moves exhausted items to the dead-letter store.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/events"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Dispatcher publishes one event. *events.Bus implements it.
type Dispatcher interface {
	Publish(ctx context.Context, event models.Event) (events.PublishResult, error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackoff sets the retry policy.
func WithBackoff(b Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

// WithRepo persists pending items so they survive a restart.
func WithRepo(repo store.QueueRepo) Option {
	return func(q *Queue) { q.repo = repo }
}

// WithDeadLetterRepo sets where exhausted items are kept.
func WithDeadLetterRepo(repo store.DeadLetterRepo) Option {
	return func(q *Queue) { q.deadLetters = repo }
}

// WithRetryOnHandlerFailure controls whether a publish in which some handler
// failed counts as a failed attempt. Bus-level errors always do.
func WithRetryOnHandlerFailure(retry bool) Option {
	return func(q *Queue) { q.retryOnHandlerFailure = retry }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// Queue is a time-ordered retry queue. Enqueue never blocks on dispatch.
type Queue struct {
	dispatcher            Dispatcher
	repo                  store.QueueRepo
	deadLetters           store.DeadLetterRepo
	backoff               Backoff
	retryOnHandlerFailure bool
	now                   func() time.Time
	logger                *slog.Logger

	mu    sync.Mutex
	items itemHeap
	ids   map[string]struct{}
	seq   int64
	wake  chan struct{}
}

// NewQueue creates a queue dispatching to d. Without WithRepo and
// WithDeadLetterRepo, pending items and dead letters are kept in memory.
func NewQueue(d Dispatcher, opts ...Option) *Queue {
	q := &Queue{
		dispatcher:            d,
		backoff:               DefaultBackoff,
		retryOnHandlerFailure: true,
		now:                   time.Now,
		logger:                slog.Default().With("component", "queue"),
		ids:                   make(map[string]struct{}),
		wake:                  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.repo == nil || q.deadLetters == nil {
		mem := store.NewInMemoryStore()
		if q.repo == nil {
			q.repo = mem
		}
		if q.deadLetters == nil {
			q.deadLetters = mem
		}
	}
	return q
}

// Enqueue schedules event for immediate dispatch and returns its queue id.
func (q *Queue) Enqueue(ctx context.Context, event models.Event) (string, error) {
	return q.EnqueueAt(ctx, event, time.Time{})
}

// EnqueueAt schedules event for dispatch no earlier than at. A zero at means now.
func (q *Queue) EnqueueAt(ctx context.Context, event models.Event, at time.Time) (string, error) {
	now := q.now()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	if err := event.Validate(); err != nil {
		return "", models.NewError(models.CodeInvalidInput, "enqueue: %v", err)
	}
	if at.IsZero() || at.Before(now) {
		at = now
	}

	q.mu.Lock()
	q.seq++
	item := &store.QueueItem{
		QueueID:     util.NewQueueID(),
		Event:       event.Clone(),
		NextAttempt: at,
		Seq:         q.seq,
		EnqueuedAt:  now,
	}
	q.mu.Unlock()

	if err := q.repo.SaveQueueItem(ctx, *item); err != nil {
		q.logger.Error("Queue.Enqueue: persist failed", "eventID", event.ID, "eventType", event.Type, "error", err)
		return "", err
	}

	q.mu.Lock()
	q.push(item)
	q.mu.Unlock()
	q.signal()

	q.logger.Debug("Queue.Enqueue: event queued", "queueID", item.QueueID, "eventID", event.ID, "eventType", event.Type, "nextAttempt", at)
	return item.QueueID, nil
}

// Recover loads pending items from the repo. Call it once before Run.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	items, err := q.repo.ListQueueItems(ctx)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	n := 0
	for i := range items {
		item := items[i]
		if _, ok := q.ids[item.QueueID]; ok {
			continue
		}
		if item.Seq > q.seq {
			q.seq = item.Seq
		}
		q.push(&item)
		n++
	}
	q.mu.Unlock()

	if n > 0 {
		q.logger.Info("Queue.Recover: restored pending items", "count", n)
		q.signal()
	}
	return n, nil
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetters lists items that exhausted their retries, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	return q.deadLetters.ListDeadLetters(ctx, limit)
}

// Run dispatches ready items until ctx is cancelled. It sleeps until the
// earliest scheduled attempt or until a new item is enqueued.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("Queue.Run: starting dispatch loop", "baseDelay", q.backoff.Base, "maxRetries", q.backoff.MaxRetries)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.processReady(ctx)
		if ctx.Err() != nil {
			q.logger.Info("Queue.Run: stopping", "pending", q.Len())
			return ctx.Err()
		}

		var timerC <-chan time.Time
		if wait, ok := q.nextWait(); ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			q.logger.Info("Queue.Run: stopping", "pending", q.Len())
			return ctx.Err()
		case <-q.wake:
		case <-timerC:
		}
	}
}

// processReady dispatches every item whose next attempt is due and returns
// how many were dispatched.
func (q *Queue) processReady(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		item := q.popReady(q.now())
		if item == nil {
			return n
		}
		q.dispatch(ctx, item)
		n++
	}
	return n
}

func (q *Queue) dispatch(ctx context.Context, item *store.QueueItem) {
	res, err := q.dispatcher.Publish(ctx, item.Event.Clone())
	if err != nil && ctx.Err() != nil {
		// shutting down; keep the item for the next run without counting an attempt
		q.mu.Lock()
		q.push(item)
		q.mu.Unlock()
		return
	}
	if err == nil && q.retryOnHandlerFailure {
		err = res.Err()
	}

	if err == nil {
		if derr := q.repo.DeleteQueueItem(ctx, item.QueueID); derr != nil {
			q.logger.Error("Queue.dispatch: delete failed", "queueID", item.QueueID, "error", derr)
		}
		q.logger.Debug("Queue.dispatch: event delivered", "queueID", item.QueueID, "eventID", item.Event.ID, "attempts", item.RetryCount+1)
		return
	}

	item.LastError = err.Error()
	if q.backoff.Exhausted(item.RetryCount) {
		q.deadLetter(ctx, item)
		return
	}

	delay := q.backoff.Delay(item.RetryCount)
	item.RetryCount++
	item.NextAttempt = q.now().Add(delay)
	q.mu.Lock()
	q.seq++
	item.Seq = q.seq
	q.push(item)
	q.mu.Unlock()

	if perr := q.repo.SaveQueueItem(ctx, *item); perr != nil {
		q.logger.Error("Queue.dispatch: persist retry failed", "queueID", item.QueueID, "error", perr)
	}
	q.logger.Warn("Queue.dispatch: attempt failed, retrying", "queueID", item.QueueID, "eventID", item.Event.ID, "eventType", item.Event.Type, "retryCount", item.RetryCount, "delay", delay, "error", err)
}

func (q *Queue) deadLetter(ctx context.Context, item *store.QueueItem) {
	dl := store.DeadLetter{
		QueueID:   item.QueueID,
		Event:     item.Event,
		Attempts:  item.RetryCount + 1,
		LastError: item.LastError,
		FailedAt:  q.now(),
	}
	if err := q.deadLetters.SaveDeadLetter(ctx, dl); err != nil {
		q.logger.Error("Queue.deadLetter: save failed, event dropped", "queueID", item.QueueID, "eventID", item.Event.ID, "error", err)
	}
	if err := q.repo.DeleteQueueItem(ctx, item.QueueID); err != nil {
		q.logger.Error("Queue.deadLetter: delete failed", "queueID", item.QueueID, "error", err)
	}
	q.logger.Error("Queue.deadLetter: retries exhausted", "queueID", item.QueueID, "eventID", item.Event.ID, "eventType", item.Event.Type, "attempts", dl.Attempts, "lastError", item.LastError)
}

// popReady removes and returns the first item due at now, or nil.
func (q *Queue) popReady(now time.Time) *store.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].NextAttempt.After(now) {
		return nil
	}
	item := heap.Pop(&q.items).(*store.QueueItem)
	delete(q.ids, item.QueueID)
	return item
}

// nextWait returns the time until the earliest scheduled attempt.
func (q *Queue) nextWait() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	wait := q.items[0].NextAttempt.Sub(q.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// push must be called with mu held.
func (q *Queue) push(item *store.QueueItem) {
	heap.Push(&q.items, item)
	q.ids[item.QueueID] = struct{}{}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
