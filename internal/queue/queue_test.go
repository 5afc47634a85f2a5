package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/events"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

// recordingDispatcher records dispatch times and fails as configured.
type recordingDispatcher struct {
	mu        sync.Mutex
	clock     func() time.Time
	attempts  []time.Time
	order     []string
	busErr    error
	failFirst int
	handlerOK bool
}

func (d *recordingDispatcher) Publish(_ context.Context, e models.Event) (events.PublishResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clock != nil {
		d.attempts = append(d.attempts, d.clock())
	}
	d.order = append(d.order, e.ID)
	res := events.PublishResult{EventID: e.ID}
	if d.busErr != nil {
		return res, d.busErr
	}
	var err error
	if !d.handlerOK && (d.failFirst < 0 || len(d.order) <= d.failFirst) {
		err = errors.New("handler failed")
	}
	res.Results = []events.HandlerResult{{SubscriptionID: "h#1", Err: err}}
	return res, nil
}

func (d *recordingDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func event(id string) models.Event {
	return models.Event{ID: id, Type: models.EventConversationMessageReceived, ConversationID: "C1", Payload: map[string]any{}}
}

func TestBackoff_Delays(t *testing.T) {
	b := DefaultBackoff
	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 10*time.Second, b.Delay(1))
	assert.Equal(t, 20*time.Second, b.Delay(2))
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
}

func TestQueue_AlwaysFailingEventIsRetriedThenDeadLettered(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	d := &recordingDispatcher{clock: clock.Now, failFirst: -1}
	st := store.NewInMemoryStore()
	q := NewQueue(d, WithClock(clock.Now), WithRepo(st), WithDeadLetterRepo(st))
	ctx := context.Background()
	start := clock.Now()

	_, err := q.Enqueue(ctx, event("e1"))
	require.NoError(t, err)

	// step the clock one second at a time and let the loop body run
	for i := 0; i < 60; i++ {
		q.processReady(ctx)
		clock.Advance(time.Second)
	}

	require.Len(t, d.attempts, 4, "one attempt plus three retries")
	assert.Equal(t, time.Duration(0), d.attempts[0].Sub(start))
	assert.Equal(t, 5*time.Second, d.attempts[1].Sub(d.attempts[0]))
	assert.Equal(t, 10*time.Second, d.attempts[2].Sub(d.attempts[1]))
	assert.Equal(t, 20*time.Second, d.attempts[3].Sub(d.attempts[2]))
	assert.Zero(t, q.Len(), "absent from the queue after the fourth failure")

	pending, err := st.ListQueueItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	dead, err := q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "e1", dead[0].Event.ID)
	assert.Equal(t, 4, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "handler failed")
}

func TestQueue_SucceedsAfterRetry(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	d := &recordingDispatcher{clock: clock.Now, failFirst: 1}
	q := NewQueue(d, WithClock(clock.Now))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, event("e1"))
	require.NoError(t, err)
	q.processReady(ctx)
	assert.Equal(t, 1, q.Len())

	clock.Advance(4 * time.Second)
	assert.Zero(t, q.processReady(ctx), "not due yet")
	clock.Advance(time.Second)
	assert.Equal(t, 1, q.processReady(ctx))
	assert.Zero(t, q.Len())

	dead, err := q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestQueue_HandlerFailureIgnoredWhenDisabled(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	d := &recordingDispatcher{clock: clock.Now, failFirst: -1}
	q := NewQueue(d, WithClock(clock.Now), WithRetryOnHandlerFailure(false))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, event("e1"))
	require.NoError(t, err)
	q.processReady(ctx)
	assert.Zero(t, q.Len())
	assert.Equal(t, 1, d.calls())
}

func TestQueue_BusErrorAlwaysRetries(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	d := &recordingDispatcher{clock: clock.Now, busErr: events.ErrBusClosed}
	q := NewQueue(d, WithClock(clock.Now), WithRetryOnHandlerFailure(false))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, event("e1"))
	require.NoError(t, err)
	q.processReady(ctx)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_FIFOAmongReadyAndRetriesGoBehind(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	d := &recordingDispatcher{clock: clock.Now, failFirst: 1}
	q := NewQueue(d, WithClock(clock.Now))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, event(id))
		require.NoError(t, err)
	}
	q.processReady(ctx) // a fails, b and c succeed
	_, err := q.Enqueue(ctx, event("d"))
	require.NoError(t, err)
	q.processReady(ctx)
	clock.Advance(5 * time.Second)
	q.processReady(ctx)

	assert.Equal(t, []string{"a", "b", "c", "d", "a"}, d.order)
}

func TestQueue_EnqueueAtDelaysDispatch(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	d := &recordingDispatcher{clock: clock.Now, handlerOK: true}
	q := NewQueue(d, WithClock(clock.Now))
	ctx := context.Background()

	_, err := q.EnqueueAt(ctx, event("later"), clock.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, event("now"))
	require.NoError(t, err)

	q.processReady(ctx)
	assert.Equal(t, []string{"now"}, d.order)
	clock.Advance(time.Minute)
	q.processReady(ctx)
	assert.Equal(t, []string{"now", "later"}, d.order)
}

func TestQueue_EnqueueValidates(t *testing.T) {
	q := NewQueue(&recordingDispatcher{})
	_, err := q.Enqueue(context.Background(), models.Event{Type: "bogus"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	id, err := q.Enqueue(context.Background(), models.Event{Type: models.EventFollowUpSent})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestQueue_RecoverRestoresPendingItems(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	st := store.NewInMemoryStore()
	ctx := context.Background()

	first := NewQueue(&recordingDispatcher{}, WithClock(clock.Now), WithRepo(st), WithDeadLetterRepo(st))
	for _, id := range []string{"a", "b"} {
		_, err := first.Enqueue(ctx, event(id))
		require.NoError(t, err)
	}

	d := &recordingDispatcher{clock: clock.Now, handlerOK: true}
	second := NewQueue(d, WithClock(clock.Now), WithRepo(st), WithDeadLetterRepo(st))
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = second.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recover is idempotent")

	second.processReady(ctx)
	assert.Equal(t, []string{"a", "b"}, d.order)
	pending, err := st.ListQueueItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueue_RunDispatchesAndStops(t *testing.T) {
	bus := events.NewBus()
	delivered := make(chan string, 4)
	attempts := 0
	var mu sync.Mutex
	bus.Subscribe(models.EventConversationMessageReceived, func(ctx context.Context, e models.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		delivered <- e.ID
		return nil
	})

	q := NewQueue(bus, WithBackoff(Backoff{Base: 10 * time.Millisecond, Factor: 2, MaxRetries: 3}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	_, err := q.Enqueue(context.Background(), event("e1"))
	require.NoError(t, err)

	select {
	case id := <-delivered:
		assert.Equal(t, "e1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not redelivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
