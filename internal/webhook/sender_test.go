package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/queue"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

type receivedRequest struct {
	body      []byte
	signature string
	delivery  string
	event     string
}

// endpoint records requests and answers with the next queued status code,
// falling back to 200.
type endpoint struct {
	mu       sync.Mutex
	statuses []int
	requests []receivedRequest
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	e.mu.Lock()
	e.requests = append(e.requests, receivedRequest{
		body:      body,
		signature: r.Header.Get(HeaderSignature),
		delivery:  r.Header.Get(HeaderDelivery),
		event:     r.Header.Get(HeaderEvent),
	})
	status := http.StatusOK
	if len(e.statuses) > 0 {
		status, e.statuses = e.statuses[0], e.statuses[1:]
	}
	e.mu.Unlock()
	w.WriteHeader(status)
	_, _ = w.Write([]byte("upstream says no"))
}

func (e *endpoint) received() []receivedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]receivedRequest(nil), e.requests...)
}

func newEgressFixture(t *testing.T, statuses ...int) (*Handler, *Sender, *store.InMemoryStore, *endpoint, *testutil.Clock) {
	t.Helper()
	ep := &endpoint{statuses: statuses}
	srv := httptest.NewServer(ep)
	t.Cleanup(srv.Close)

	st := store.NewInMemoryStore()
	h := NewHandler(nil, st)
	require.NoError(t, h.RegisterWebhook("crm", srv.URL, testSecret))

	clock := testutil.NewClock(time.Now())
	s := NewSender(st, h, WithSenderClock(clock.Now), WithHTTPClient(srv.Client()))
	return h, s, st, ep, clock
}

func TestSender_DeliversSignedRequest(t *testing.T) {
	h, s, st, ep, _ := newEgressFixture(t)
	ctx := context.Background()

	evt := models.Event{ID: "E1", Type: models.EventConversationHandoff, ConversationID: "C1", Payload: map[string]any{"reason": "pricing"}}
	id, err := h.SendWebhook(ctx, "crm", evt)
	require.NoError(t, err)

	assert.Equal(t, 1, s.poll(ctx))

	reqs := ep.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, id, reqs[0].delivery)
	assert.Equal(t, string(models.EventConversationHandoff), reqs[0].event)
	assert.True(t, verifyHMAC(testSecret, reqs[0].body, reqs[0].signature))
	assert.Contains(t, string(reqs[0].body), `"conversationId":"C1"`)

	msg, err := st.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusSent, msg.Status)
	assert.Equal(t, 0, s.poll(ctx), "nothing left to send")
}

func TestSender_RetriesWithBackoff(t *testing.T) {
	h, s, st, ep, clock := newEgressFixture(t, http.StatusInternalServerError, http.StatusBadGateway)
	ctx := context.Background()

	id, err := h.SendWebhook(ctx, "crm", map[string]string{"k": "v"})
	require.NoError(t, err)

	assert.Equal(t, 0, s.poll(ctx))
	msg, err := st.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusQueued, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.Contains(t, msg.LastError, "500")
	require.NotNil(t, msg.NextAttemptAt)
	assert.WithinDuration(t, clock.Now().Add(5*time.Second), *msg.NextAttemptAt, time.Millisecond)

	clock.Advance(4 * time.Second)
	assert.Equal(t, 0, s.poll(ctx))
	assert.Len(t, ep.received(), 1, "not due yet")

	clock.Advance(time.Second)
	assert.Equal(t, 0, s.poll(ctx))
	msg, err = st.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.WithinDuration(t, clock.Now().Add(10*time.Second), *msg.NextAttemptAt, time.Millisecond)

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, s.poll(ctx))
	assert.Len(t, ep.received(), 3)

	msg, err = st.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusSent, msg.Status)
}

func TestSender_AbandonsAfterMaxRetries(t *testing.T) {
	h, s, st, ep, clock := newEgressFixture(t, 500, 500, 500, 500, 500)
	ctx := context.Background()

	id, err := h.SendWebhook(ctx, "crm", map[string]string{"k": "v"})
	require.NoError(t, err)

	for _, wait := range []time.Duration{0, 5 * time.Second, 10 * time.Second, 20 * time.Second} {
		clock.Advance(wait)
		s.poll(ctx)
	}
	assert.Len(t, ep.received(), 4)

	msg, err := st.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusFailed, msg.Status)
	assert.Equal(t, 4, msg.Attempts)

	clock.Advance(time.Hour)
	s.poll(ctx)
	assert.Len(t, ep.received(), 4, "abandoned deliveries are not retried")
}

func TestSender_CustomBackoff(t *testing.T) {
	h, _, st, ep, clock := newEgressFixture(t, 500)
	srvClient := &http.Client{Timeout: time.Second}
	s := NewSender(st, h,
		WithSenderClock(clock.Now),
		WithHTTPClient(srvClient),
		WithSenderBackoff(queue.Backoff{Base: time.Second, Factor: 3, MaxRetries: 0}),
	)
	ctx := context.Background()

	id, err := h.SendWebhook(ctx, "crm", map[string]string{"k": "v"})
	require.NoError(t, err)
	s.poll(ctx)

	msg, err := st.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusFailed, msg.Status, "no retries allowed")
	assert.Len(t, ep.received(), 1)
}

func TestSender_UnknownWebhookFails(t *testing.T) {
	st := store.NewInMemoryStore()
	h := NewHandler(nil, st)
	clock := testutil.NewClock(time.Now())
	s := NewSender(st, h, WithSenderClock(clock.Now))
	ctx := context.Background()

	id, err := st.EnqueueOutboxMessage(ctx, "gone", "payload", `{}`, "")
	require.NoError(t, err)
	s.poll(ctx)

	msg, err := st.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusQueued, msg.Status)
	assert.Contains(t, msg.LastError, "not registered")
}

func TestSender_RecoverStaleMessages(t *testing.T) {
	h, s, st, ep, clock := newEgressFixture(t)
	ctx := context.Background()

	id, err := h.SendWebhook(ctx, "crm", map[string]string{"k": "v"})
	require.NoError(t, err)
	// Simulate a crash between claim and send.
	_, err = st.ClaimDueOutboxMessages(ctx, clock.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, s.poll(ctx))

	require.NoError(t, s.RecoverStaleMessages(ctx))
	assert.Equal(t, 1, s.poll(ctx))
	assert.Len(t, ep.received(), 1)

	msg, err := st.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusSent, msg.Status)
}

func TestSender_RunDeliversUntilCancelled(t *testing.T) {
	ep := &endpoint{}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	st := store.NewInMemoryStore()
	h := NewHandler(nil, st)
	require.NoError(t, h.RegisterWebhook("crm", srv.URL, testSecret))
	s := NewSender(st, h, WithPollInterval(10*time.Millisecond), WithRateLimit(1000, 5))

	ctx, cancel := context.WithCancel(context.Background())
	var stopped atomic.Bool
	go func() {
		_ = s.Run(ctx)
		stopped.Store(true)
	}()

	for i := 0; i < 3; i++ {
		_, err := h.SendWebhook(ctx, "crm", map[string]int{"n": i})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(ep.received()) == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, stopped.Load, time.Second, 10*time.Millisecond)
}
