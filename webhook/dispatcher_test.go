package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/store"
	"github.com/sheikhcoders/SheikhPay/types"
)

const testSecret = "whsec_test"

type receiver struct {
	mu         sync.Mutex
	failBefore int // respond 500 to the first N requests
	requests   int
	bodies     [][]byte
	signatures []string
}

func (r *receiver) handler(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests++
	r.bodies = append(r.bodies, body)
	r.signatures = append(r.signatures, req.Header.Get(SignatureHeader))
	fail := r.requests <= r.failBefore
	r.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

func testDispatcher(st store.Store, maxAttempts int) *Dispatcher {
	cfg := &types.Config{
		WebhookSecret:      testSecret,
		WebhookMaxAttempts: maxAttempts,
		WebhookBaseBackoff: 5 * time.Millisecond,
		WebhookMaxBackoff:  20 * time.Millisecond,
		DispatcherWorkers:  2,
	}
	d := NewDispatcher(st, cfg, logger.NoopLogger{}, metrics.NoopRecorder{})
	d.pollEvery = 5 * time.Millisecond
	return d
}

func seedEvent(t *testing.T, st *store.MemoryStore, deliveryID, url string) *types.WebhookEvent {
	t.Helper()
	ctx := context.Background()
	p := &types.Payment{
		ID:                  "pay-1",
		Chain:               types.ChainEthereum,
		Asset:               types.Asset{Symbol: "ETH", Decimals: 18},
		RecipientAddress:    "0x742d35Cc6634C0532925a3b8D098f69DB22B6b8B",
		RequestedFiatAmount: decimal.NewFromInt(100),
		RequestedCurrency:   "USD",
		Status:              types.StatusPending,
		CreatedAt:           time.Now().UTC(),
	}
	if _, err := st.GetPayment(ctx, p.ID); err != nil {
		require.NoError(t, st.CreatePayment(ctx, p))
	}
	event := &types.WebhookEvent{
		DeliveryID:  deliveryID,
		PaymentID:   p.ID,
		EventType:   types.EventPaymentSettled,
		Payload:     []byte(`{"payment_id":"pay-1","event_type":"payment.settled"}`),
		URL:         url,
		Status:      types.DeliveryPending,
		NextRetryAt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.UpdatePayment(ctx, p, event))
	return event
}

func eventStatus(st *store.MemoryStore, deliveryID string) (types.WebhookEventStatus, int) {
	for _, e := range st.Events() {
		if e.DeliveryID == deliveryID {
			return e.Status, e.AttemptCount
		}
	}
	return "", 0
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	rcv := &receiver{failBefore: 3}
	srv := httptest.NewServer(http.HandlerFunc(rcv.handler))
	defer srv.Close()

	st := store.NewMemoryStore()
	event := seedEvent(t, st, "d1", srv.URL)

	d := testDispatcher(st, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.Eventually(t, func() bool {
		status, _ := eventStatus(st, event.DeliveryID)
		return status == types.DeliveryDelivered
	}, 5*time.Second, 10*time.Millisecond)

	status, attempts := eventStatus(st, event.DeliveryID)
	assert.Equal(t, types.DeliveryDelivered, status)
	assert.Equal(t, 4, attempts)

	// No redelivery after success.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, rcv.count())

	rcv.mu.Lock()
	defer rcv.mu.Unlock()
	for i, body := range rcv.bodies {
		assert.Equal(t, event.Payload, body)
		assert.True(t, Verify(testSecret, body, rcv.signatures[i]))
	}
}

func TestDispatcherExhaustsRetryBudget(t *testing.T) {
	rcv := &receiver{failBefore: 1 << 30}
	srv := httptest.NewServer(http.HandlerFunc(rcv.handler))
	defer srv.Close()

	st := store.NewMemoryStore()
	event := seedEvent(t, st, "d1", srv.URL)

	d := testDispatcher(st, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.Eventually(t, func() bool {
		status, _ := eventStatus(st, event.DeliveryID)
		return status == types.DeliveryFailed
	}, 5*time.Second, 10*time.Millisecond)

	_, attempts := eventStatus(st, event.DeliveryID)
	assert.Equal(t, 3, attempts)

	// A failed event is dead: no further attempts.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, rcv.count())
}

func TestDispatcherMarksEndpointlessEventsDelivered(t *testing.T) {
	st := store.NewMemoryStore()
	event := seedEvent(t, st, "d1", "")

	d := testDispatcher(st, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.Eventually(t, func() bool {
		status, _ := eventStatus(st, event.DeliveryID)
		return status == types.DeliveryDelivered
	}, 2*time.Second, 10*time.Millisecond)

	_, attempts := eventStatus(st, event.DeliveryID)
	assert.Zero(t, attempts)
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	st := store.NewMemoryStore()
	d := testDispatcher(st, 8)

	assert.Equal(t, 5*time.Millisecond, d.retryDelay(1))
	assert.Equal(t, 10*time.Millisecond, d.retryDelay(2))
	assert.Equal(t, 20*time.Millisecond, d.retryDelay(3))
	assert.Equal(t, 20*time.Millisecond, d.retryDelay(10))
	assert.Equal(t, 20*time.Millisecond, d.retryDelay(1000))
}
