package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikhcoders/SheikhPay/clients"
	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/rates"
	"github.com/sheikhcoders/SheikhPay/store"
	"github.com/sheikhcoders/SheikhPay/types"
)

func newTestEngine(t *testing.T, client *stubClient) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	oracle := rates.NewFixedOracle(map[string]decimal.Decimal{
		"ETH":  decimal.NewFromInt(2000),
		"USDC": decimal.NewFromInt(1),
	}, 15*time.Minute)

	e, err := New(fastConfig(), st, oracle,
		map[types.Chain]clients.ChainClient{types.ChainEthereum: client},
		logger.NoopLogger{}, metrics.NoopRecorder{})
	require.NoError(t, err)
	return e, st
}

func ethSpec() types.PaymentSpec {
	return types.PaymentSpec{
		FiatAmount:   decimal.NewFromInt(100),
		FiatCurrency: "USD",
		Chain:        types.ChainEthereum,
		AssetSymbol:  "ETH",
	}
}

func TestNewRequiresClientPerChain(t *testing.T) {
	st := store.NewMemoryStore()
	oracle := rates.NewFixedOracle(nil, 15*time.Minute)

	_, err := New(fastConfig(), st, oracle, nil, logger.NoopLogger{}, metrics.NoopRecorder{})
	assert.True(t, types.IsCode(err, types.ErrUnsupportedChain))
}

func TestCreatePaymentLocksRateAndDefaults(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	e, _ := newTestEngine(t, client)
	defer e.Close()

	p, err := e.CreatePayment(context.Background(), ethSpec())
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, types.StatusPending, p.Status)
	assert.Equal(t, testRecipient, p.RecipientAddress)
	assert.True(t, p.LockedRate.Equal(decimal.NewFromInt(2000)))
	assert.True(t, p.TargetAssetAmount.Equal(decimal.NewFromFloat(0.05)))
	assert.True(t, p.Tolerance.Equal(dec("0.01")))
	assert.Equal(t, "ethereum:"+testRecipient+"@1?value=50000000000000000", p.PaymentURI)
	assert.WithinDuration(t, time.Now().UTC().Add(15*time.Minute), p.RateLockExpiry, 10*time.Second)
}

func TestCreatePaymentRejections(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	e, _ := newTestEngine(t, client)
	defer e.Close()
	ctx := context.Background()

	missing := ethSpec()
	missing.FiatCurrency = ""
	_, err := e.CreatePayment(ctx, missing)
	assert.True(t, types.IsCode(err, types.ErrInvalidSpec))

	negative := ethSpec()
	negative.FiatAmount = decimal.NewFromInt(-5)
	_, err = e.CreatePayment(ctx, negative)
	assert.True(t, types.IsCode(err, types.ErrInvalidSpec))

	wrongChain := ethSpec()
	wrongChain.Chain = types.ChainPolygon
	_, err = e.CreatePayment(ctx, wrongChain)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedChain))

	wrongAsset := ethSpec()
	wrongAsset.AssetSymbol = "DOGE"
	_, err = e.CreatePayment(ctx, wrongAsset)
	assert.True(t, types.IsCode(err, types.ErrInvalidSpec))

	badRecipient := ethSpec()
	badRecipient.RecipientAddress = "not-an-address"
	_, err = e.CreatePayment(ctx, badRecipient)
	assert.True(t, types.IsCode(err, types.ErrInvalidSpec))

	noRate := ethSpec()
	noRate.AssetSymbol = "USDT"
	_, err = e.CreatePayment(ctx, noRate)
	assert.True(t, types.IsCode(err, types.ErrRateUnavailable))
}

func TestEngineLifecycleSettlesPayment(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	e, st := newTestEngine(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Close()

	events := e.Subscribe()
	p, err := e.CreatePayment(ctx, ethSpec())
	require.NoError(t, err)

	// The paying wallet sends the exact target in one transaction.
	client.setReceipt("0xaaa1", types.Receipt{BlockNumber: 98, Status: 1, Found: true})
	client.addTransfer(types.Transfer{
		Chain:       types.ChainEthereum,
		TxHash:      "0xaaa1",
		From:        testSender,
		To:          testRecipient,
		Asset:       types.Asset{Symbol: "ETH", Decimals: 18},
		Amount:      p.TargetAssetAmount,
		BlockNumber: 98,
		BlockTime:   time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		got, err := st.GetPayment(ctx, p.ID)
		return err == nil && got.Status == types.StatusAwaitingConfirmation
	}, 2*time.Second, 5*time.Millisecond)

	client.setHeight(200)
	require.Eventually(t, func() bool {
		got, err := st.GetPayment(ctx, p.ID)
		return err == nil && got.Status == types.StatusSettled
	}, 2*time.Second, 5*time.Millisecond)

	var seen []types.EventType
	deadline := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case ev := <-events:
			seen = append(seen, ev.EventType)
		case <-deadline:
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	assert.Equal(t, []types.EventType{
		types.EventPaymentReceived,
		types.EventPaymentConfirmed,
		types.EventPaymentSettled,
	}, seen)

	// Outbox and subscription feed agree.
	outbox := st.Events()
	require.Len(t, outbox, 3)
}

func TestEngineRecoversOpenPaymentsOnStart(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	e, st := newTestEngine(t, client)

	p, err := e.CreatePayment(context.Background(), ethSpec())
	require.NoError(t, err)
	machine := e.machine
	client.setReceipt("0xaaa1", types.Receipt{BlockNumber: 98, Status: 1, Found: true})
	_, err = machine.ApplyTransfer(context.Background(),
		p.ID, transferAt("0xaaa1", "0.05", 98))
	require.NoError(t, err)

	// A restart rebuilds tracking from the store alone.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Close()

	client.setHeight(200)
	require.Eventually(t, func() bool {
		got, err := st.GetPayment(ctx, p.ID)
		return err == nil && got.Status == types.StatusSettled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngineCancelPayment(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	e, st := newTestEngine(t, client)
	defer e.Close()
	ctx := context.Background()

	p, err := e.CreatePayment(ctx, ethSpec())
	require.NoError(t, err)
	require.NoError(t, e.CancelPayment(ctx, p.ID))

	got, err := st.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, got.Status)
	assert.Equal(t, "cancelled", got.FailureReason)

	err = e.CancelPayment(ctx, p.ID)
	assert.True(t, types.IsCode(err, types.ErrInvalidState))
}

func TestGetPaymentNotFound(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	e, _ := newTestEngine(t, client)
	defer e.Close()

	_, err := e.GetPayment(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}
