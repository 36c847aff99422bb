package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/rtt"
	"github.com/interledger/connector-go/internal/store/memstore"
	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/ratelimit/memory"
)

const nodeAddress ilp.Address = "g.node"

func fulfillInner() Incoming {
	return IncomingFunc(func(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
		fulfillment := [32]byte{42}
		return &ilp.Fulfill{Fulfillment: fulfillment}
	})
}

func rejectInner(code string) Incoming {
	return IncomingFunc(func(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
		return ilp.NewReject(code, "inner reject", "g.peer")
	})
}

func testPrepare(amount uint64) *ilp.Prepare {
	fulfillment := [32]byte{42}
	return &ilp.Prepare{
		Amount:             amount,
		Destination:        "g.other.bob",
		ExpiresAt:          time.Now().Add(30 * time.Second),
		ExecutionCondition: ilp.Condition(fulfillment),
	}
}

func testFrom() *model.Account {
	return &model.Account{
		ID:         uuid.New(),
		ILPAddress: "g.node.alice",
		AssetCode:  "USD",
		AssetScale: 6,
	}
}

func TestRateLimitRefundsValueOnReject(t *testing.T) {
	limiter := memory.NewTokenBucket()
	from := testFrom()
	from.PacketsPerSecond = 100
	from.AmountPerSecond = 1000

	// Inner rejects: value tokens come back, packet tokens do not.
	svc := NewRateLimit(rejectInner(ilp.CodeT01PeerUnreachable), limiter, nodeAddress, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		reply := svc.HandleIncoming(context.Background(), from, testPrepare(1000))
		reject, ok := reply.(*ilp.Reject)
		require.True(t, ok)
		assert.Equal(t, ilp.CodeT01PeerUnreachable, reject.Code, "full value must be available every round")
	}
}

func TestRateLimitNoRefundOnFulfill(t *testing.T) {
	limiter := memory.NewTokenBucket()
	from := testFrom()
	from.AmountPerSecond = 1000

	svc := NewRateLimit(fulfillInner(), limiter, nodeAddress, zaptest.NewLogger(t))
	_, ok := svc.HandleIncoming(context.Background(), from, testPrepare(800)).(*ilp.Fulfill)
	require.True(t, ok)

	reply := svc.HandleIncoming(context.Background(), from, testPrepare(800))
	reject, ok := reply.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeT05RateLimited, reject.Code)
}

func TestRateLimitPacketLimit(t *testing.T) {
	limiter := memory.NewTokenBucket()
	from := testFrom()
	from.PacketsPerSecond = 1

	svc := NewRateLimit(fulfillInner(), limiter, nodeAddress, zaptest.NewLogger(t))
	_, ok := svc.HandleIncoming(context.Background(), from, testPrepare(1)).(*ilp.Fulfill)
	require.True(t, ok)

	reject, ok := svc.HandleIncoming(context.Background(), from, testPrepare(1)).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeT05RateLimited, reject.Code)
}

func TestIncomingValidatorRejectsExpired(t *testing.T) {
	svc := NewIncomingValidator(fulfillInner(), nodeAddress)
	prepare := testPrepare(100)
	prepare.ExpiresAt = time.Now().Add(-time.Second)

	reject, ok := svc.HandleIncoming(context.Background(), testFrom(), prepare).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeR00TransferTimedOut, reject.Code)
}

func TestIncomingValidatorBlocksBadFulfillment(t *testing.T) {
	bad := IncomingFunc(func(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
		return &ilp.Fulfill{Fulfillment: [32]byte{9}} // wrong preimage
	})
	svc := NewIncomingValidator(bad, nodeAddress)

	reject, ok := svc.HandleIncoming(context.Background(), testFrom(), testPrepare(100)).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF05WrongCondition, reject.Code)
}

func TestOutgoingValidatorTimesOut(t *testing.T) {
	slow := OutgoingFunc(func(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
		<-ctx.Done()
		return ilp.NewReject(ilp.CodeT00InternalError, "late", "g.peer")
	})
	svc := NewOutgoingValidator(slow, nodeAddress)

	prepare := testPrepare(100)
	prepare.ExpiresAt = time.Now().Add(50 * time.Millisecond)

	start := time.Now()
	reject, ok := svc.HandleOutgoing(context.Background(), testFrom(), testFrom(), prepare).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeR00TransferTimedOut, reject.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMaxPacketRejectsWithSizingPayload(t *testing.T) {
	from := testFrom()
	from.MaxPacketAmount = 100
	svc := NewMaxPacket(fulfillInner(), nodeAddress)

	reject, ok := svc.HandleIncoming(context.Background(), from, testPrepare(500)).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF08AmountTooLarge, reject.Code)

	data, ok := ilp.ParseAmountTooLargeData(reject.Data)
	require.True(t, ok)
	assert.Equal(t, uint64(500), data.ReceivedAmount)
	assert.Equal(t, uint64(100), data.MaximumAmount)

	// At the cap: allowed.
	_, ok = svc.HandleIncoming(context.Background(), from, testPrepare(100)).(*ilp.Fulfill)
	assert.True(t, ok)
}

func TestIncomingBalanceLifecycle(t *testing.T) {
	st := memstore.New()
	from := testFrom()
	ctx := context.Background()

	svc := NewIncomingBalance(fulfillInner(), st.Balances(), nodeAddress, zaptest.NewLogger(t))
	_, ok := svc.HandleIncoming(ctx, from, testPrepare(500)).(*ilp.Fulfill)
	require.True(t, ok)

	b, _ := st.Balances().Get(ctx, from.ID)
	assert.Equal(t, model.Balance{Receivable: 500}, b)

	svc = NewIncomingBalance(rejectInner(ilp.CodeT04InsufficientLiquidity), st.Balances(), nodeAddress, zaptest.NewLogger(t))
	_, isReject := svc.HandleIncoming(ctx, from, testPrepare(200)).(*ilp.Reject)
	require.True(t, isReject)

	b, _ = st.Balances().Get(ctx, from.ID)
	assert.Equal(t, model.Balance{Receivable: 500}, b, "reject must fully compensate")
}

func TestIncomingBalanceEnforcesMaxBalance(t *testing.T) {
	st := memstore.New()
	from := testFrom()
	maxBalance := uint64(400)
	from.MaxBalance = &maxBalance

	svc := NewIncomingBalance(fulfillInner(), st.Balances(), nodeAddress, zaptest.NewLogger(t))
	reject, ok := svc.HandleIncoming(context.Background(), from, testPrepare(500)).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeT04InsufficientLiquidity, reject.Code)

	b, _ := st.Balances().Get(context.Background(), from.ID)
	assert.Equal(t, model.Balance{}, b, "refused prepare must not mutate balances")
}

type fakeTrigger struct {
	called chan uuid.UUID
}

func (f *fakeTrigger) MaybeSettle(account *model.Account) {
	f.called <- account.ID
}

func TestOutgoingBalanceTriggersSettlement(t *testing.T) {
	st := memstore.New()
	to := testFrom()
	threshold := uint64(100)
	to.SettleThreshold = &threshold
	to.SettlementEngineURL = "http://engine.example"

	inner := OutgoingFunc(func(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
		return &ilp.Fulfill{Fulfillment: [32]byte{42}}
	})
	trigger := &fakeTrigger{called: make(chan uuid.UUID, 1)}
	svc := NewOutgoingBalance(inner, st.Balances(), trigger, nodeAddress, zaptest.NewLogger(t))

	_, ok := svc.HandleOutgoing(context.Background(), testFrom(), to, testPrepare(500)).(*ilp.Fulfill)
	require.True(t, ok)

	select {
	case id := <-trigger.called:
		assert.Equal(t, to.ID, id)
	default:
		t.Fatal("settlement trigger not invoked")
	}
	b, _ := st.Balances().Get(context.Background(), to.ID)
	assert.Equal(t, model.Balance{Payable: 500}, b)
}

func TestOutgoingBalanceRejectCompensates(t *testing.T) {
	st := memstore.New()
	to := testFrom()

	inner := OutgoingFunc(func(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
		return ilp.NewReject(ilp.CodeT04InsufficientLiquidity, "", "g.peer")
	})
	svc := NewOutgoingBalance(inner, st.Balances(), nil, nodeAddress, zaptest.NewLogger(t))

	_, isReject := svc.HandleOutgoing(context.Background(), testFrom(), to, testPrepare(500)).(*ilp.Reject)
	require.True(t, isReject)

	b, _ := st.Balances().Get(context.Background(), to.ID)
	assert.Equal(t, model.Balance{}, b)
}

type staticRates map[string]decimal.Decimal

func (r staticRates) Rate(from, to string) (decimal.Decimal, bool) {
	base, ok1 := r[from]
	quote, ok2 := r[to]
	if !ok1 || !ok2 || base.IsZero() {
		return decimal.Decimal{}, false
	}
	return quote.Div(base).Round(12), ok1 && ok2
}

func captureOutgoing(amount *uint64) Outgoing {
	return OutgoingFunc(func(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
		*amount = prepare.Amount
		return &ilp.Fulfill{Fulfillment: [32]byte{42}}
	})
}

func TestExchangeRateConversion(t *testing.T) {
	// USD scale 6 to EUR scale 2, rate 0.9, spread 1%:
	// floor(1_000_000 × 0.9 × 10^(2−6) × 0.99) = 89.
	rates := staticRates{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.RequireFromString("0.9"),
	}
	from := testFrom() // USD scale 6
	to := testFrom()
	to.AssetCode = "EUR"
	to.AssetScale = 2

	var got uint64
	svc := NewExchangeRate(captureOutgoing(&got), rates, 0.01, nodeAddress, zaptest.NewLogger(t))
	_, ok := svc.HandleOutgoing(context.Background(), from, to, testPrepare(1_000_000)).(*ilp.Fulfill)
	require.True(t, ok)
	assert.Equal(t, uint64(89), got)
}

func TestExchangeRateSameAssetUnchanged(t *testing.T) {
	var got uint64
	svc := NewExchangeRate(captureOutgoing(&got), staticRates{}, 0.01, nodeAddress, zaptest.NewLogger(t))
	_, ok := svc.HandleOutgoing(context.Background(), testFrom(), testFrom(), testPrepare(777)).(*ilp.Fulfill)
	require.True(t, ok)
	assert.Equal(t, uint64(777), got)
}

func TestExchangeRateMissingRate(t *testing.T) {
	from := testFrom()
	to := testFrom()
	to.AssetCode = "JPY"

	var got uint64
	svc := NewExchangeRate(captureOutgoing(&got), staticRates{}, 0, nodeAddress, zaptest.NewLogger(t))
	reject, ok := svc.HandleOutgoing(context.Background(), from, to, testPrepare(100)).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeT00InternalError, reject.Code)
}

func TestExchangeRateZeroResult(t *testing.T) {
	rates := staticRates{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.RequireFromString("0.9"),
	}
	from := testFrom()
	to := testFrom()
	to.AssetCode = "EUR"
	to.AssetScale = 2

	var got uint64
	svc := NewExchangeRate(captureOutgoing(&got), rates, 0.01, nodeAddress, zaptest.NewLogger(t))
	reject, ok := svc.HandleOutgoing(context.Background(), from, to, testPrepare(10)).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF99ApplicationError, reject.Code, "value must not vanish silently")
}

func TestExchangeRateOverflow(t *testing.T) {
	rates := staticRates{
		"USD": decimal.NewFromInt(1),
		"JPY": decimal.NewFromInt(1),
	}
	from := testFrom()
	to := testFrom()
	to.AssetCode = "JPY"
	to.AssetScale = 18

	var got uint64
	svc := NewExchangeRate(captureOutgoing(&got), rates, 0, nodeAddress, zaptest.NewLogger(t))
	reject, ok := svc.HandleOutgoing(context.Background(), from, to, testPrepare(1<<60)).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF08AmountTooLarge, reject.Code)
}

func TestExpiryShortenerShrinksExpiry(t *testing.T) {
	to := testFrom()
	to.RoundTripTime = 2 * time.Second

	var gotExpiry time.Time
	inner := OutgoingFunc(func(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
		gotExpiry = prepare.ExpiresAt
		return &ilp.Fulfill{Fulfillment: [32]byte{42}}
	})
	svc := NewExpiryShortener(inner, rtt.New(rtt.Config{}), nodeAddress)

	prepare := testPrepare(100)
	_, ok := svc.HandleOutgoing(context.Background(), testFrom(), to, prepare).(*ilp.Fulfill)
	require.True(t, ok)
	assert.True(t, gotExpiry.Before(prepare.ExpiresAt), "outgoing expiry must shrink")
}

func TestExpiryShortenerShortCircuitsOnNoTime(t *testing.T) {
	to := testFrom()
	to.RoundTripTime = 10 * time.Second

	called := false
	inner := OutgoingFunc(func(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
		called = true
		return &ilp.Fulfill{Fulfillment: [32]byte{42}}
	})
	svc := NewExpiryShortener(inner, rtt.New(rtt.Config{}), nodeAddress)

	prepare := testPrepare(100)
	prepare.ExpiresAt = time.Now().Add(2 * time.Second)
	reject, ok := svc.HandleOutgoing(context.Background(), testFrom(), to, prepare).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeR00TransferTimedOut, reject.Code)
	assert.False(t, called, "must short-circuit without forwarding")
}

type fakeTable map[string]uuid.UUID

func (t fakeTable) Lookup(destination ilp.Address) (uuid.UUID, bool) {
	var bestPrefix string
	var best uuid.UUID
	found := false
	for prefix, id := range t {
		if destination.HasPrefix(prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix, best, found = prefix, id, true
		}
	}
	return best, found
}

func TestRouterDispatchesToOutgoing(t *testing.T) {
	st := memstore.New()
	to := testFrom()
	to.ILPAddress = "g.other"
	require.NoError(t, st.Accounts().Upsert(context.Background(), to, ""))

	var sawTo uuid.UUID
	outgoing := OutgoingFunc(func(ctx context.Context, from, toAcct *model.Account, prepare *ilp.Prepare) ilp.Reply {
		sawTo = toAcct.ID
		return &ilp.Fulfill{Fulfillment: [32]byte{42}}
	})
	router := NewRouter(nodeAddress, fakeTable{"g.other": to.ID}, st.Accounts(), outgoing, zaptest.NewLogger(t))

	_, ok := router.HandleIncoming(context.Background(), testFrom(), testPrepare(100)).(*ilp.Fulfill)
	require.True(t, ok)
	assert.Equal(t, to.ID, sawTo)
}

func TestRouterUnreachable(t *testing.T) {
	router := NewRouter(nodeAddress, fakeTable{}, memstore.New().Accounts(), nil, zaptest.NewLogger(t))

	reject, ok := router.HandleIncoming(context.Background(), testFrom(), testPrepare(100)).(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF02Unreachable, reject.Code)
}

func TestRouterLocalHandlerWins(t *testing.T) {
	router := NewRouter(nodeAddress, fakeTable{}, memstore.New().Accounts(), nil, zaptest.NewLogger(t))
	router.Local("peer.config", func(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
		return &ilp.Fulfill{}
	})

	prepare := testPrepare(0)
	prepare.Destination = "peer.config"
	_, ok := router.HandleIncoming(context.Background(), testFrom(), prepare).(*ilp.Fulfill)
	assert.True(t, ok)
}
