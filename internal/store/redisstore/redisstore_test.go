package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store"
)

// setupStore starts miniredis and wraps it in a Store.
func setupStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return New(client, []byte("test-secret-seed"))
}

func testAccount() *model.Account {
	return &model.Account{
		ID:            uuid.New(),
		ILPAddress:    "g.node.alice",
		AssetCode:     "USD",
		AssetScale:    6,
		Relation:      model.RelationChild,
		HTTPURL:       "https://alice.example/ilp",
		OutgoingToken: "alice-outgoing-secret",
	}
}

func TestAccountRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	acct := testAccount()

	require.NoError(t, s.Accounts().Upsert(ctx, acct, "alice-incoming"))

	got, err := s.Accounts().Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.ILPAddress, got.ILPAddress)
	assert.Equal(t, "alice-outgoing-secret", got.OutgoingToken,
		"outgoing token must decrypt back to the original")
	assert.Equal(t, uint64(1), got.Generation)

	byToken, err := s.Accounts().GetByToken(ctx, "alice-incoming")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, byToken.ID)

	_, err = s.Accounts().GetByToken(ctx, "wrong")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAccountTokenStoredEncrypted(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	acct := testAccount()
	require.NoError(t, s.Accounts().Upsert(ctx, acct, ""))

	raw, err := s.client.HGet(ctx, accountKeyPrefix+acct.ID.String(), "record").Result()
	require.NoError(t, err)
	assert.NotContains(t, raw, "alice-outgoing-secret",
		"plaintext token must not reach the store")
}

func TestAccountGenerationFence(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	acct := testAccount()
	require.NoError(t, s.Accounts().Upsert(ctx, acct, ""))

	// A stale copy (same generation) must lose.
	stale := *acct
	assert.ErrorIs(t, s.Accounts().Upsert(ctx, &stale, ""), store.ErrStaleGeneration)

	acct.Generation = 2
	assert.NoError(t, s.Accounts().Upsert(ctx, acct, ""))
}

func TestAccountDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	acct := testAccount()
	require.NoError(t, s.Accounts().Upsert(ctx, acct, "tok"))
	require.NoError(t, s.Accounts().Delete(ctx, acct.ID))

	_, err := s.Accounts().Get(ctx, acct.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Accounts().GetByToken(ctx, "tok")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBalanceIncomingLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.Balances().PrepareIncoming(ctx, id, 500, nil))
	b, _ := s.Balances().Get(ctx, id)
	assert.Equal(t, model.Balance{PendingIn: 500}, b)

	require.NoError(t, s.Balances().FulfillIncoming(ctx, id, 500))
	b, _ = s.Balances().Get(ctx, id)
	assert.Equal(t, model.Balance{Receivable: 500}, b)

	require.NoError(t, s.Balances().PrepareIncoming(ctx, id, 100, nil))
	require.NoError(t, s.Balances().RejectIncoming(ctx, id, 100))
	b, _ = s.Balances().Get(ctx, id)
	assert.Equal(t, model.Balance{Receivable: 500}, b)
}

func TestBalanceIncomingLimit(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := uuid.New()
	limit := uint64(600)

	require.NoError(t, s.Balances().PrepareIncoming(ctx, id, 500, &limit))
	err := s.Balances().PrepareIncoming(ctx, id, 200, &limit)
	assert.ErrorIs(t, err, store.ErrExceedsLimit)

	// The refused prepare must not have reserved anything.
	b, _ := s.Balances().Get(ctx, id)
	assert.Equal(t, model.Balance{PendingIn: 500}, b)
}

func TestBalanceOutgoingLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.Balances().PrepareOutgoing(ctx, id, 300, nil))
	payable, err := s.Balances().FulfillOutgoing(ctx, id, 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), payable)

	require.NoError(t, s.Balances().PrepareOutgoing(ctx, id, 50, nil))
	require.NoError(t, s.Balances().RejectOutgoing(ctx, id, 50))
	b, _ := s.Balances().Get(ctx, id)
	assert.Equal(t, model.Balance{Payable: 300}, b)
}

func TestPrepareSettlement(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := uuid.New()

	s.Balances().PrepareOutgoing(ctx, id, 1000, nil)
	s.Balances().FulfillOutgoing(ctx, id, 1000)

	// Below threshold: nothing to settle.
	amount, err := s.Balances().PrepareSettlement(ctx, id, 2000, 0)
	require.NoError(t, err)
	assert.Zero(t, amount)

	// Crossed: settle down to settle_to in one atomic step.
	amount, err = s.Balances().PrepareSettlement(ctx, id, 1000, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(800), amount)
	b, _ := s.Balances().Get(ctx, id)
	assert.Equal(t, uint64(200), b.Payable)

	// A second call must not double settle.
	amount, err = s.Balances().PrepareSettlement(ctx, id, 1000, 200)
	require.NoError(t, err)
	assert.Zero(t, amount)

	// Engine failure path: the refund restores payable.
	require.NoError(t, s.Balances().RefundSettlement(ctx, id, 800))
	b, _ = s.Balances().Get(ctx, id)
	assert.Equal(t, uint64(1000), b.Payable)
}

func TestReceiveSettlementFloorsAtZero(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := uuid.New()

	s.Balances().PrepareIncoming(ctx, id, 100, nil)
	s.Balances().FulfillIncoming(ctx, id, 100)
	require.NoError(t, s.Balances().ReceiveSettlement(ctx, id, 250))
	b, _ := s.Balances().Get(ctx, id)
	assert.Zero(t, b.Receivable)
}

func TestRoutesRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.Routes().SaveCurrent(ctx, map[string]uuid.UUID{"g.alice": a, "g.bob": b}))
	got, err := s.Routes().LoadCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uuid.UUID{"g.alice": a, "g.bob": b}, got)

	require.NoError(t, s.Routes().SetStatic(ctx, "g.corp", a))
	static, err := s.Routes().LoadStatic(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uuid.UUID{"g.corp": a}, static)
}

func TestRatesRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Rates().SetRate(ctx, "EUR", decimal.RequireFromString("0.9")))
	rates, err := s.Rates().GetRates(ctx)
	require.NoError(t, err)
	assert.True(t, rates["EUR"].Equal(decimal.RequireFromString("0.9")))
}
