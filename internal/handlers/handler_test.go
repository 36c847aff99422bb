package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/interledger/connector-go/internal/config"
	"github.com/interledger/connector-go/internal/links"
	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/node"
	"github.com/interledger/connector-go/internal/store/memstore"
	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/ratelimit/memory"
	"github.com/interledger/connector-go/pkg/spsp"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testNode(t *testing.T) *node.Node {
	t.Helper()
	cfg := &config.Config{
		Node: config.NodeConfig{
			ILPAddress: "g.node",
			SecretSeed: testSeed,
			AssetCode:  "USD",
			AssetScale: 6,
		},
		Accounts: []config.AccountConfig{
			{
				Name:          "alice",
				ILPAddress:    "g.node.alice",
				AssetCode:     "USD",
				AssetScale:    6,
				Relation:      "child",
				IncomingToken: "alice-in",
			},
		},
	}
	registry := links.NewRegistry(zaptest.NewLogger(t))
	n, err := node.New(cfg, "g.node", memstore.New(), memory.NewTokenBucket(), registry, zaptest.NewLogger(t))
	require.NoError(t, err)
	return n
}

func testRouter(t *testing.T) (*gin.Engine, *gin.Engine, *node.Node) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	n := testNode(t)
	h := New(n, zaptest.NewLogger(t))

	public := gin.New()
	h.Register(public, 0)
	engineAPI := gin.New()
	h.RegisterSettlement(engineAPI)
	return public, engineAPI, n
}

func TestPostILPRejectsUnauthenticated(t *testing.T) {
	public, _, _ := testRouter(t)

	w := httptest.NewRecorder()
	public.ServeHTTP(w, httptest.NewRequest("POST", "/ilp", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostILPRoundTrip(t *testing.T) {
	public, _, _ := testRouter(t)

	// No route for the destination: a well-formed ILP Reject must come
	// back with HTTP 200.
	prepare := &ilp.Prepare{
		Amount:      10,
		Destination: "g.nowhere",
		ExpiresAt:   time.Now().Add(30 * time.Second),
	}
	req := httptest.NewRequest("POST", "/ilp", bytes.NewReader(prepare.Marshal()))
	req.Header.Set("Authorization", "Bearer alice-in")
	req.Header.Set("Content-Type", "application/octet-stream")
	w := httptest.NewRecorder()
	public.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	reply, err := ilp.ParseReply(w.Body.Bytes())
	require.NoError(t, err)
	reject, ok := reply.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF02Unreachable, reject.Code)
}

func TestPostILPRejectsGarbageBody(t *testing.T) {
	public, _, _ := testRouter(t)

	req := httptest.NewRequest("POST", "/ilp", bytes.NewReader([]byte("junk")))
	req.Header.Set("Authorization", "Bearer alice-in")
	w := httptest.NewRecorder()
	public.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSPSPHandsOutCredentials(t *testing.T) {
	public, _, n := testRouter(t)

	req := httptest.NewRequest("GET", "/.well-known/pay", nil)
	req.Header.Set("Accept", spsp.ContentType)
	w := httptest.NewRecorder()
	public.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp spsp.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.DestinationAccount.HasPrefix(string(n.Address())))
	assert.Len(t, resp.SharedSecret, 32)
}

func TestStatusReportsAccounts(t *testing.T) {
	public, _, _ := testRouter(t)

	w := httptest.NewRecorder()
	public.ServeHTTP(w, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		ILPAddress string          `json:"ilp_address"`
		Accounts   []accountStatus `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "g.node", body.ILPAddress)
	require.Len(t, body.Accounts, 1)
	assert.Equal(t, "g.node.alice", body.Accounts[0].ILPAddress)
}

func TestReceiveSettlementCreditsReceivable(t *testing.T) {
	_, engineAPI, n := testRouter(t)
	ctx := context.Background()
	id := node.AccountID("alice")

	// Alice delivered 1000; the peer settles 600 of it.
	require.NoError(t, n.Store().Balances().PrepareIncoming(ctx, id, 1000, nil))
	require.NoError(t, n.Store().Balances().FulfillIncoming(ctx, id, 1000))

	body := bytes.NewReader([]byte(`{"amount": 600, "scale": 6}`))
	req := httptest.NewRequest("POST", "/accounts/"+id.String()+"/settlements", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engineAPI.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	balance, _ := n.Store().Balances().Get(ctx, id)
	assert.Equal(t, model.Balance{Receivable: 400}, balance)
}

func TestReceiveSettlementRescales(t *testing.T) {
	_, engineAPI, n := testRouter(t)
	ctx := context.Background()
	id := node.AccountID("alice")

	require.NoError(t, n.Store().Balances().PrepareIncoming(ctx, id, 5_000_000, nil))
	require.NoError(t, n.Store().Balances().FulfillIncoming(ctx, id, 5_000_000))

	// Engine reports in scale 2; the account runs scale 6.
	body := bytes.NewReader([]byte(`{"amount": 300, "scale": 2}`))
	req := httptest.NewRequest("POST", "/accounts/"+id.String()+"/settlements", body)
	w := httptest.NewRecorder()
	engineAPI.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	balance, _ := n.Store().Balances().Get(ctx, id)
	assert.Equal(t, uint64(5_000_000-3_000_000), balance.Receivable)
}

func TestReceiveSettlementUnknownAccount(t *testing.T) {
	_, engineAPI, _ := testRouter(t)

	body := bytes.NewReader([]byte(`{"amount": 600, "scale": 6}`))
	req := httptest.NewRequest("POST", "/accounts/11111111-2222-3333-4444-555555555555/settlements", body)
	w := httptest.NewRecorder()
	engineAPI.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
