package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRateCrossQuote(t *testing.T) {
	p := New(Config{Static: map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.RequireFromString("0.9"),
	}}, zaptest.NewLogger(t))

	rate, ok := p.Rate("USD", "EUR")
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.9")), rate.String())

	rate, ok = p.Rate("EUR", "USD")
	require.True(t, ok)
	assert.True(t, rate.Round(9).Equal(decimal.RequireFromString("1.111111111")), rate.String())

	_, ok = p.Rate("USD", "JPY")
	assert.False(t, ok)
}

func TestPollerRefreshesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rates": {"USD": 1.0, "JPY": 150.0}}`))
	}))
	defer srv.Close()

	p := New(Config{
		Static:       map[string]decimal.Decimal{"USD": decimal.NewFromInt(1)},
		PollURL:      srv.URL,
		PollInterval: time.Hour,
	}, zaptest.NewLogger(t))

	require.NoError(t, p.poll(context.Background()))

	rate, ok := p.Rate("USD", "JPY")
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.NewFromInt(150)), rate.String())
}
