// Package rates supplies exchange rates to the pipeline. A background
// poller may refresh them; readers always see a consistent snapshot.
package rates

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/store"
)

// Provider holds rates quoted as units per base asset. The rate from A to
// B is rate[B]/rate[A].
type Provider struct {
	snapshot atomic.Pointer[map[string]decimal.Decimal]
	store    store.Rates
	log      *zap.Logger

	pollURL      string
	pollInterval time.Duration
	httpClient   *http.Client
}

// Config parameterizes the provider.
type Config struct {
	Static       map[string]decimal.Decimal
	Store        store.Rates // optional persistence, may be nil
	PollURL      string      // optional JSON endpoint, {"rates": {"EUR": 0.9}}
	PollInterval time.Duration
}

// New seeds the provider from static configuration.
func New(cfg Config, log *zap.Logger) *Provider {
	p := &Provider{
		store:        cfg.Store,
		log:          log.Named("rates"),
		pollURL:      cfg.PollURL,
		pollInterval: cfg.PollInterval,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
	snapshot := make(map[string]decimal.Decimal, len(cfg.Static))
	for code, rate := range cfg.Static {
		snapshot[code] = rate
	}
	p.snapshot.Store(&snapshot)
	return p
}

// Rate returns the multiplier converting one unit of from into to.
func (p *Provider) Rate(from, to string) (decimal.Decimal, bool) {
	snapshot := *p.snapshot.Load()
	base, ok1 := snapshot[from]
	quote, ok2 := snapshot[to]
	if !ok1 || !ok2 || base.IsZero() {
		return decimal.Decimal{}, false
	}
	return quote.DivRound(base, 16), true
}

// Snapshot returns the current table, for status reporting.
func (p *Provider) Snapshot() map[string]decimal.Decimal {
	snapshot := *p.snapshot.Load()
	out := make(map[string]decimal.Decimal, len(snapshot))
	for code, rate := range snapshot {
		out[code] = rate
	}
	return out
}

// Run polls the configured endpoint until ctx ends. Without a poll URL it
// returns immediately and the static rates stand.
func (p *Provider) Run(ctx context.Context) {
	if p.pollURL == "" {
		return
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if err := p.poll(ctx); err != nil {
			p.log.Warn("polling rates", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Provider) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.pollURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	snapshot := make(map[string]decimal.Decimal, len(body.Rates))
	for code, rate := range body.Rates {
		snapshot[code] = decimal.NewFromFloat(rate)
	}
	p.snapshot.Store(&snapshot)

	if p.store != nil {
		for code, rate := range snapshot {
			if err := p.store.SetRate(ctx, code, rate); err != nil {
				p.log.Warn("persisting rate", zap.String("code", code), zap.Error(err))
				break
			}
		}
	}
	return nil
}
