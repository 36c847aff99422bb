// Package settlement talks to external settlement engines and schedules
// the transfers that bring per-account payables back under their
// thresholds.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// EngineClient calls a settlement engine's HTTP API.
type EngineClient struct {
	HTTP *http.Client
}

func (c *EngineClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// settlementRequest is the engine's settlement body.
type settlementRequest struct {
	Amount         uint64 `json:"amount"`
	Scale          uint8  `json:"scale"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SendSettlement asks the engine to move value on the underlying ledger.
// The idempotency key makes retries safe.
func (c *EngineClient) SendSettlement(ctx context.Context, engineURL string, account uuid.UUID, amount uint64, scale uint8, idempotencyKey string) error {
	body, err := json.Marshal(settlementRequest{
		Amount:         amount,
		Scale:          scale,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/accounts/%s/settlements", engineURL, account)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("settlement: engine returned status %d", resp.StatusCode)
	}
	return nil
}

// SendMessage relays an opaque engine-to-engine message and returns the
// response payload.
func (c *EngineClient) SendMessage(ctx context.Context, engineURL string, account uuid.UUID, message []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/accounts/%s/messages", engineURL, account)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(message))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("settlement: engine returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
