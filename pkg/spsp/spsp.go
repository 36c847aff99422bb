// Package spsp implements the Simple Payment Setup Protocol: receiver
// discovery over HTTPS that yields a STREAM destination account and shared
// secret.
package spsp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/interledger/connector-go/pkg/ilp"
)

const (
	// Accept header value defined by SPSPv4.
	ContentType = "application/spsp4+json"

	wellKnownPath = "/.well-known/pay"
)

var ErrBadPointer = errors.New("spsp: bad payment pointer")

// Response is the receiver's published STREAM entry point.
type Response struct {
	DestinationAccount ilp.Address `json:"destination_account"`
	SharedSecret       []byte      `json:"shared_secret"`
}

type wireResponse struct {
	DestinationAccount string `json:"destination_account"`
	SharedSecret       string `json:"shared_secret"`
}

// MarshalJSON encodes the shared secret base64, per the protocol.
func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireResponse{
		DestinationAccount: string(r.DestinationAccount),
		SharedSecret:       base64.StdEncoding.EncodeToString(r.SharedSecret),
	})
}

// UnmarshalJSON decodes the base64 shared secret.
func (r *Response) UnmarshalJSON(b []byte) error {
	var w wireResponse
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	secret, err := base64.StdEncoding.DecodeString(w.SharedSecret)
	if err != nil {
		return fmt.Errorf("spsp: shared secret: %w", err)
	}
	r.DestinationAccount = ilp.Address(w.DestinationAccount)
	r.SharedSecret = secret
	return nil
}

// EndpointURL resolves a payment pointer ($host or $host/path) or a plain
// https URL to the query endpoint.
func EndpointURL(pointer string) (string, error) {
	// Plain URLs pass through; http is tolerated for local development.
	if strings.HasPrefix(pointer, "https://") || strings.HasPrefix(pointer, "http://") {
		return pointer, nil
	}
	if !strings.HasPrefix(pointer, "$") {
		return "", ErrBadPointer
	}
	rest := pointer[1:]
	if rest == "" || strings.HasPrefix(rest, "/") {
		return "", ErrBadPointer
	}
	if !strings.Contains(rest, "/") {
		return "https://" + rest + wellKnownPath, nil
	}
	return "https://" + rest, nil
}

// Client queries payment pointers.
type Client struct {
	HTTP *http.Client
}

// Query fetches the receiver's destination account and shared secret.
func (c *Client) Query(ctx context.Context, pointer string) (*Response, error) {
	endpoint, err := EndpointURL(pointer)
	if err != nil {
		return nil, err
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", ContentType)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spsp: query %s: status %d", endpoint, resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("spsp: decode response: %w", err)
	}
	if err := out.DestinationAccount.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}
