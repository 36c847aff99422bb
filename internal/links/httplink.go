package links

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/interledger/connector-go/pkg/ilp"
)

const maxReplySize = 1 << 20

// HTTPLink speaks ILP-over-HTTP: one POST per packet, bearer-token
// authenticated, octet-stream bodies.
type HTTPLink struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPLink builds a link for a peer's /ilp endpoint.
func NewHTTPLink(url, token string) *HTTPLink {
	return &HTTPLink{
		url:   url,
		token: token,
		client: &http.Client{
			// Individual sends are bounded by the Prepare's expiry via ctx;
			// this is only a backstop.
			Timeout: 60 * time.Second,
		},
	}
}

func (l *HTTPLink) SendPrepare(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(prepare.Marshal()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, err
	}
	// ILP-level rejects arrive as 200s with a Reject body; HTTP errors mean
	// the link itself is broken.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("links: peer returned status %d", resp.StatusCode)
	}
	return ilp.ParseReply(body)
}

func (l *HTTPLink) Close() error {
	l.client.CloseIdleConnections()
	return nil
}
