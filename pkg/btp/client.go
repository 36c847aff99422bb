package btp

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxReconnectInterval = 30 * time.Second

// ClientConfig describes one outgoing BTP peer connection.
type ClientConfig struct {
	// URL is the peer's websocket endpoint, e.g. wss://peer.example/ilp/btp.
	URL string
	// Token authenticates us to the peer.
	Token string
	// Username is optional; some peers key accounts by name rather than
	// token alone.
	Username string
	// Handler serves requests the peer initiates over the same socket.
	Handler Handler
}

// Client maintains one authenticated BTP connection, redialing with
// exponential backoff when it drops. The account identity (URL, token) is
// fixed for the client's lifetime.
type Client struct {
	cfg ClientConfig
	log *zap.Logger

	connCh chan *Conn // holds the live connection, empty while dialing
	cancel context.CancelFunc
	done   chan struct{}
}

// DialClient connects, authenticates, and starts the redial loop.
func DialClient(ctx context.Context, cfg ClientConfig, log *zap.Logger) (*Client, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		log:    log.Named("btp-client"),
		connCh: make(chan *Conn, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	conn, err := c.dialOnce(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.connCh <- conn

	go c.run(runCtx, conn)
	return c, nil
}

// Call sends a request over the current connection, waiting through a
// reconnect if necessary. The caller bounds the wait with ctx, normally the
// Prepare's expiry.
func (c *Client) Call(ctx context.Context, protocols []Subprotocol) ([]Subprotocol, error) {
	for {
		var conn *Conn
		select {
		case conn = <-c.connCh:
			c.connCh <- conn
		case <-c.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		reply, err := conn.Call(ctx, protocols)
		if err == ErrClosed {
			continue // redial in progress, retry on the next connection
		}
		return reply, err
	}
}

// Close stops the redial loop and tears down the connection.
func (c *Client) Close() error {
	c.cancel()
	select {
	case conn := <-c.connCh:
		conn.Close()
	default:
	}
	return nil
}

func (c *Client) run(ctx context.Context, conn *Conn) {
	defer close(c.done)
	for {
		select {
		case <-conn.closeCh:
		case <-ctx.Done():
			conn.Close()
			return
		}

		// Drop the dead connection so callers block instead of using it.
		select {
		case <-c.connCh:
		default:
		}
		c.log.Warn("connection lost, redialing", zap.String("url", c.cfg.URL))

		bo := backoff.NewExponentialBackOff()
		bo.MaxInterval = maxReconnectInterval
		bo.MaxElapsedTime = 0
		err := backoff.Retry(func() error {
			next, err := c.dialOnce(ctx)
			if err != nil {
				c.log.Debug("redial failed", zap.Error(err))
				return err
			}
			conn = next
			return nil
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			return
		}
		c.log.Info("reconnected", zap.String("url", c.cfg.URL))
		c.connCh <- conn
	}
}

// dialOnce establishes and authenticates a single connection. The read loop
// runs for the life of the websocket; closing the Conn ends it.
func (c *Client) dialOnce(ctx context.Context) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("btp: dial %s: %w", c.cfg.URL, err)
	}

	conn := NewConn(ws, c.cfg.Handler, c.log)
	go func() {
		if err := conn.Serve(context.Background()); err != nil && !conn.Closed() {
			c.log.Debug("read loop ended", zap.Error(err))
		}
	}()

	if err := c.authenticate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// authenticate performs the client side of the BTP handshake: a MESSAGE
// carrying auth, auth_token and optionally auth_username, answered by an
// empty RESPONSE on success.
func (c *Client) authenticate(ctx context.Context, conn *Conn) error {
	protocols := []Subprotocol{
		{Name: ProtocolAuth, ContentType: ContentOctetStream},
		{Name: ProtocolAuthToken, ContentType: ContentTextPlain, Data: []byte(c.cfg.Token)},
	}
	if c.cfg.Username != "" {
		protocols = append(protocols, Subprotocol{
			Name: ProtocolAuthUsername, ContentType: ContentTextPlain, Data: []byte(c.cfg.Username),
		})
	}
	if _, err := conn.Call(ctx, protocols); err != nil {
		return fmt.Errorf("btp: auth: %w", err)
	}
	return nil
}
