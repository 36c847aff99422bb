package btp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Handler processes an incoming MESSAGE or TRANSFER frame and returns the
// sub-protocols for the RESPONSE. Returning a *FrameError sends an ERROR
// frame instead; any other error is mapped to code T00.
type Handler func(ctx context.Context, frame *Frame) ([]Subprotocol, error)

// ErrClosed is returned for calls on a connection that is gone. Callers
// treat it as a temporary (T00-class) link failure.
var ErrClosed = errors.New("btp: connection closed")

const responseCacheSize = 512

// Conn multiplexes request/response exchanges over one websocket. Writes
// are serialized; reads run on a single loop started by Serve.
type Conn struct {
	ws      *websocket.Conn
	handler Handler
	log     *zap.Logger

	nextID uint32

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan *Frame
	closed  bool
	closeCh chan struct{}

	// Responses already sent, kept so a duplicate request id gets the same
	// answer instead of being processed twice.
	responses *lru.Cache
}

// NewConn wraps an established websocket. It does not authenticate: Accept
// does that before wrapping, and Client authenticates over the new Conn.
func NewConn(ws *websocket.Conn, handler Handler, log *zap.Logger) *Conn {
	cache, _ := lru.New(responseCacheSize)
	return &Conn{
		ws:        ws,
		handler:   handler,
		log:       log,
		pending:   make(map[uint32]chan *Frame),
		closeCh:   make(chan struct{}),
		responses: cache,
	}
}

// Call sends a MESSAGE frame and waits for the matching RESPONSE or ERROR.
func (c *Conn) Call(ctx context.Context, protocols []Subprotocol) ([]Subprotocol, error) {
	id := atomic.AddUint32(&c.nextID, 1)
	ch := make(chan *Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := &Frame{Type: TypeMessage, RequestID: id, Protocols: protocols}
	if err := c.write(frame); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Type == TypeError {
			return nil, reply.Err
		}
		return reply.Protocols, nil
	case <-c.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve runs the read loop until a websocket read fails; ctx is passed to
// the request handler and does not stop the loop. It always returns a
// non-nil error describing why the connection ended.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.Close()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := ParseFrame(raw)
		if err != nil {
			c.log.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case TypeResponse, TypeError:
			c.dispatchReply(frame)
		case TypeMessage, TypeTransfer:
			go c.handleRequest(ctx, frame)
		}
	}
}

func (c *Conn) dispatchReply(frame *Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.RequestID]
	if ok {
		delete(c.pending, frame.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response for unknown request id",
			zap.Uint32("request_id", frame.RequestID))
		return
	}
	ch <- frame
}

func (c *Conn) handleRequest(ctx context.Context, frame *Frame) {
	if cached, ok := c.responses.Get(frame.RequestID); ok {
		if err := c.write(cached.(*Frame)); err != nil {
			c.log.Warn("resending cached response", zap.Error(err))
		}
		return
	}

	var reply *Frame
	protocols, err := c.handler(ctx, frame)
	if err != nil {
		ferr := &FrameError{Code: "T00", Message: err.Error()}
		var known *FrameError
		if errors.As(err, &known) {
			ferr = known
		}
		reply = &Frame{Type: TypeError, RequestID: frame.RequestID, Err: ferr}
	} else {
		reply = &Frame{Type: TypeResponse, RequestID: frame.RequestID, Protocols: protocols}
	}

	c.responses.Add(frame.RequestID, reply)
	if err := c.write(reply); err != nil {
		c.log.Warn("writing response", zap.Error(err))
	}
}

func (c *Conn) write(frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame.Marshal()); err != nil {
		return err
	}
	return nil
}

// Close tears down the websocket and fails every pending call.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()
	return c.ws.Close()
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
