// Package handlers exposes the connector's HTTP surface: ILP-over-HTTP,
// the BTP websocket endpoint, SPSP receiver discovery, status and the
// inbound settlement-engine API.
package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/links"
	"github.com/interledger/connector-go/internal/middleware"
	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/node"
	"github.com/interledger/connector-go/pkg/btp"
	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/spsp"
)

const octetStream = "application/octet-stream"

const maxPrepareSize = 1 << 20

// Handlers binds the HTTP routes to a node.
type Handlers struct {
	node     *node.Node
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New builds the handler set.
func New(n *node.Node, log *zap.Logger) *Handlers {
	return &Handlers{
		node: n,
		log:  log.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Register attaches the public routes: packet ingress, BTP, SPSP, status,
// metrics.
func (h *Handlers) Register(r *gin.Engine, busyRate float64) {
	accounts := h.node.Store().Accounts()
	r.POST("/ilp", middleware.Busy(busyRate), middleware.AccountAuth(accounts), h.PostILP)
	r.GET("/ilp/btp", h.BTPUpgrade)
	r.GET("/.well-known/pay", h.SPSP)
	r.GET("/status", h.Status)
	r.GET("/metrics", gin.WrapH(h.node.Metrics().Handler()))
}

// RegisterSettlement attaches the engine-facing routes, served on the
// settlement port.
func (h *Handlers) RegisterSettlement(r *gin.Engine) {
	r.POST("/accounts/:id/settlements", h.ReceiveSettlement)
	r.POST("/accounts/:id/messages", h.RelayEngineMessage)
}

// PostILP handles one ILP-over-HTTP exchange: Prepare in, Fulfill or
// Reject out. ILP-level failure is still HTTP 200; non-2xx means the link
// itself misbehaved.
func (h *Handlers) PostILP(c *gin.Context) {
	v, ok := middleware.Account(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	from := v.(*model.Account)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPrepareSize))
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}
	prepare, err := ilp.ParsePrepare(body)
	if err != nil {
		c.String(http.StatusBadRequest, "body is not an ILP prepare")
		return
	}

	reply := h.node.HandleIncoming(c.Request.Context(), from, prepare)
	c.Data(http.StatusOK, octetStream, ilp.MarshalReply(reply))
}

// BTPUpgrade turns the request into a BTP websocket session. The first
// frame authenticates; afterwards the socket serves both directions until
// it drops.
func (h *Handlers) BTPUpgrade(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	accounts := h.node.Store().Accounts()
	authenticate := func(ctx context.Context, token, username string) (string, error) {
		acct, err := accounts.GetByToken(ctx, token)
		if err != nil {
			return "", err
		}
		return acct.ID.String(), nil
	}

	// The handler needs the account, which only exists after the
	// handshake; bind it through a pointer filled in below.
	var from *model.Account
	handler := func(ctx context.Context, frame *btp.Frame) ([]btp.Subprotocol, error) {
		proto := frame.Protocol(btp.ProtocolILP)
		if proto == nil {
			return nil, &btp.FrameError{Code: "F00", Message: "missing ilp sub-protocol"}
		}
		prepare, err := ilp.ParsePrepare(proto.Data)
		if err != nil {
			return nil, &btp.FrameError{Code: "F01", Message: "invalid ilp packet"}
		}
		reply := h.node.HandleIncoming(ctx, from, prepare)
		return []btp.Subprotocol{{
			Name:        btp.ProtocolILP,
			ContentType: btp.ContentOctetStream,
			Data:        ilp.MarshalReply(reply),
		}}, nil
	}

	accountID, conn, err := btp.Accept(c.Request.Context(), ws, authenticate, handler, h.log)
	if err != nil {
		h.log.Debug("btp handshake failed", zap.Error(err))
		return
	}

	id, err := uuid.Parse(accountID)
	if err != nil {
		conn.Close()
		return
	}
	from, err = accounts.Get(context.Background(), id)
	if err != nil {
		h.log.Warn("btp account vanished after auth", zap.String("account", accountID))
		conn.Close()
		return
	}

	// Replies to our own outgoing packets ride this same socket.
	link := links.NewConnLink(conn)
	h.node.Registry.Register(from.ID, link)

	go func() {
		err := conn.Serve(context.Background())
		h.node.Registry.Unregister(from.ID, link)
		if err != nil {
			h.log.Debug("btp session ended",
				zap.String("account", from.ID.String()), zap.Error(err))
		}
	}()
}

// SPSP publishes fresh STREAM credentials for this node's receiver.
func (h *Handlers) SPSP(c *gin.Context) {
	destination, secret := h.node.Stream.Credentials()
	c.Header("Content-Type", spsp.ContentType)
	c.JSON(http.StatusOK, spsp.Response{
		DestinationAccount: destination,
		SharedSecret:       secret,
	})
}
