package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/store"
	"github.com/interledger/connector-go/pkg/ccp"
	"github.com/interledger/connector-go/pkg/ilp"
)

const engineMessageExpiry = 30 * time.Second

// inboundSettlement is the engine's callback body: value arrived for the
// account on the underlying ledger.
type inboundSettlement struct {
	Amount uint64 `json:"amount"`
	Scale  uint8  `json:"scale"`
}

// ReceiveSettlement credits an incoming settlement against the account's
// receivable.
func (h *Handlers) ReceiveSettlement(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad account id"})
		return
	}
	var body inboundSettlement
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad settlement body"})
		return
	}

	acct, err := h.node.Store().Accounts().Get(c.Request.Context(), id)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account store unavailable"})
		return
	}

	amount := rescale(body.Amount, body.Scale, acct.AssetScale)
	if err := h.node.Store().Balances().ReceiveSettlement(c.Request.Context(), id, amount); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance store unavailable"})
		return
	}

	h.log.Info("incoming settlement credited",
		zap.String("account", id.String()),
		zap.Uint64("amount", amount))
	c.JSON(http.StatusCreated, gin.H{"amount": amount})
}

// RelayEngineMessage forwards a message from our settlement engine to the
// peer's engine over the ILP link.
func (h *Handlers) RelayEngineMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad account id"})
		return
	}
	message, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPrepareSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	acct, err := h.node.Store().Accounts().Get(c.Request.Context(), id)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account store unavailable"})
		return
	}

	link, err := h.node.Registry.ForAccount(c.Request.Context(), acct)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "peer link unavailable"})
		return
	}

	prepare := ccp.NewPrepare("peer.settle", message, engineMessageExpiry)
	reply, err := link.SendPrepare(c.Request.Context(), prepare)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "peer link failed"})
		return
	}

	switch v := reply.(type) {
	case *ilp.Fulfill:
		c.Data(http.StatusOK, octetStream, v.Data)
	case *ilp.Reject:
		c.JSON(http.StatusBadGateway, gin.H{"error": "peer rejected message", "code": v.Code})
	}
}

// rescale converts an amount between asset scales, flooring on downscale.
func rescale(amount uint64, from, to uint8) uint64 {
	for from < to {
		amount *= 10
		from++
	}
	for from > to {
		amount /= 10
		from--
	}
	return amount
}
