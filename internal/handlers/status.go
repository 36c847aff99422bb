package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/interledger/connector-go/internal/model"
)

var startTime = time.Now()

// accountStatus is one row of the status report.
type accountStatus struct {
	ID         string        `json:"id"`
	ILPAddress string        `json:"ilp_address"`
	AssetCode  string        `json:"asset_code"`
	AssetScale uint8         `json:"asset_scale"`
	Relation   string        `json:"relation"`
	Balance    model.Balance `json:"balance"`
	Net        int64         `json:"net"`
}

type routeStatus struct {
	Prefix  string `json:"prefix"`
	NextHop string `json:"next_hop"`
}

// Status reports uptime, identity, balances and the routing snapshot.
func (h *Handlers) Status(c *gin.Context) {
	ctx := c.Request.Context()

	accounts, err := h.node.Store().Accounts().List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account store unavailable"})
		return
	}

	accountRows := make([]accountStatus, 0, len(accounts))
	for _, acct := range accounts {
		balance, err := h.node.Store().Balances().Get(ctx, acct.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "balance store unavailable"})
			return
		}
		accountRows = append(accountRows, accountStatus{
			ID:         acct.ID.String(),
			ILPAddress: string(acct.ILPAddress),
			AssetCode:  acct.AssetCode,
			AssetScale: acct.AssetScale,
			Relation:   string(acct.Relation),
			Balance:    balance,
			Net:        balance.Net(),
		})
	}

	snapshot := h.node.Manager.Table().Current()
	routeRows := make([]routeStatus, 0)
	for _, entry := range snapshot.Entries() {
		routeRows = append(routeRows, routeStatus{
			Prefix:  entry.Prefix,
			NextHop: entry.NextHop.String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"ilp_address":         string(h.node.Address()),
		"uptime_seconds":      int64(time.Since(startTime).Seconds()),
		"current_epoch":       h.node.Manager.CurrentEpoch(),
		"routing_table_id":    h.node.Manager.TableID().String(),
		"pending_settlements": h.node.Queue.Pending(),
		"accounts":            accountRows,
		"routes":              routeRows,
		"rates":               h.node.Rates.Snapshot(),
	})
}
