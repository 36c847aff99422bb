// Package model holds the records shared between the store, the pipeline
// and the routing subsystem.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/interledger/connector-go/pkg/ilp"
)

// Relation classifies a peer for route advertisement purposes.
type Relation string

const (
	RelationParent Relation = "parent"
	RelationPeer   Relation = "peer"
	RelationChild  Relation = "child"
	RelationNone   Relation = "none"
)

// Account is one peer, sender or receiver the connector settles with.
// Mutated rarely; Generation is a fencing token bumped on every write so
// stale cached copies lose.
type Account struct {
	ID         uuid.UUID   `json:"id"`
	ILPAddress ilp.Address `json:"ilp_address"`
	AssetCode  string      `json:"asset_code"`
	AssetScale uint8       `json:"asset_scale"`

	Relation Relation `json:"relation"`

	// MaxPacketAmount caps a single Prepare from this account. Zero means
	// unlimited.
	MaxPacketAmount uint64 `json:"max_packet_amount"`

	// Rate limits; zero disables the respective bucket.
	PacketsPerSecond float64 `json:"packets_per_second"`
	AmountPerSecond  uint64  `json:"amount_per_second"`

	// RoundTripTime seeds the expiry shortener until live measurements
	// take over.
	RoundTripTime time.Duration `json:"round_trip_time"`

	// MaxBalance bounds receivable+pending_in; nil means unbounded.
	MaxBalance *uint64 `json:"max_balance,omitempty"`
	// MaxOwedToUs bounds payable+pending_out; nil means unbounded.
	MaxOwedToUs *uint64 `json:"max_owed_to_us,omitempty"`

	// Settlement configuration. SettleThreshold nil disables settlement.
	SettleThreshold     *uint64 `json:"settle_threshold,omitempty"`
	SettleTo            uint64  `json:"settle_to"`
	SettlementEngineURL string  `json:"settlement_engine_url,omitempty"`

	// Outgoing link: exactly one of the URLs is set. Tokens are stored
	// encrypted at rest and decrypted on load.
	BTPURL        string `json:"btp_url,omitempty"`
	HTTPURL       string `json:"http_url,omitempty"`
	OutgoingToken string `json:"-"`

	// Routing flags.
	SendRoutes    bool `json:"send_routes"`
	ReceiveRoutes bool `json:"receive_routes"`

	Generation uint64 `json:"generation"`
}

// Balance is the per-account four-counter tuple, in asset-scaled minor
// units.
type Balance struct {
	Payable    uint64 `json:"payable"`
	Receivable uint64 `json:"receivable"`
	PendingIn  uint64 `json:"pending_in"`
	PendingOut uint64 `json:"pending_out"`
}

// Net is the signed amount the operator owes the account.
func (b Balance) Net() int64 {
	return int64(b.Payable) - int64(b.Receivable) + int64(b.PendingOut) - int64(b.PendingIn)
}
