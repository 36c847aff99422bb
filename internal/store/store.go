// Package store defines the persistence surface the connector core
// consumes. Implementations must make every balance operation atomic; a
// read-modify-write race on the four-counter tuple loses money.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/interledger/connector-go/internal/model"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrExceedsLimit    = errors.New("store: balance limit exceeded")
	ErrStaleGeneration = errors.New("store: stale account generation")
)

// Accounts persists account records and the auth-token index.
type Accounts interface {
	// Upsert writes an account. The write fails with ErrStaleGeneration
	// unless acct.Generation is exactly one above the stored generation
	// (or the account is new and Generation is 0 or 1).
	Upsert(ctx context.Context, acct *model.Account, incomingToken string) error
	Get(ctx context.Context, id uuid.UUID) (*model.Account, error)
	// GetByToken resolves an incoming bearer or BTP token.
	GetByToken(ctx context.Context, token string) (*model.Account, error)
	List(ctx context.Context) ([]*model.Account, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Balances applies the Prepare/Fulfill/Reject counter updates. All methods
// are single atomic round trips.
type Balances interface {
	// PrepareIncoming reserves pending_in, enforcing
	// receivable+pending_in+amount <= maxBalance (nil = unbounded).
	PrepareIncoming(ctx context.Context, id uuid.UUID, amount uint64, maxBalance *uint64) error
	// FulfillIncoming moves the reservation into receivable.
	FulfillIncoming(ctx context.Context, id uuid.UUID, amount uint64) error
	// RejectIncoming releases the reservation.
	RejectIncoming(ctx context.Context, id uuid.UUID, amount uint64) error

	// PrepareOutgoing reserves pending_out, enforcing
	// payable+pending_out+amount <= maxOwed (nil = unbounded).
	PrepareOutgoing(ctx context.Context, id uuid.UUID, amount uint64, maxOwed *uint64) error
	// FulfillOutgoing moves the reservation into payable and returns the
	// new payable for settlement-threshold checks.
	FulfillOutgoing(ctx context.Context, id uuid.UUID, amount uint64) (payable uint64, err error)
	// RejectOutgoing releases the reservation.
	RejectOutgoing(ctx context.Context, id uuid.UUID, amount uint64) error

	// PrepareSettlement atomically checks payable >= threshold and, if so,
	// decrements payable to settleTo and returns the amount to settle.
	// Returns 0 when below threshold.
	PrepareSettlement(ctx context.Context, id uuid.UUID, threshold, settleTo uint64) (uint64, error)
	// RefundSettlement re-credits payable after a settlement the engine
	// permanently refused.
	RefundSettlement(ctx context.Context, id uuid.UUID, amount uint64) error
	// ReceiveSettlement reduces receivable for value the peer settled to
	// us, flooring at zero.
	ReceiveSettlement(ctx context.Context, id uuid.UUID, amount uint64) error

	Get(ctx context.Context, id uuid.UUID) (model.Balance, error)
}

// Routes persists the routing table across restarts.
type Routes interface {
	// SaveCurrent replaces the persisted dynamic table.
	SaveCurrent(ctx context.Context, routes map[string]uuid.UUID) error
	LoadCurrent(ctx context.Context) (map[string]uuid.UUID, error)
	SetStatic(ctx context.Context, prefix string, id uuid.UUID) error
	LoadStatic(ctx context.Context) (map[string]uuid.UUID, error)
}

// Rates persists exchange rates keyed by asset code, as value per base
// unit.
type Rates interface {
	SetRate(ctx context.Context, code string, rate decimal.Decimal) error
	GetRates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Store aggregates the persistence surfaces.
type Store interface {
	Accounts() Accounts
	Balances() Balances
	Routes() Routes
	Rates() Rates
}
