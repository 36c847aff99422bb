package services

import (
	"context"
	"time"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/rtt"
	"github.com/interledger/connector-go/pkg/ilp"
)

const (
	// minSlack is the floor for the per-hop reduction, so a peer with an
	// optimistic RTT estimate still leaves us room to relay the reply.
	minSlack = time.Second
	// forwardLatencyBudget covers our own processing ahead of the wire.
	forwardLatencyBudget = 500 * time.Millisecond
)

// ExpiryShortener reduces the outgoing expiry by the peer's round trip so
// the reply can reach our own caller before the incoming Prepare lapses.
// Expiries only ever shrink hop by hop.
type ExpiryShortener struct {
	next      Outgoing
	estimator *rtt.Estimator
	address   ilp.Address
}

// NewExpiryShortener wraps next with expiry shortening. estimator feeds
// live measurements and falls back to the account's configured RTT.
func NewExpiryShortener(next Outgoing, estimator *rtt.Estimator, address ilp.Address) *ExpiryShortener {
	return &ExpiryShortener{next: next, estimator: estimator, address: address}
}

func (s *ExpiryShortener) HandleOutgoing(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
	roundTrip := s.estimator.Estimate(to.ID.String(), to.RoundTripTime)
	if roundTrip < minSlack {
		roundTrip = minSlack
	}

	newExpiry := prepare.ExpiresAt.Add(-roundTrip).Add(-forwardLatencyBudget)
	if !newExpiry.After(time.Now()) {
		return ilp.NewReject(ilp.CodeR00TransferTimedOut, "insufficient time to forward", s.address)
	}

	shortened := *prepare
	shortened.ExpiresAt = newExpiry

	start := time.Now()
	reply := s.next.HandleOutgoing(ctx, from, to, &shortened)
	s.estimator.Record(to.ID.String(), time.Since(start))
	return reply
}
