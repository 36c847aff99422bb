package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store"
	"github.com/interledger/connector-go/pkg/ilp"
)

// SettlementTrigger is notified when an account's payable may have crossed
// its settle threshold. Implementations run asynchronously; the forwarding
// path never waits on a settlement engine.
type SettlementTrigger interface {
	MaybeSettle(account *model.Account)
}

// IncomingBalance reserves pending_in before the packet proceeds and
// commits or releases the reservation when the reply comes back:
// reserve, forward, commit-or-refund.
type IncomingBalance struct {
	next     Incoming
	balances store.Balances
	address  ilp.Address
	log      *zap.Logger
}

// NewIncomingBalance wraps next with the incoming-side balance update.
func NewIncomingBalance(next Incoming, balances store.Balances, address ilp.Address, log *zap.Logger) *IncomingBalance {
	return &IncomingBalance{next: next, balances: balances, address: address, log: log.Named("balance-in")}
}

func (s *IncomingBalance) HandleIncoming(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	if prepare.Amount == 0 {
		return s.next.HandleIncoming(ctx, from, prepare)
	}

	err := s.balances.PrepareIncoming(ctx, from.ID, prepare.Amount, from.MaxBalance)
	if err == store.ErrExceedsLimit {
		return ilp.NewReject(ilp.CodeT04InsufficientLiquidity, "exceeded maximum balance", s.address)
	}
	if err != nil {
		s.log.Error("reserving incoming balance", zap.String("account", from.ID.String()), zap.Error(err))
		return ilp.NewReject(ilp.CodeT00InternalError, "balance store unavailable", s.address)
	}

	reply := s.next.HandleIncoming(ctx, from, prepare)

	switch reply.(type) {
	case *ilp.Fulfill:
		// The Fulfill is already owed upstream; a store failure here must
		// not block returning it. Log and reconcile later.
		if err := s.balances.FulfillIncoming(ctx, from.ID, prepare.Amount); err != nil {
			s.log.Error("committing incoming balance, marking dirty",
				zap.String("account", from.ID.String()),
				zap.Uint64("amount", prepare.Amount),
				zap.Error(err))
		}
	case *ilp.Reject:
		if err := s.balances.RejectIncoming(ctx, from.ID, prepare.Amount); err != nil {
			s.log.Error("releasing incoming reservation",
				zap.String("account", from.ID.String()),
				zap.Error(err))
		}
	}
	return reply
}

// OutgoingBalance reserves pending_out before forwarding and, on Fulfill,
// moves the reservation into payable and pokes the settlement trigger.
type OutgoingBalance struct {
	next       Outgoing
	balances   store.Balances
	settlement SettlementTrigger
	address    ilp.Address
	log        *zap.Logger
}

// NewOutgoingBalance wraps next with the outgoing-side balance update.
// settlement may be nil when no engine is configured anywhere.
func NewOutgoingBalance(next Outgoing, balances store.Balances, settlement SettlementTrigger, address ilp.Address, log *zap.Logger) *OutgoingBalance {
	return &OutgoingBalance{
		next:       next,
		balances:   balances,
		settlement: settlement,
		address:    address,
		log:        log.Named("balance-out"),
	}
}

func (s *OutgoingBalance) HandleOutgoing(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
	if prepare.Amount == 0 {
		return s.next.HandleOutgoing(ctx, from, to, prepare)
	}

	err := s.balances.PrepareOutgoing(ctx, to.ID, prepare.Amount, to.MaxOwedToUs)
	if err == store.ErrExceedsLimit {
		return ilp.NewReject(ilp.CodeT04InsufficientLiquidity, "peer credit limit exhausted", s.address)
	}
	if err != nil {
		s.log.Error("reserving outgoing balance", zap.String("account", to.ID.String()), zap.Error(err))
		return ilp.NewReject(ilp.CodeT00InternalError, "balance store unavailable", s.address)
	}

	reply := s.next.HandleOutgoing(ctx, from, to, prepare)

	switch reply.(type) {
	case *ilp.Fulfill:
		if _, err := s.balances.FulfillOutgoing(ctx, to.ID, prepare.Amount); err != nil {
			s.log.Error("committing outgoing balance, marking dirty",
				zap.String("account", to.ID.String()),
				zap.Uint64("amount", prepare.Amount),
				zap.Error(err))
		} else if s.settlement != nil && to.SettleThreshold != nil {
			s.settlement.MaybeSettle(to)
		}
	case *ilp.Reject:
		if err := s.balances.RejectOutgoing(ctx, to.ID, prepare.Amount); err != nil {
			s.log.Error("releasing outgoing reservation",
				zap.String("account", to.ID.String()),
				zap.Error(err))
		}
	}
	return reply
}
