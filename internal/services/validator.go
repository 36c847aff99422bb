package services

import (
	"context"
	"time"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/pkg/ilp"
)

// IncomingValidator rejects expired Prepares before any work happens and
// refuses to pass an invalid Fulfill back to the caller.
type IncomingValidator struct {
	next    Incoming
	address ilp.Address
}

// NewIncomingValidator wraps next with expiry and condition validation.
func NewIncomingValidator(next Incoming, address ilp.Address) *IncomingValidator {
	return &IncomingValidator{next: next, address: address}
}

func (s *IncomingValidator) HandleIncoming(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	if !time.Now().Before(prepare.ExpiresAt) {
		return ilp.NewReject(ilp.CodeR00TransferTimedOut, "packet expired", s.address)
	}
	return checkFulfillment(s.next.HandleIncoming(ctx, from, prepare), prepare, s.address)
}

// OutgoingValidator bounds the forward by the Prepare's remaining lifetime
// and validates the returned fulfillment.
type OutgoingValidator struct {
	next    Outgoing
	address ilp.Address
}

// NewOutgoingValidator wraps next with the per-forward timeout and
// condition validation.
func NewOutgoingValidator(next Outgoing, address ilp.Address) *OutgoingValidator {
	return &OutgoingValidator{next: next, address: address}
}

func (s *OutgoingValidator) HandleOutgoing(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
	remaining := time.Until(prepare.ExpiresAt)
	if remaining <= 0 {
		return ilp.NewReject(ilp.CodeR00TransferTimedOut, "packet expired", s.address)
	}

	forwardCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	done := make(chan ilp.Reply, 1)
	go func() {
		done <- s.next.HandleOutgoing(forwardCtx, from, to, prepare)
	}()

	select {
	case reply := <-done:
		return checkFulfillment(reply, prepare, s.address)
	case <-forwardCtx.Done():
		// The inner call keeps draining into the buffered channel and its
		// late reply is discarded. The balance layer outside this service
		// sees the R00 and releases the reservation; a late Fulfill is not
		// reconciled.
		return ilp.NewReject(ilp.CodeR00TransferTimedOut, "forward timed out", s.address)
	}
}

// checkFulfillment downgrades a Fulfill whose preimage does not hash to the
// Prepare's condition. An invalid fulfillment must never reach the caller.
func checkFulfillment(reply ilp.Reply, prepare *ilp.Prepare, address ilp.Address) ilp.Reply {
	if fulfill, ok := reply.(*ilp.Fulfill); ok {
		if !fulfill.Validates(prepare.ExecutionCondition) {
			return ilp.NewReject(ilp.CodeF05WrongCondition, "fulfillment does not match condition", address)
		}
	}
	return reply
}
