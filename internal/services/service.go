// Package services implements the packet-processing pipeline: composable
// incoming and outgoing services wrapping an inner "next" service.
//
// Every service obeys the same contract: it calls its inner service at
// most once, never retries, and reports failure only as an ILP Reject.
package services

import (
	"context"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/pkg/ilp"
)

// Incoming handles a Prepare arriving from a peer.
type Incoming interface {
	HandleIncoming(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply
}

// IncomingFunc adapts a function to Incoming.
type IncomingFunc func(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply

func (f IncomingFunc) HandleIncoming(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	return f(ctx, from, prepare)
}

// Outgoing handles a Prepare on its way to a peer.
type Outgoing interface {
	HandleOutgoing(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply
}

// OutgoingFunc adapts a function to Outgoing.
type OutgoingFunc func(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply

func (f OutgoingFunc) HandleOutgoing(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
	return f(ctx, from, to, prepare)
}
