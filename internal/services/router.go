package services

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store"
	"github.com/interledger/connector-go/pkg/ilp"
)

// RouteTable resolves a destination to a next-hop account id. Lookups run
// against an immutable snapshot, so the router never blocks on updates.
type RouteTable interface {
	Lookup(destination ilp.Address) (uuid.UUID, bool)
}

// LocalHandler terminates packets addressed to the node itself: ILDCP, CCP,
// the STREAM receiver, echo.
type LocalHandler func(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply

// Router is the terminal incoming service: it resolves the next hop and
// dispatches into the outgoing pipeline, or hands link-local destinations
// to a registered local handler.
type Router struct {
	address  ilp.Address
	table    RouteTable
	accounts store.Accounts
	outgoing Outgoing
	log      *zap.Logger

	locals []localRoute
}

type localRoute struct {
	prefix  ilp.Address
	handler LocalHandler
}

// NewRouter builds a router dispatching to the given outgoing pipeline.
func NewRouter(address ilp.Address, table RouteTable, accounts store.Accounts, outgoing Outgoing, log *zap.Logger) *Router {
	return &Router{
		address:  address,
		table:    table,
		accounts: accounts,
		outgoing: outgoing,
		log:      log.Named("router"),
	}
}

// Local registers a handler for destinations at or under prefix. Longer
// prefixes win.
func (r *Router) Local(prefix ilp.Address, handler LocalHandler) {
	r.locals = append(r.locals, localRoute{prefix: prefix, handler: handler})
	sort.Slice(r.locals, func(i, j int) bool {
		return len(r.locals[i].prefix) > len(r.locals[j].prefix)
	})
}

func (r *Router) HandleIncoming(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	for _, local := range r.locals {
		if prepare.Destination.HasPrefix(string(local.prefix)) {
			return local.handler(ctx, from, prepare)
		}
	}

	nextHop, ok := r.table.Lookup(prepare.Destination)
	if !ok {
		return ilp.NewReject(ilp.CodeF02Unreachable, "no route to destination", r.address)
	}

	to, err := r.accounts.Get(ctx, nextHop)
	if err == store.ErrNotFound {
		// The table references an account that has since been deleted.
		r.log.Warn("route points to missing account",
			zap.String("destination", string(prepare.Destination)),
			zap.String("account", nextHop.String()))
		return ilp.NewReject(ilp.CodeF02Unreachable, "no route to destination", r.address)
	}
	if err != nil {
		return ilp.NewReject(ilp.CodeT00InternalError, "account store unavailable", r.address)
	}

	return r.outgoing.HandleOutgoing(ctx, from, to, prepare)
}
