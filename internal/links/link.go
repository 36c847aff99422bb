// Package links owns the data-link connections to peers: ILP-over-HTTP
// clients and BTP websockets, plus the outgoing pipeline terminal that
// sends packets over them.
package links

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/services"
	"github.com/interledger/connector-go/pkg/btp"
	"github.com/interledger/connector-go/pkg/ilp"
)

// Link delivers a Prepare to one peer and returns its reply. Errors are
// link-level failures; ILP-level refusals come back as *ilp.Reject.
type Link interface {
	SendPrepare(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error)
	Close() error
}

var ErrNoLink = errors.New("links: account has no usable link")

// Registry tracks the live link per account. Incoming BTP connections
// register themselves so replies ride the same socket; outgoing links are
// dialed lazily from the account record.
type Registry struct {
	log *zap.Logger

	mu    sync.Mutex
	links map[uuid.UUID]Link
}

// NewRegistry builds an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:   log.Named("links"),
		links: make(map[uuid.UUID]Link),
	}
}

// Register installs (or replaces) the link for an account.
func (r *Registry) Register(account uuid.UUID, link Link) {
	r.mu.Lock()
	old := r.links[account]
	r.links[account] = link
	r.mu.Unlock()
	if old != nil && old != link {
		old.Close()
	}
}

// Unregister removes the link if it is still the registered one.
func (r *Registry) Unregister(account uuid.UUID, link Link) {
	r.mu.Lock()
	if r.links[account] == link {
		delete(r.links, account)
	}
	r.mu.Unlock()
}

// ForAccount returns the account's link, dialing one from its descriptor
// when none is registered yet.
func (r *Registry) ForAccount(ctx context.Context, acct *model.Account) (Link, error) {
	r.mu.Lock()
	if link, ok := r.links[acct.ID]; ok {
		r.mu.Unlock()
		return link, nil
	}
	r.mu.Unlock()

	link, err := r.dial(ctx, acct)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another packet may have raced us here; keep the winner.
	if existing, ok := r.links[acct.ID]; ok {
		r.mu.Unlock()
		link.Close()
		return existing, nil
	}
	r.links[acct.ID] = link
	r.mu.Unlock()
	return link, nil
}

func (r *Registry) dial(ctx context.Context, acct *model.Account) (Link, error) {
	switch {
	case acct.HTTPURL != "":
		return NewHTTPLink(acct.HTTPURL, acct.OutgoingToken), nil
	case acct.BTPURL != "":
		client, err := btp.DialClient(ctx, btp.ClientConfig{
			URL:   acct.BTPURL,
			Token: acct.OutgoingToken,
			Handler: func(ctx context.Context, frame *btp.Frame) ([]btp.Subprotocol, error) {
				return nil, &btp.FrameError{Code: "F00", Message: "unsolicited request"}
			},
		}, r.log)
		if err != nil {
			return nil, err
		}
		return &BTPLink{caller: client, closer: client.Close}, nil
	}
	return nil, ErrNoLink
}

// Close tears down every link.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, link := range r.links {
		link.Close()
		delete(r.links, id)
	}
}

// Outgoing is the terminal outgoing service: it puts the packet on the
// destination account's wire.
type Outgoing struct {
	registry *Registry
	address  ilp.Address
	log      *zap.Logger
}

// NewOutgoing builds the pipeline terminal.
func NewOutgoing(registry *Registry, address ilp.Address, log *zap.Logger) *Outgoing {
	return &Outgoing{registry: registry, address: address, log: log.Named("outgoing-link")}
}

func (o *Outgoing) HandleOutgoing(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
	link, err := o.registry.ForAccount(ctx, to)
	if err != nil {
		o.log.Warn("no link to account",
			zap.String("account", to.ID.String()), zap.Error(err))
		return ilp.NewReject(ilp.CodeT01PeerUnreachable, "peer link unavailable", o.address)
	}

	reply, err := link.SendPrepare(ctx, prepare)
	if err != nil {
		if ctx.Err() != nil {
			return ilp.NewReject(ilp.CodeR00TransferTimedOut, "forward timed out", o.address)
		}
		o.log.Warn("link send failed",
			zap.String("account", to.ID.String()), zap.Error(err))
		return ilp.NewReject(ilp.CodeT01PeerUnreachable, "peer link failed", o.address)
	}
	return reply
}

var _ services.Outgoing = (*Outgoing)(nil)
