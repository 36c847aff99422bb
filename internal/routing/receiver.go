package routing

import (
	"crypto/hmac"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/pkg/ccp"
	"github.com/interledger/connector-go/pkg/ilp"
)

// Receiver applies incoming CCP route updates, tracking per-peer epoch
// state and answering with the ack the broadcaster on the far side expects.
type Receiver struct {
	manager    *Manager
	ownAddress ilp.Address
	log        *zap.Logger

	mu    sync.Mutex
	peers map[uuid.UUID]*peerRouteState
	// verifyKeys holds published routing keys for peers that require
	// advertisement auth; absent peers are not verified.
	verifyKeys map[uuid.UUID][]byte
}

type peerRouteState struct {
	tableID uuid.UUID
	epoch   uint32
}

// NewReceiver builds the incoming half of CCP.
func NewReceiver(manager *Manager, ownAddress ilp.Address, log *zap.Logger) *Receiver {
	return &Receiver{
		manager:    manager,
		ownAddress: ownAddress,
		log:        log.Named("ccp-receiver"),
		peers:      make(map[uuid.UUID]*peerRouteState),
		verifyKeys: make(map[uuid.UUID][]byte),
	}
}

// SetVerifyKey requires advertisement HMACs from the given peer.
func (r *Receiver) SetVerifyKey(peer uuid.UUID, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyKeys[peer] = key
}

// HandleUpdate processes one RouteUpdateRequest. On success it returns the
// Sync control request to send back; on an epoch gap it returns a Reject
// the peer interprets as "resend lower".
func (r *Receiver) HandleUpdate(peer *model.Account, req *ccp.RouteUpdateRequest) (*ccp.RouteControlRequest, *ilp.Reject) {
	r.mu.Lock()
	state, ok := r.peers[peer.ID]
	if !ok || state.tableID != req.RoutingTableID {
		// New peer or the peer reset its table: everything we learned from
		// it is stale.
		state = &peerRouteState{tableID: req.RoutingTableID}
		r.peers[peer.ID] = state
		r.mu.Unlock()
		r.manager.DropPeerRoutes(peer.ID)
		r.mu.Lock()
	}
	stored := state.epoch
	r.mu.Unlock()

	if req.FromEpoch > stored+1 {
		r.log.Debug("epoch gap, requesting resend",
			zap.Uint32("stored", stored),
			zap.Uint32("from", req.FromEpoch))
		return nil, ilp.NewReject(ilp.CodeF00BadRequest, "epoch gap, resend from a lower epoch", r.ownAddress)
	}
	if req.ToEpoch <= stored {
		// Already applied; ack idempotently.
		return ack(req.RoutingTableID, stored), nil
	}

	added := req.NewRoutes
	if key, verify := r.verifyKey(peer.ID); verify {
		added = added[:0:0]
		for _, route := range req.NewRoutes {
			want := ccp.RouteAuth(key, route.Prefix, route.Path)
			if !hmac.Equal(want[:], route.Auth[:]) {
				r.log.Warn("dropping route with bad auth",
					zap.String("prefix", route.Prefix),
					zap.String("peer", peer.ID.String()))
				continue
			}
			added = append(added, route)
		}
	}

	// The sender becomes the first hop of every accepted path.
	withSpeaker := make([]ccp.Route, 0, len(added))
	for _, route := range added {
		route.Path = append([]ilp.Address{req.Speaker}, route.Path...)
		withSpeaker = append(withSpeaker, route)
	}

	r.manager.ApplyPeerUpdate(peer, withSpeaker, req.WithdrawnRoutes)

	r.mu.Lock()
	state.epoch = req.ToEpoch
	r.mu.Unlock()

	return ack(req.RoutingTableID, req.ToEpoch), nil
}

// ack acknowledges the peer's table at the given epoch and asks it to keep
// syncing.
func ack(tableID uuid.UUID, epoch uint32) *ccp.RouteControlRequest {
	return &ccp.RouteControlRequest{
		Mode:           ccp.ModeSync,
		RoutingTableID: tableID,
		LastKnownEpoch: epoch,
		Features:       []string{},
	}
}

func (r *Receiver) verifyKey(peer uuid.UUID) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.verifyKeys[peer]
	return key, ok
}
