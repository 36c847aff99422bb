package routing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store"
	"github.com/interledger/connector-go/pkg/ccp"
	"github.com/interledger/connector-go/pkg/ilp"
)

const (
	// DefaultBroadcastInterval paces periodic updates to peers.
	DefaultBroadcastInterval = 30 * time.Second
	// DefaultMaxEpochsPerRequest bounds one update window; peers further
	// behind trigger a full resync.
	DefaultMaxEpochsPerRequest = 50

	updateExpiry = 30 * time.Second
	holdDownMs   = 45000
)

// SendFunc delivers a locally originated Prepare to one account and
// returns the reply.
type SendFunc func(ctx context.Context, to *model.Account, prepare *ilp.Prepare) (ilp.Reply, error)

// Broadcaster pushes route updates to every peer that asked for them,
// incrementally by epoch window, falling back to a table reset when a peer
// is too far behind.
type Broadcaster struct {
	manager  *Manager
	accounts store.Accounts
	send     SendFunc
	log      *zap.Logger

	interval  time.Duration
	maxEpochs uint32

	mu    sync.Mutex
	peers map[uuid.UUID]*peerSendState

	wake chan struct{}
}

type peerSendState struct {
	mode    ccp.Mode
	lastAck uint32
	sentAt  time.Time
}

// NewBroadcaster builds the outgoing half of CCP.
func NewBroadcaster(manager *Manager, accounts store.Accounts, send SendFunc, log *zap.Logger) *Broadcaster {
	b := &Broadcaster{
		manager:   manager,
		accounts:  accounts,
		send:      send,
		log:       log.Named("ccp-broadcaster"),
		interval:  DefaultBroadcastInterval,
		maxEpochs: DefaultMaxEpochsPerRequest,
		peers:     make(map[uuid.UUID]*peerSendState),
		wake:      make(chan struct{}, 1),
	}
	manager.OnChange(b.Wake)
	return b
}

// HandleControl records a peer's Sync/Idle wish and its ack epoch.
func (b *Broadcaster) HandleControl(peer *model.Account, req *ccp.RouteControlRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.peerState(peer.ID)
	state.mode = req.Mode
	if req.RoutingTableID == b.manager.TableID() {
		state.lastAck = req.LastKnownEpoch
	} else {
		// The peer acks a table we no longer have; start over.
		state.lastAck = 0
	}
}

// Wake schedules an immediate broadcast round.
func (b *Broadcaster) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run broadcasts on every epoch append and every interval until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.wake:
		}
		b.broadcast(ctx)
	}
}

func (b *Broadcaster) broadcast(ctx context.Context) {
	accounts, err := b.accounts.List(ctx)
	if err != nil {
		b.log.Warn("listing accounts for broadcast", zap.Error(err))
		return
	}
	for _, acct := range accounts {
		if !acct.SendRoutes {
			continue
		}
		if err := b.sendUpdate(ctx, acct); err != nil {
			b.log.Debug("route update failed",
				zap.String("account", acct.ID.String()),
				zap.Error(err))
		}
	}
}

// sendUpdate pushes one window to one peer, in epoch order by
// construction: each send covers (lastAck, current].
func (b *Broadcaster) sendUpdate(ctx context.Context, peer *model.Account) error {
	b.mu.Lock()
	state := b.peerState(peer.ID)
	if state.mode == ccp.ModeIdle {
		b.mu.Unlock()
		return nil
	}
	lastAck := state.lastAck
	b.mu.Unlock()

	current := b.manager.CurrentEpoch()
	if current > lastAck+b.maxEpochs {
		// Too far behind for an incremental window: truncate the history,
		// which issues a fresh table id and a single full epoch.
		b.manager.Truncate()
		b.mu.Lock()
		for _, s := range b.peers {
			s.lastAck = 0
		}
		lastAck = 0
		current = b.manager.CurrentEpoch()
		b.mu.Unlock()
	}

	added, withdrawn := b.manager.EpochWindow(lastAck, current, peer.Relation)
	if current == lastAck && len(added) == 0 && len(withdrawn) == 0 {
		return nil
	}

	req := &ccp.RouteUpdateRequest{
		RoutingTableID:  b.manager.TableID(),
		CurrentEpoch:    current,
		FromEpoch:       lastAck + 1,
		ToEpoch:         current,
		HoldDownTime:    holdDownMs,
		Speaker:         b.manager.ownAddress,
		NewRoutes:       added,
		WithdrawnRoutes: withdrawn,
	}

	prepare := ccp.NewPrepare(ccp.UpdateDestination, req.Marshal(), updateExpiry)
	reply, err := b.send(ctx, peer, prepare)
	if err != nil {
		return err
	}

	switch reply.(type) {
	case *ilp.Fulfill:
		// The ack itself arrives as a RouteControlRequest over the
		// reverse path; the fulfill only confirms delivery. Record the
		// window optimistically so steady state needs no extra round.
		b.mu.Lock()
		state.lastAck = current
		state.sentAt = time.Now()
		b.mu.Unlock()
		return nil
	case *ilp.Reject:
		// Epoch gap on their side: drop back and resend smaller.
		b.mu.Lock()
		if state.lastAck > 0 {
			state.lastAck--
		}
		b.mu.Unlock()
		b.Wake()
		return nil
	}
	return nil
}

// peerState returns the tracking state, creating it idle-off (must hold
// b.mu). New peers default to Sync so statically configured receivers get
// updates without an explicit control request.
func (b *Broadcaster) peerState(id uuid.UUID) *peerSendState {
	state, ok := b.peers[id]
	if !ok {
		state = &peerSendState{mode: ccp.ModeSync}
		b.peers[id] = state
	}
	return state
}
