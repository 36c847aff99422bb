package routing

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store"
	"github.com/interledger/connector-go/pkg/ccp"
	"github.com/interledger/connector-go/pkg/ilp"
)

// epoch is one atomic batch of routing changes. Epochs are numbered from 1;
// CurrentEpoch equals the highest epoch number.
type epoch struct {
	added     []Entry
	withdrawn []string
}

// Manager owns the routing table: it applies static configuration, local
// accounts and peer updates, appends every change to the epoch log for the
// broadcaster, and publishes a fresh snapshot per change.
type Manager struct {
	ownAddress    ilp.Address
	routingSecret []byte
	routes        store.Routes
	log           *zap.Logger

	mu      sync.Mutex
	tableID uuid.UUID
	epochs  []epoch
	entries map[string]Entry
	table   *Table

	// onChange wakes the broadcaster after an epoch append.
	onChange func()
}

// NewManager builds a manager rooted at the node's own address.
func NewManager(ownAddress ilp.Address, routingSecret []byte, routes store.Routes, log *zap.Logger) *Manager {
	return &Manager{
		ownAddress:    ownAddress,
		routingSecret: routingSecret,
		routes:        routes,
		log:           log.Named("routing"),
		tableID:       uuid.New(),
		entries:       make(map[string]Entry),
		table:         NewTable(),
	}
}

// Table exposes the lookup surface for the router service.
func (m *Manager) Table() *Table { return m.table }

// OnChange registers the broadcaster's wake-up callback.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// TableID returns the current routing table id.
func (m *Manager) TableID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tableID
}

// CurrentEpoch returns the number of the newest epoch, 0 when empty.
func (m *Manager) CurrentEpoch() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.epochs))
}

// SetLocal installs a route to a directly connected account. Local routes
// beat everything else for their prefix.
func (m *Manager) SetLocal(prefix string, account uuid.UUID) {
	m.upsert(Entry{Prefix: prefix, NextHop: account, Source: SourceLocal})
}

// SetStatic installs an operator-configured route.
func (m *Manager) SetStatic(prefix string, account uuid.UUID) {
	m.upsert(Entry{Prefix: prefix, NextHop: account, Source: SourceStatic})
}

func (m *Manager) upsert(entry Entry) {
	m.mu.Lock()
	if existing, ok := m.entries[entry.Prefix]; ok && existing.Source > entry.Source {
		m.mu.Unlock()
		return
	}
	m.entries[entry.Prefix] = entry
	m.appendEpochLocked(epoch{added: []Entry{entry}})
	m.mu.Unlock()
}

// ApplyPeerUpdate applies one CCP window from a peer: withdrawals first,
// then additions. Routes whose path already contains this node are dropped
// (loop prevention); peer routes never displace local or static entries.
func (m *Manager) ApplyPeerUpdate(peer *model.Account, added []ccp.Route, withdrawn []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var change epoch
	for _, prefix := range withdrawn {
		existing, ok := m.entries[prefix]
		if !ok || existing.Source != SourcePeer || existing.Peer != peer.ID {
			continue
		}
		delete(m.entries, prefix)
		change.withdrawn = append(change.withdrawn, prefix)
	}

	for _, route := range added {
		if m.pathContainsSelf(route.Path) {
			m.log.Debug("dropping looping route",
				zap.String("prefix", route.Prefix),
				zap.String("peer", peer.ID.String()))
			continue
		}
		if existing, ok := m.entries[route.Prefix]; ok && existing.Source > SourcePeer {
			continue
		}
		entry := Entry{
			Prefix:       route.Prefix,
			NextHop:      peer.ID,
			Source:       SourcePeer,
			Path:         route.Path,
			Peer:         peer.ID,
			PeerRelation: string(peer.Relation),
		}
		m.entries[route.Prefix] = entry
		change.added = append(change.added, entry)
	}

	if len(change.added) > 0 || len(change.withdrawn) > 0 {
		m.appendEpochLocked(change)
	}
}

// DropPeerRoutes withdraws everything learned from one peer, used when its
// routing table id changes or the account is removed.
func (m *Manager) DropPeerRoutes(peerID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var change epoch
	for prefix, entry := range m.entries {
		if entry.Source == SourcePeer && entry.Peer == peerID {
			delete(m.entries, prefix)
			change.withdrawn = append(change.withdrawn, prefix)
		}
	}
	if len(change.withdrawn) > 0 {
		m.appendEpochLocked(change)
	}
}

// EpochWindow assembles the broadcast payload for epochs (from, to],
// filtered by the advertisement matrix for a receiver of the given
// relation: routes learned from children go to everyone, routes learned
// from peers or parents go only to children. Our own local and static
// routes go to everyone.
func (m *Manager) EpochWindow(from, to uint32, receiver model.Relation) (added []ccp.Route, withdrawn []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to > uint32(len(m.epochs)) {
		to = uint32(len(m.epochs))
	}
	seen := make(map[string]bool)
	for i := int(to) - 1; i >= int(from); i-- {
		e := m.epochs[i]
		for _, entry := range e.added {
			if seen[entry.Prefix] {
				continue
			}
			seen[entry.Prefix] = true
			// Skip entries that were since replaced or withdrawn.
			current, ok := m.entries[entry.Prefix]
			if !ok || current.NextHop != entry.NextHop {
				continue
			}
			if !advertise(entry, receiver) {
				continue
			}
			added = append(added, m.advertisement(entry))
		}
		for _, prefix := range e.withdrawn {
			if seen[prefix] {
				continue
			}
			seen[prefix] = true
			if _, ok := m.entries[prefix]; !ok {
				withdrawn = append(withdrawn, prefix)
			}
		}
	}
	return added, withdrawn
}

// FullTable returns every advertisable route for a receiver, used after a
// table id reset.
func (m *Manager) FullTable(receiver model.Relation) []ccp.Route {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ccp.Route
	for _, entry := range m.entries {
		if advertise(entry, receiver) {
			out = append(out, m.advertisement(entry))
		}
	}
	return out
}

// Truncate discards the epoch history and restarts it under a fresh table
// id with one epoch holding the full table. Receivers see the id change
// and resync from scratch.
func (m *Manager) Truncate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		full = append(full, entry)
	}
	m.tableID = uuid.New()
	m.epochs = []epoch{{added: full}}
	m.log.Info("epoch history truncated", zap.String("table_id", m.tableID.String()))
}

func (m *Manager) appendEpochLocked(change epoch) {
	m.epochs = append(m.epochs, change)
	m.table.publish(m.entries)
	m.persistLocked()
	if m.onChange != nil {
		go m.onChange()
	}
}

// persistLocked journals the current table; failures only log, the
// in-memory table stays authoritative until restart.
func (m *Manager) persistLocked() {
	if m.routes == nil {
		return
	}
	routes := make(map[string]uuid.UUID, len(m.entries))
	for prefix, entry := range m.entries {
		routes[prefix] = entry.NextHop
	}
	go func() {
		if err := m.routes.SaveCurrent(context.Background(), routes); err != nil {
			m.log.Warn("persisting routing table", zap.Error(err))
		}
	}()
}

func (m *Manager) pathContainsSelf(path []ilp.Address) bool {
	for _, hop := range path {
		if hop == m.ownAddress {
			return true
		}
	}
	return false
}

func (m *Manager) advertisement(entry Entry) ccp.Route {
	route := ccp.Route{Prefix: entry.Prefix, Path: entry.Path}
	route.Auth = ccp.RouteAuth(m.routingSecret, route.Prefix, route.Path)
	return route
}

// advertise applies the route-advertisement matrix.
func advertise(entry Entry, receiver model.Relation) bool {
	switch entry.Source {
	case SourceLocal, SourceStatic:
		return true
	case SourcePeer:
		if entry.PeerRelation == string(model.RelationChild) {
			return true
		}
		return receiver == model.RelationChild
	}
	return false
}
