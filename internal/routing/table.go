// Package routing implements the longest-prefix routing table and the CCP
// machinery that synchronizes it with peers.
package routing

import (
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/interledger/connector-go/pkg/ilp"
)

// Source classifies where a route came from. Higher values take precedence
// when the same prefix is offered from several sources.
type Source int

const (
	SourcePeer Source = iota
	SourceStatic
	SourceLocal
)

// Entry is one routing table row.
type Entry struct {
	Prefix  string
	NextHop uuid.UUID
	Source  Source
	// Path is the advertised path vector for peer routes, used for loop
	// prevention and re-advertisement.
	Path []ilp.Address
	// Peer identifies the account this route was learned from, for
	// peer-sourced entries.
	Peer uuid.UUID
	// PeerRelation is the relation of that peer, driving the
	// advertisement matrix.
	PeerRelation string
}

// Snapshot is an immutable routing table. Readers hold one snapshot for the
// duration of a lookup; the updater publishes replacements wholesale.
type Snapshot struct {
	entries map[string]Entry
}

// Lookup returns the next hop for the longest matching prefix.
func (s *Snapshot) Lookup(destination ilp.Address) (uuid.UUID, bool) {
	entry, ok := s.lookupEntry(destination)
	return entry.NextHop, ok
}

func (s *Snapshot) lookupEntry(destination ilp.Address) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	candidate := string(destination)
	for {
		if entry, ok := s.entries[candidate]; ok {
			return entry, true
		}
		i := strings.LastIndexByte(candidate, '.')
		if i < 0 {
			return Entry{}, false
		}
		candidate = candidate[:i]
	}
}

// Entries returns the table rows, for status reporting and broadcasting.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Table publishes snapshots atomically: a single writer swaps in a new
// snapshot per epoch while many readers look up without locks.
type Table struct {
	current atomic.Pointer[Snapshot]
}

// NewTable starts empty.
func NewTable() *Table {
	t := &Table{}
	t.current.Store(&Snapshot{entries: map[string]Entry{}})
	return t
}

// Lookup resolves against the current snapshot.
func (t *Table) Lookup(destination ilp.Address) (uuid.UUID, bool) {
	return t.current.Load().Lookup(destination)
}

// Current returns the active snapshot.
func (t *Table) Current() *Snapshot {
	return t.current.Load()
}

// publish swaps in a new snapshot built from the given entries.
func (t *Table) publish(entries map[string]Entry) {
	copied := make(map[string]Entry, len(entries))
	for prefix, e := range entries {
		copied[prefix] = e
	}
	t.current.Store(&Snapshot{entries: copied})
}
