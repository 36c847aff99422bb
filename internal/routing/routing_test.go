package routing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/pkg/ccp"
	"github.com/interledger/connector-go/pkg/ilp"
)

const ownAddress ilp.Address = "g.node"

func newManager(t *testing.T) *Manager {
	return NewManager(ownAddress, []byte("routing-secret"), nil, zaptest.NewLogger(t))
}

func peerAccount(relation model.Relation) *model.Account {
	return &model.Account{
		ID:         uuid.New(),
		ILPAddress: "g.peerconn",
		Relation:   relation,
	}
}

func TestTableLongestPrefix(t *testing.T) {
	m := newManager(t)
	broad, narrow := uuid.New(), uuid.New()
	m.SetStatic("g.corp", broad)
	m.SetStatic("g.corp.branch", narrow)

	hop, ok := m.Table().Lookup("g.corp.branch.teller")
	require.True(t, ok)
	assert.Equal(t, narrow, hop)

	hop, ok = m.Table().Lookup("g.corp.hq")
	require.True(t, ok)
	assert.Equal(t, broad, hop)

	_, ok = m.Table().Lookup("g.elsewhere")
	assert.False(t, ok)

	// Segment-wise matching: g.corporate is not under g.corp.
	_, ok = m.Table().Lookup("g.corporate")
	assert.False(t, ok)
}

func TestLocalBeatsStaticBeatsPeer(t *testing.T) {
	m := newManager(t)
	peer := peerAccount(model.RelationPeer)
	local, static := uuid.New(), uuid.New()

	m.ApplyPeerUpdate(peer, []ccp.Route{{Prefix: "g.shared"}}, nil)
	m.SetStatic("g.shared", static)
	hop, _ := m.Table().Lookup("g.shared.x")
	assert.Equal(t, static, hop)

	m.SetLocal("g.shared", local)
	hop, _ = m.Table().Lookup("g.shared.x")
	assert.Equal(t, local, hop)

	// A later peer route must not displace the local one.
	m.ApplyPeerUpdate(peer, []ccp.Route{{Prefix: "g.shared"}}, nil)
	hop, _ = m.Table().Lookup("g.shared.x")
	assert.Equal(t, local, hop)
}

func TestApplyPeerUpdateScenario(t *testing.T) {
	// Scenario: peer sends adds for g.a and withdraws g.b in epochs 6..7.
	m := newManager(t)
	receiver := NewReceiver(m, ownAddress, zaptest.NewLogger(t))
	peer := peerAccount(model.RelationPeer)
	tableID := uuid.New()

	// Bring the receiver to epoch 5 with g.b installed.
	ctl, reject := receiver.HandleUpdate(peer, &ccp.RouteUpdateRequest{
		RoutingTableID: tableID,
		CurrentEpoch:   5, FromEpoch: 1, ToEpoch: 5,
		Speaker:   "g.peerconn",
		NewRoutes: []ccp.Route{{Prefix: "g.b"}},
	})
	require.Nil(t, reject)
	require.Equal(t, uint32(5), ctl.LastKnownEpoch)

	ctl, reject = receiver.HandleUpdate(peer, &ccp.RouteUpdateRequest{
		RoutingTableID: tableID,
		CurrentEpoch:   7, FromEpoch: 6, ToEpoch: 7,
		Speaker:         "g.peerconn",
		NewRoutes:       []ccp.Route{{Prefix: "g.a"}},
		WithdrawnRoutes: []string{"g.b"},
	})
	require.Nil(t, reject)
	assert.Equal(t, ccp.ModeSync, ctl.Mode)
	assert.Equal(t, uint32(7), ctl.LastKnownEpoch)

	_, ok := m.Table().Lookup("g.a.someone")
	assert.True(t, ok, "g.a must be routable")
	_, ok = m.Table().Lookup("g.b.someone")
	assert.False(t, ok, "g.b must be withdrawn")
}

func TestReceiverRejectsEpochGap(t *testing.T) {
	m := newManager(t)
	receiver := NewReceiver(m, ownAddress, zaptest.NewLogger(t))
	peer := peerAccount(model.RelationPeer)

	_, reject := receiver.HandleUpdate(peer, &ccp.RouteUpdateRequest{
		RoutingTableID: uuid.New(),
		CurrentEpoch:   7, FromEpoch: 6, ToEpoch: 7,
		Speaker: "g.peerconn",
	})
	require.NotNil(t, reject)
	assert.Equal(t, ilp.CodeF00BadRequest, reject.Code)
}

func TestReceiverIdempotentUpdate(t *testing.T) {
	m := newManager(t)
	receiver := NewReceiver(m, ownAddress, zaptest.NewLogger(t))
	peer := peerAccount(model.RelationPeer)
	tableID := uuid.New()

	update := &ccp.RouteUpdateRequest{
		RoutingTableID: tableID,
		CurrentEpoch:   1, FromEpoch: 1, ToEpoch: 1,
		Speaker:   "g.peerconn",
		NewRoutes: []ccp.Route{{Prefix: "g.a"}},
	}
	_, reject := receiver.HandleUpdate(peer, update)
	require.Nil(t, reject)
	epochAfterFirst := m.CurrentEpoch()

	ctl, reject := receiver.HandleUpdate(peer, update)
	require.Nil(t, reject)
	assert.Equal(t, uint32(1), ctl.LastKnownEpoch)
	assert.Equal(t, epochAfterFirst, m.CurrentEpoch(),
		"replayed update must not append a new epoch")

	hop, ok := m.Table().Lookup("g.a.x")
	require.True(t, ok)
	assert.Equal(t, peer.ID, hop)
}

func TestReceiverTableIDChangeDropsPeerRoutes(t *testing.T) {
	m := newManager(t)
	receiver := NewReceiver(m, ownAddress, zaptest.NewLogger(t))
	peer := peerAccount(model.RelationPeer)

	_, reject := receiver.HandleUpdate(peer, &ccp.RouteUpdateRequest{
		RoutingTableID: uuid.New(),
		CurrentEpoch:   1, FromEpoch: 1, ToEpoch: 1,
		Speaker:   "g.peerconn",
		NewRoutes: []ccp.Route{{Prefix: "g.old"}},
	})
	require.Nil(t, reject)

	// Fresh table id: old state discarded, old routes dropped.
	_, reject = receiver.HandleUpdate(peer, &ccp.RouteUpdateRequest{
		RoutingTableID: uuid.New(),
		CurrentEpoch:   1, FromEpoch: 1, ToEpoch: 1,
		Speaker:   "g.peerconn",
		NewRoutes: []ccp.Route{{Prefix: "g.new"}},
	})
	require.Nil(t, reject)

	_, ok := m.Table().Lookup("g.old.x")
	assert.False(t, ok)
	_, ok = m.Table().Lookup("g.new.x")
	assert.True(t, ok)
}

func TestLoopingRouteDropped(t *testing.T) {
	m := newManager(t)
	receiver := NewReceiver(m, ownAddress, zaptest.NewLogger(t))
	peer := peerAccount(model.RelationPeer)

	_, reject := receiver.HandleUpdate(peer, &ccp.RouteUpdateRequest{
		RoutingTableID: uuid.New(),
		CurrentEpoch:   1, FromEpoch: 1, ToEpoch: 1,
		Speaker: "g.peerconn",
		NewRoutes: []ccp.Route{
			{Prefix: "g.loop", Path: []ilp.Address{"g.transit", ownAddress}},
			{Prefix: "g.fine", Path: []ilp.Address{"g.transit"}},
		},
	})
	require.Nil(t, reject)

	_, ok := m.Table().Lookup("g.loop.x")
	assert.False(t, ok, "route whose path contains us must be dropped")
	_, ok = m.Table().Lookup("g.fine.x")
	assert.True(t, ok)
}

func TestReceiverVerifiesRouteAuth(t *testing.T) {
	m := newManager(t)
	receiver := NewReceiver(m, ownAddress, zaptest.NewLogger(t))
	peer := peerAccount(model.RelationPeer)
	key := []byte("peer-routing-secret")
	receiver.SetVerifyKey(peer.ID, key)

	good := ccp.Route{Prefix: "g.signed", Path: []ilp.Address{"g.transit"}}
	good.Auth = ccp.RouteAuth(key, good.Prefix, good.Path)
	bad := ccp.Route{Prefix: "g.forged", Path: []ilp.Address{"g.transit"}}

	_, reject := receiver.HandleUpdate(peer, &ccp.RouteUpdateRequest{
		RoutingTableID: uuid.New(),
		CurrentEpoch:   1, FromEpoch: 1, ToEpoch: 1,
		Speaker:   "g.peerconn",
		NewRoutes: []ccp.Route{good, bad},
	})
	require.Nil(t, reject)

	_, ok := m.Table().Lookup("g.signed.x")
	assert.True(t, ok)
	_, ok = m.Table().Lookup("g.forged.x")
	assert.False(t, ok)
}

func TestAdvertisementMatrix(t *testing.T) {
	m := newManager(t)
	child := peerAccount(model.RelationChild)
	peer := peerAccount(model.RelationPeer)

	m.SetStatic("g.ours", uuid.New())
	m.ApplyPeerUpdate(child, []ccp.Route{{Prefix: "g.fromchild"}}, nil)
	m.ApplyPeerUpdate(peer, []ccp.Route{{Prefix: "g.frompeer"}}, nil)

	prefixes := func(routes []ccp.Route) map[string]bool {
		out := map[string]bool{}
		for _, r := range routes {
			out[r.Prefix] = true
		}
		return out
	}

	toChild := prefixes(m.FullTable(model.RelationChild))
	assert.True(t, toChild["g.ours"])
	assert.True(t, toChild["g.fromchild"])
	assert.True(t, toChild["g.frompeer"], "children receive peer-learned routes")

	toPeer := prefixes(m.FullTable(model.RelationPeer))
	assert.True(t, toPeer["g.ours"])
	assert.True(t, toPeer["g.fromchild"], "child-learned routes go everywhere")
	assert.False(t, toPeer["g.frompeer"], "peer-learned routes must not reach peers")
}

func TestEpochWindow(t *testing.T) {
	m := newManager(t)
	child := peerAccount(model.RelationChild)

	m.SetStatic("g.one", uuid.New())                              // epoch 1
	m.ApplyPeerUpdate(child, []ccp.Route{{Prefix: "g.two"}}, nil) // epoch 2
	m.ApplyPeerUpdate(child, nil, []string{"g.two"})              // epoch 3

	added, withdrawn := m.EpochWindow(1, 3, model.RelationChild)
	assert.Empty(t, addedPrefix(added, "g.two"), "added then withdrawn inside the window nets out")
	assert.Contains(t, withdrawn, "g.two")

	added, _ = m.EpochWindow(0, 3, model.RelationChild)
	assert.NotEmpty(t, addedPrefix(added, "g.one"))
}

func addedPrefix(routes []ccp.Route, prefix string) []ccp.Route {
	var out []ccp.Route
	for _, r := range routes {
		if r.Prefix == prefix {
			out = append(out, r)
		}
	}
	return out
}

func TestTruncateIssuesFreshTableID(t *testing.T) {
	m := newManager(t)
	m.SetStatic("g.a", uuid.New())
	m.SetStatic("g.b", uuid.New())
	oldID := m.TableID()
	require.Equal(t, uint32(2), m.CurrentEpoch())

	m.Truncate()
	assert.NotEqual(t, oldID, m.TableID())
	assert.Equal(t, uint32(1), m.CurrentEpoch())

	added, _ := m.EpochWindow(0, 1, model.RelationChild)
	assert.Len(t, added, 2, "the single epoch holds the full table")
}
