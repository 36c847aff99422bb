package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/pkg/ccp"
	"github.com/interledger/connector-go/pkg/ildcp"
	"github.com/interledger/connector-go/pkg/ilp"
)

// handleILDCP answers peer.config: a child learns its address and asset
// details from us. Reassignment stops once the node has forwarded money.
func (n *Node) handleILDCP(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	if from.Relation != model.RelationChild {
		return ilp.NewReject(ilp.CodeF02Unreachable, "ildcp is for child accounts", n.address)
	}

	address := from.ILPAddress
	if address == "" {
		if n.addressFrozen.Load() {
			return ilp.NewReject(ilp.CodeF99ApplicationError, "address assignment is closed", n.address)
		}
		address = n.address.Child(from.ID.String()[:8])
	}

	return ildcp.Serve(&ildcp.Info{
		ClientAddress: address,
		AssetScale:    from.AssetScale,
		AssetCode:     from.AssetCode,
	})
}

// handleRouteControl applies a peer's Sync/Idle wish to the broadcaster.
func (n *Node) handleRouteControl(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	if !from.SendRoutes {
		return ilp.NewReject(ilp.CodeF02Unreachable, "route broadcasting not enabled for account", n.address)
	}
	req, err := ccp.ParseRouteControlRequest(prepare.Data)
	if err != nil {
		return ilp.NewReject(ilp.CodeF00BadRequest, "malformed route control request", n.address)
	}
	n.Broadcast.HandleControl(from, req)
	n.Broadcast.Wake()
	return &ilp.Fulfill{Fulfillment: ccp.PeerProtocolFulfillment}
}

// handleRouteUpdate applies a peer's route update and acknowledges it with
// a RouteControl sent back over the peer's link.
func (n *Node) handleRouteUpdate(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	if !from.ReceiveRoutes {
		return ilp.NewReject(ilp.CodeF02Unreachable, "route updates not accepted from account", n.address)
	}
	req, err := ccp.ParseRouteUpdateRequest(prepare.Data)
	if err != nil {
		return ilp.NewReject(ilp.CodeF00BadRequest, "malformed route update request", n.address)
	}

	ctl, reject := n.Receiver.HandleUpdate(from, req)
	if reject != nil {
		return reject
	}
	n.metrics.RouteUpdates.Inc()

	// The ack travels as its own request so the peer's broadcaster sees it
	// even when the fulfill is lost.
	go func() {
		ackCtx, cancel := context.WithTimeout(context.Background(), ackExpiry)
		defer cancel()
		prepare := ccp.NewPrepare(ccp.ControlDestination, ctl.Marshal(), ackExpiry)
		if _, err := n.sendToAccount(ackCtx, from, prepare); err != nil {
			n.log.Debug("sending route ack", zap.Error(err))
		}
	}()

	return &ilp.Fulfill{Fulfillment: ccp.PeerProtocolFulfillment}
}

// handleSettlementMessage relays an engine-to-engine message from the peer
// to our engine for this account.
func (n *Node) handleSettlementMessage(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	if from.SettlementEngineURL == "" {
		return ilp.NewReject(ilp.CodeF02Unreachable, "no settlement engine for account", n.address)
	}
	response, err := n.Engine.SendMessage(ctx, from.SettlementEngineURL, from.ID, prepare.Data)
	if err != nil {
		n.log.Warn("relaying settlement message",
			zap.String("account", from.ID.String()), zap.Error(err))
		return ilp.NewReject(ilp.CodeT00InternalError, "settlement engine unavailable", n.address)
	}
	return &ilp.Fulfill{Fulfillment: ccp.PeerProtocolFulfillment, Data: response}
}

// handleEcho answers connectivity probes addressed to <node>.echo.
func (n *Node) handleEcho(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	fulfill := &ilp.Fulfill{Fulfillment: ccp.PeerProtocolFulfillment, Data: prepare.Data}
	if !fulfill.Validates(prepare.ExecutionCondition) {
		return ilp.NewReject(ilp.CodeF05WrongCondition, "echo requires the peer protocol condition", n.address)
	}
	return fulfill
}

// handleStream terminates STREAM packets addressed to us.
func (n *Node) handleStream(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	return n.Stream.HandlePrepare(prepare)
}
