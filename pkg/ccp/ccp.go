// Package ccp implements the Connector-to-Connector Protocol messages used
// to exchange routing information. CCP rides inside ILP Prepares addressed
// to peer.route.control and peer.route.update, secured by the well-known
// peer-protocol condition.
package ccp

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/oer"
)

// Destinations for CCP Prepares.
const (
	ControlDestination ilp.Address = "peer.route.control"
	UpdateDestination  ilp.Address = "peer.route.update"
)

// PeerProtocolFulfillment is the fixed preimage for peer-protocol packets;
// PeerProtocolCondition is its hash.
var (
	PeerProtocolFulfillment = [32]byte{}
	PeerProtocolCondition   = sha256.Sum256(PeerProtocolFulfillment[:])
)

var ErrMalformed = errors.New("ccp: malformed message")

// Mode tells the broadcaster whether a peer wants route updates.
type Mode uint8

const (
	ModeIdle Mode = 0
	ModeSync Mode = 1
)

// RouteControlRequest asks a peer to start (Sync) or stop (Idle) sending
// route updates, acknowledging the epoch received so far.
type RouteControlRequest struct {
	Mode           Mode
	RoutingTableID uuid.UUID
	LastKnownEpoch uint32
	Features       []string
}

// Route is one advertised prefix. Auth is an HMAC binding the advertisement
// to the speaker's routing secret.
type Route struct {
	Prefix string
	Path   []ilp.Address
	Auth   [32]byte
}

// RouteUpdateRequest carries one window of the speaker's epoch log.
type RouteUpdateRequest struct {
	RoutingTableID  uuid.UUID
	CurrentEpoch    uint32
	FromEpoch       uint32
	ToEpoch         uint32
	HoldDownTime    uint32
	Speaker         ilp.Address
	NewRoutes       []Route
	WithdrawnRoutes []string
}

// Marshal encodes a RouteControlRequest.
func (r *RouteControlRequest) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Mode))
	buf.Write(r.RoutingTableID[:])
	oer.WriteUint32(&buf, r.LastKnownEpoch)
	oer.WriteLength(&buf, len(r.Features))
	for _, f := range r.Features {
		oer.WriteVarOctets(&buf, []byte(f))
	}
	return buf.Bytes()
}

// ParseRouteControlRequest decodes a RouteControlRequest.
func ParseRouteControlRequest(b []byte) (*RouteControlRequest, error) {
	if len(b) < 1+16+4 {
		return nil, ErrMalformed
	}
	r := &RouteControlRequest{Mode: Mode(b[0])}
	if r.Mode != ModeIdle && r.Mode != ModeSync {
		return nil, ErrMalformed
	}
	copy(r.RoutingTableID[:], b[1:17])
	epoch, rest, err := oer.ReadUint32(b[17:])
	if err != nil {
		return nil, ErrMalformed
	}
	r.LastKnownEpoch = epoch
	count, rest, err := oer.ReadLength(rest)
	if err != nil {
		return nil, ErrMalformed
	}
	for i := 0; i < count; i++ {
		var f []byte
		f, rest, err = oer.ReadVarOctets(rest)
		if err != nil {
			return nil, ErrMalformed
		}
		r.Features = append(r.Features, string(f))
	}
	if len(rest) != 0 {
		return nil, ErrMalformed
	}
	return r, nil
}

// Marshal encodes a RouteUpdateRequest.
func (r *RouteUpdateRequest) Marshal() []byte {
	var buf bytes.Buffer
	buf.Write(r.RoutingTableID[:])
	oer.WriteUint32(&buf, r.CurrentEpoch)
	oer.WriteUint32(&buf, r.FromEpoch)
	oer.WriteUint32(&buf, r.ToEpoch)
	oer.WriteUint32(&buf, r.HoldDownTime)
	oer.WriteVarOctets(&buf, []byte(r.Speaker))
	oer.WriteLength(&buf, len(r.NewRoutes))
	for _, route := range r.NewRoutes {
		oer.WriteVarOctets(&buf, []byte(route.Prefix))
		oer.WriteLength(&buf, len(route.Path))
		for _, hop := range route.Path {
			oer.WriteVarOctets(&buf, []byte(hop))
		}
		buf.Write(route.Auth[:])
	}
	oer.WriteLength(&buf, len(r.WithdrawnRoutes))
	for _, prefix := range r.WithdrawnRoutes {
		oer.WriteVarOctets(&buf, []byte(prefix))
	}
	return buf.Bytes()
}

// ParseRouteUpdateRequest decodes a RouteUpdateRequest.
func ParseRouteUpdateRequest(b []byte) (*RouteUpdateRequest, error) {
	if len(b) < 16+16 {
		return nil, ErrMalformed
	}
	r := &RouteUpdateRequest{}
	copy(r.RoutingTableID[:], b[:16])
	rest := b[16:]
	var err error
	for _, field := range []*uint32{&r.CurrentEpoch, &r.FromEpoch, &r.ToEpoch, &r.HoldDownTime} {
		*field, rest, err = oer.ReadUint32(rest)
		if err != nil {
			return nil, ErrMalformed
		}
	}
	speaker, rest, err := oer.ReadVarOctets(rest)
	if err != nil {
		return nil, ErrMalformed
	}
	r.Speaker = ilp.Address(speaker)

	count, rest, err := oer.ReadLength(rest)
	if err != nil {
		return nil, ErrMalformed
	}
	for i := 0; i < count; i++ {
		var route Route
		var prefix []byte
		prefix, rest, err = oer.ReadVarOctets(rest)
		if err != nil {
			return nil, ErrMalformed
		}
		route.Prefix = string(prefix)
		var hops int
		hops, rest, err = oer.ReadLength(rest)
		if err != nil {
			return nil, ErrMalformed
		}
		for j := 0; j < hops; j++ {
			var hop []byte
			hop, rest, err = oer.ReadVarOctets(rest)
			if err != nil {
				return nil, ErrMalformed
			}
			route.Path = append(route.Path, ilp.Address(hop))
		}
		if len(rest) < 32 {
			return nil, ErrMalformed
		}
		copy(route.Auth[:], rest[:32])
		rest = rest[32:]
		r.NewRoutes = append(r.NewRoutes, route)
	}

	count, rest, err = oer.ReadLength(rest)
	if err != nil {
		return nil, ErrMalformed
	}
	for i := 0; i < count; i++ {
		var prefix []byte
		prefix, rest, err = oer.ReadVarOctets(rest)
		if err != nil {
			return nil, ErrMalformed
		}
		r.WithdrawnRoutes = append(r.WithdrawnRoutes, string(prefix))
	}
	if len(rest) != 0 {
		return nil, ErrMalformed
	}
	return r, nil
}

// RouteAuth computes the advertisement HMAC for a prefix and path under the
// speaker's routing secret.
func RouteAuth(routingSecret []byte, prefix string, path []ilp.Address) [32]byte {
	mac := hmac.New(sha256.New, routingSecret)
	mac.Write([]byte(prefix))
	for _, hop := range path {
		mac.Write([]byte(hop))
	}
	var out [32]byte
	mac.Sum(out[:0])
	return out
}

// NewPrepare wraps a CCP message in the peer-protocol Prepare envelope.
func NewPrepare(destination ilp.Address, data []byte, expiry time.Duration) *ilp.Prepare {
	return &ilp.Prepare{
		Destination:        destination,
		Amount:             0,
		ExpiresAt:          time.Now().Add(expiry),
		ExecutionCondition: PeerProtocolCondition,
		Data:               data,
	}
}
