// Package ildcp implements the ILP Dynamic Configuration Protocol: a child
// account asks its parent for an ILP address and asset details via a
// Prepare to peer.config.
package ildcp

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/interledger/connector-go/pkg/ccp"
	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/oer"
)

// Destination is the link-local address ILDCP requests are sent to.
const Destination ilp.Address = "peer.config"

const requestExpiry = 30 * time.Second

var ErrMalformed = errors.New("ildcp: malformed response")

// Info is the configuration a parent hands to a child.
type Info struct {
	ClientAddress ilp.Address
	AssetScale    uint8
	AssetCode     string
}

// Marshal encodes the response carried in the Fulfill data.
func (i *Info) Marshal() []byte {
	var buf bytes.Buffer
	oer.WriteVarOctets(&buf, []byte(i.ClientAddress))
	buf.WriteByte(i.AssetScale)
	oer.WriteVarOctets(&buf, []byte(i.AssetCode))
	return buf.Bytes()
}

// ParseInfo decodes a response payload.
func ParseInfo(b []byte) (*Info, error) {
	addr, rest, err := oer.ReadVarOctets(b)
	if err != nil || len(rest) < 1 {
		return nil, ErrMalformed
	}
	info := &Info{ClientAddress: ilp.Address(addr), AssetScale: rest[0]}
	code, rest, err := oer.ReadVarOctets(rest[1:])
	if err != nil || len(rest) != 0 {
		return nil, ErrMalformed
	}
	info.AssetCode = string(code)
	return info, nil
}

// NewRequest builds the ILDCP Prepare.
func NewRequest() *ilp.Prepare {
	return &ilp.Prepare{
		Destination:        Destination,
		Amount:             0,
		ExpiresAt:          time.Now().Add(requestExpiry),
		ExecutionCondition: ccp.PeerProtocolCondition,
	}
}

// Sender forwards a Prepare to one peer and returns its reply.
type Sender func(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error)

// Fetch performs the client side of ILDCP against a parent link.
func Fetch(ctx context.Context, send Sender) (*Info, error) {
	reply, err := send(ctx, NewRequest())
	if err != nil {
		return nil, err
	}
	switch v := reply.(type) {
	case *ilp.Fulfill:
		return ParseInfo(v.Data)
	case *ilp.Reject:
		return nil, errors.New("ildcp: rejected " + v.Code + ": " + v.Message)
	}
	return nil, ErrMalformed
}

// Serve answers an ILDCP request with the child's configuration.
func Serve(info *Info) *ilp.Fulfill {
	return &ilp.Fulfill{
		Fulfillment: ccp.PeerProtocolFulfillment,
		Data:        info.Marshal(),
	}
}
