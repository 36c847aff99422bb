package links

import (
	"context"
	"errors"

	"github.com/interledger/connector-go/pkg/btp"
	"github.com/interledger/connector-go/pkg/ilp"
)

// btpCaller is satisfied by both *btp.Client (outgoing, reconnecting) and
// *btp.Conn (server-accepted socket).
type btpCaller interface {
	Call(ctx context.Context, protocols []btp.Subprotocol) ([]btp.Subprotocol, error)
}

// BTPLink carries ILP packets in the ilp sub-protocol of BTP frames.
type BTPLink struct {
	caller btpCaller
	closer func() error
}

// NewConnLink wraps a server-accepted BTP connection as a Link.
func NewConnLink(conn *btp.Conn) *BTPLink {
	return &BTPLink{caller: conn, closer: conn.Close}
}

func (l *BTPLink) SendPrepare(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error) {
	reply, err := l.caller.Call(ctx, []btp.Subprotocol{{
		Name:        btp.ProtocolILP,
		ContentType: btp.ContentOctetStream,
		Data:        prepare.Marshal(),
	}})
	if err != nil {
		// A BTP-level ERROR frame is an ILP-visible refusal; surface it as
		// a reject rather than a broken link.
		var ferr *btp.FrameError
		if errors.As(err, &ferr) {
			return ilp.NewReject(mapBTPCode(ferr.Code), ferr.Message, ""), nil
		}
		return nil, err
	}

	proto := subprotocol(reply, btp.ProtocolILP)
	if proto == nil {
		return nil, errors.New("links: btp response carried no ilp sub-protocol")
	}
	return ilp.ParseReply(proto.Data)
}

func (l *BTPLink) Close() error {
	if l.closer != nil {
		return l.closer()
	}
	return nil
}

func subprotocol(protocols []btp.Subprotocol, name string) *btp.Subprotocol {
	for i := range protocols {
		if protocols[i].Name == name {
			return &protocols[i]
		}
	}
	return nil
}

// mapBTPCode keeps well-formed ILP codes and degrades anything else to a
// temporary link error.
func mapBTPCode(code string) string {
	if len(code) == 3 {
		switch code[0] {
		case 'F', 'T', 'R':
			return code
		}
	}
	return ilp.CodeT01PeerUnreachable
}
