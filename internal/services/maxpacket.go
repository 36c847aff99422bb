package services

import (
	"context"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/pkg/ilp"
)

// MaxPacket refuses Prepares above the sender's configured packet cap. The
// F08 payload carries the cap so senders can binary-search a working size.
type MaxPacket struct {
	next    Incoming
	address ilp.Address
}

// NewMaxPacket wraps next with the per-account amount cap.
func NewMaxPacket(next Incoming, address ilp.Address) *MaxPacket {
	return &MaxPacket{next: next, address: address}
}

func (s *MaxPacket) HandleIncoming(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	if from.MaxPacketAmount > 0 && prepare.Amount > from.MaxPacketAmount {
		reject := ilp.NewReject(ilp.CodeF08AmountTooLarge, "amount exceeds maximum packet size", s.address)
		reject.Data = (&ilp.AmountTooLargeData{
			ReceivedAmount: prepare.Amount,
			MaximumAmount:  from.MaxPacketAmount,
		}).Marshal()
		return reject
	}
	return s.next.HandleIncoming(ctx, from, prepare)
}
