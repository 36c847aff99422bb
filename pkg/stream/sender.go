package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/interledger/connector-go/pkg/ilp"
)

const (
	defaultPacketTimeout = 30 * time.Second
	defaultSlippage      = 0.015
)

// SendFunc forwards a Prepare toward the receiver and returns the reply.
type SendFunc func(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error)

// Sender pushes a fixed source amount to a STREAM receiver, probing path
// liquidity and packet-size limits as it goes.
type Sender struct {
	Destination ilp.Address
	Secret      []byte
	Send        SendFunc
	// PacketTimeout bounds each Prepare's expiry. Zero means 30s.
	PacketTimeout time.Duration
	// Slippage is the tolerated loss against the learned path rate, used
	// for the declared minimum destination amount. Zero means 1.5%.
	Slippage float64
	Log      *zap.Logger
}

// Result summarizes one SendMoney run.
type Result struct {
	// Sent is the source amount leaving us.
	Sent uint64
	// Delivered is the destination amount the receiver acknowledged.
	Delivered uint64
	// Probes counts every rejected packet: sizing (F08), liquidity (T04),
	// temporary errors, and the final reject that ends a failed send.
	Probes int
}

var ErrSendFailed = errors.New("stream: send failed")

// SendMoney delivers the given source amount, splitting it into packets
// sized by the congestion controller. It returns when the full amount is
// fulfilled, the path gives a final error, or ctx ends.
func (s *Sender) SendMoney(ctx context.Context, amount uint64) (*Result, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := s.PacketTimeout
	if timeout == 0 {
		timeout = defaultPacketTimeout
	}
	slippage := s.Slippage
	if slippage == 0 {
		slippage = defaultSlippage
	}

	ctrl := newController()
	result := &Result{}
	var sequence uint64

	// Path rate learned from the receiver's echoed arrival amounts;
	// unknown until the first response that carries one.
	var rateNum, rateDen uint64

	for result.Sent < amount {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		pktAmount := ctrl.nextAmount(amount - result.Sent)
		if pktAmount == 0 {
			return result, fmt.Errorf("%w: window closed", ErrSendFailed)
		}
		sequence++

		var minDest uint64
		if rateDen > 0 {
			minDest = applyRate(pktAmount, rateNum, rateDen, slippage)
		}

		packet := &Packet{
			Sequence:      sequence,
			IlpPacketType: ilp.TypePrepare,
			PrepareAmount: minDest,
			Frames:        []Frame{&StreamMoneyFrame{StreamID: 1, Shares: 1}},
		}
		sealed, err := packet.Seal(s.Secret)
		if err != nil {
			return result, err
		}
		fulfillment := Fulfillment(s.Secret, sealed)

		prepare := &ilp.Prepare{
			Destination:        s.Destination,
			Amount:             pktAmount,
			ExpiresAt:          time.Now().Add(timeout),
			ExecutionCondition: ilp.Condition(fulfillment),
			Data:               sealed,
		}

		reply, err := s.Send(ctx, prepare)
		if err != nil {
			return result, err
		}

		switch v := reply.(type) {
		case *ilp.Fulfill:
			if !v.Validates(prepare.ExecutionCondition) {
				return result, fmt.Errorf("%w: invalid fulfillment from path", ErrSendFailed)
			}
			result.Sent += pktAmount
			delivered := minDest
			if resp, err := OpenPacket(s.Secret, v.Data); err == nil {
				delivered = resp.PrepareAmount
				rateNum, rateDen = delivered, pktAmount
			}
			result.Delivered += delivered
			ctrl.onFulfill(pktAmount)

		case *ilp.Reject:
			result.Probes++
			// The receiver echoes the arrived amount in an encrypted
			// packet; use it to learn the path rate even on rejection.
			if resp, err := OpenPacket(s.Secret, v.Data); err == nil && pktAmount > 0 {
				if resp.PrepareAmount > 0 {
					rateNum, rateDen = resp.PrepareAmount, pktAmount
				}
			}
			if !ctrl.onReject(pktAmount, v) {
				return result, fmt.Errorf("%w: %s %s", ErrSendFailed, v.Code, v.Message)
			}
			log.Debug("packet rejected, adjusting",
				zap.String("code", v.Code),
				zap.Uint64("amount", pktAmount),
				zap.Uint64("max_packet", ctrl.maxPacket))
		}
	}

	// Tell the receiver we are done.
	sequence++
	closePacket := &Packet{
		Sequence:      sequence,
		IlpPacketType: ilp.TypePrepare,
		PrepareAmount: 0,
		Frames:        []Frame{&ConnectionCloseFrame{Code: 0, Message: "done"}},
	}
	if sealed, err := closePacket.Seal(s.Secret); err == nil {
		fulfillment := Fulfillment(s.Secret, sealed)
		closeCtx, cancel := context.WithTimeout(ctx, timeout)
		s.Send(closeCtx, &ilp.Prepare{
			Destination:        s.Destination,
			Amount:             0,
			ExpiresAt:          time.Now().Add(timeout),
			ExecutionCondition: ilp.Condition(fulfillment),
			Data:               sealed,
		})
		cancel()
	}

	return result, nil
}

// applyRate scales a source amount by the learned path rate less slippage.
func applyRate(amount, num, den uint64, slippage float64) uint64 {
	if den == 0 {
		return 0
	}
	scaled := float64(amount) * float64(num) / float64(den) * (1 - slippage)
	if scaled < 0 {
		return 0
	}
	return uint64(scaled)
}
