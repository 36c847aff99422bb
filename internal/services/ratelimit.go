package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/ratelimit"
)

// RateLimit throttles a sender's packet and value throughput. Value tokens
// consumed by a packet that is ultimately rejected are refunded; the packet
// token is not, so a peer cannot probe for free.
type RateLimit struct {
	next    Incoming
	limiter ratelimit.Limiter
	address ilp.Address
	log     *zap.Logger
}

// NewRateLimit wraps next with per-account rate limiting.
func NewRateLimit(next Incoming, limiter ratelimit.Limiter, address ilp.Address, log *zap.Logger) *RateLimit {
	return &RateLimit{next: next, limiter: limiter, address: address, log: log.Named("ratelimit")}
}

func (s *RateLimit) HandleIncoming(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	limits := ratelimit.Limits{
		PacketsPerSecond: from.PacketsPerSecond,
		AmountPerSecond:  from.AmountPerSecond,
	}

	decision, err := s.limiter.Take(ctx, from.ID.String(), prepare.Amount, limits)
	if err != nil {
		s.log.Error("limiter unavailable", zap.Error(err))
		return ilp.NewReject(ilp.CodeT00InternalError, "rate limiter unavailable", s.address)
	}
	switch decision {
	case ratelimit.PacketLimited:
		return ilp.NewReject(ilp.CodeT05RateLimited, "too many packets", s.address)
	case ratelimit.ValueLimited:
		return ilp.NewReject(ilp.CodeT05RateLimited, "too much value", s.address)
	}

	reply := s.next.HandleIncoming(ctx, from, prepare)

	if _, rejected := reply.(*ilp.Reject); rejected && prepare.Amount > 0 {
		if err := s.limiter.RefundValue(ctx, from.ID.String(), prepare.Amount, limits); err != nil {
			s.log.Warn("refunding value tokens", zap.String("account", from.ID.String()), zap.Error(err))
		}
	}
	return reply
}
