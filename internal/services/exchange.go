package services

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/pkg/ilp"
)

// RateProvider resolves an exchange rate from one asset code to another.
type RateProvider interface {
	Rate(from, to string) (decimal.Decimal, bool)
}

// ExchangeRate converts the packet amount between the source and
// destination assets:
//
//	out = floor(in × rate × 10^(toScale−fromScale) × (1 − spread))
type ExchangeRate struct {
	next    Outgoing
	rates   RateProvider
	spread  decimal.Decimal
	address ilp.Address
	log     *zap.Logger
}

// NewExchangeRate wraps next with currency conversion. spread is the
// connector's fee fraction, e.g. 0.01.
func NewExchangeRate(next Outgoing, rates RateProvider, spread float64, address ilp.Address, log *zap.Logger) *ExchangeRate {
	return &ExchangeRate{
		next:    next,
		rates:   rates,
		spread:  decimal.NewFromFloat(spread),
		address: address,
		log:     log.Named("exchange"),
	}
}

func (s *ExchangeRate) HandleOutgoing(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
	if from.AssetCode == to.AssetCode && from.AssetScale == to.AssetScale {
		return s.next.HandleOutgoing(ctx, from, to, prepare)
	}
	if prepare.Amount == 0 {
		return s.next.HandleOutgoing(ctx, from, to, prepare)
	}

	rate, ok := s.rates.Rate(from.AssetCode, to.AssetCode)
	if !ok {
		s.log.Warn("no rate available",
			zap.String("from", from.AssetCode), zap.String("to", to.AssetCode))
		return ilp.NewReject(ilp.CodeT00InternalError, "no exchange rate available", s.address)
	}

	scaleAdj := decimal.New(1, int32(to.AssetScale)-int32(from.AssetScale))
	out := decimal.NewFromUint64(prepare.Amount).
		Mul(rate).
		Mul(scaleAdj).
		Mul(decimal.NewFromInt(1).Sub(s.spread)).
		Floor()

	if out.Sign() < 0 || out.Cmp(decimal.NewFromUint64(math.MaxUint64)) > 0 {
		return ilp.NewReject(ilp.CodeF08AmountTooLarge, "converted amount out of range", s.address)
	}
	outAmount := out.BigInt().Uint64()
	if outAmount == 0 {
		// A positive source amount must not silently become nothing.
		return ilp.NewReject(ilp.CodeF99ApplicationError, "converted amount rounds to zero", s.address)
	}

	converted := *prepare
	converted.Amount = outAmount
	return s.next.HandleOutgoing(ctx, from, to, &converted)
}
