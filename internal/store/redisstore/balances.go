package redisstore

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store"
)

// balancesRepo keeps the four counters in one hash per account and runs
// every transition as a Lua script, so the precondition and the mutation
// are one atomic round trip. RefundSettlement, which has no precondition,
// is a single HINCRBY.
type balancesRepo struct {
	client *redis.Client

	prepareIn  *redis.Script
	fulfillIn  *redis.Script
	prepareOut *redis.Script
	fulfillOut *redis.Script
	release    *redis.Script
	settle     *redis.Script
	receive    *redis.Script
}

func newBalancesRepo(client *redis.Client) *balancesRepo {
	return &balancesRepo{
		client: client,

		// ARGV: amount, limit (-1 = unbounded). Guards
		// receivable + pending_in + amount <= limit.
		prepareIn: redis.NewScript(`
			local key = KEYS[1]
			local amount = tonumber(ARGV[1])
			local limit = tonumber(ARGV[2])
			local b = redis.call("HMGET", key, "receivable", "pending_in")
			local receivable = tonumber(b[1]) or 0
			local pending = tonumber(b[2]) or 0
			if limit >= 0 and receivable + pending + amount > limit then
				return 0
			end
			redis.call("HINCRBY", key, "pending_in", amount)
			return 1
		`),

		fulfillIn: redis.NewScript(`
			local key = KEYS[1]
			local amount = tonumber(ARGV[1])
			redis.call("HINCRBY", key, "pending_in", -amount)
			return redis.call("HINCRBY", key, "receivable", amount)
		`),

		// ARGV: amount, limit. Guards payable + pending_out + amount <= limit.
		prepareOut: redis.NewScript(`
			local key = KEYS[1]
			local amount = tonumber(ARGV[1])
			local limit = tonumber(ARGV[2])
			local b = redis.call("HMGET", key, "payable", "pending_out")
			local payable = tonumber(b[1]) or 0
			local pending = tonumber(b[2]) or 0
			if limit >= 0 and payable + pending + amount > limit then
				return 0
			end
			redis.call("HINCRBY", key, "pending_out", amount)
			return 1
		`),

		fulfillOut: redis.NewScript(`
			local key = KEYS[1]
			local amount = tonumber(ARGV[1])
			redis.call("HINCRBY", key, "pending_out", -amount)
			return redis.call("HINCRBY", key, "payable", amount)
		`),

		// ARGV: field, amount. Releases a reservation, flooring at zero so
		// a duplicated compensation cannot drive the counter negative.
		release: redis.NewScript(`
			local key = KEYS[1]
			local field = ARGV[1]
			local amount = tonumber(ARGV[2])
			local current = tonumber(redis.call("HGET", key, field)) or 0
			if amount > current then
				amount = current
			end
			redis.call("HINCRBY", key, field, -amount)
			return 1
		`),

		// ARGV: threshold, settle_to. Atomic check-and-reserve: if payable
		// has crossed the threshold, bring it down to settle_to and return
		// the difference for the settlement engine.
		settle: redis.NewScript(`
			local key = KEYS[1]
			local threshold = tonumber(ARGV[1])
			local settle_to = tonumber(ARGV[2])
			local payable = tonumber(redis.call("HGET", key, "payable")) or 0
			if payable < threshold or payable <= settle_to then
				return 0
			end
			local amount = payable - settle_to
			redis.call("HINCRBY", key, "payable", -amount)
			return amount
		`),

		receive: redis.NewScript(`
			local key = KEYS[1]
			local amount = tonumber(ARGV[1])
			local receivable = tonumber(redis.call("HGET", key, "receivable")) or 0
			if amount > receivable then
				amount = receivable
			end
			redis.call("HINCRBY", key, "receivable", -amount)
			return 1
		`),
	}
}

func balanceKey(id uuid.UUID) string {
	return balanceKeyPrefix + id.String()
}

func limitArg(limit *uint64) int64 {
	if limit == nil {
		return -1
	}
	return int64(*limit)
}

func (r *balancesRepo) PrepareIncoming(ctx context.Context, id uuid.UUID, amount uint64, maxBalance *uint64) error {
	ok, err := r.prepareIn.Run(ctx, r.client, []string{balanceKey(id)}, int64(amount), limitArg(maxBalance)).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return store.ErrExceedsLimit
	}
	return nil
}

func (r *balancesRepo) FulfillIncoming(ctx context.Context, id uuid.UUID, amount uint64) error {
	return r.fulfillIn.Run(ctx, r.client, []string{balanceKey(id)}, int64(amount)).Err()
}

func (r *balancesRepo) RejectIncoming(ctx context.Context, id uuid.UUID, amount uint64) error {
	return r.release.Run(ctx, r.client, []string{balanceKey(id)}, "pending_in", int64(amount)).Err()
}

func (r *balancesRepo) PrepareOutgoing(ctx context.Context, id uuid.UUID, amount uint64, maxOwed *uint64) error {
	ok, err := r.prepareOut.Run(ctx, r.client, []string{balanceKey(id)}, int64(amount), limitArg(maxOwed)).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return store.ErrExceedsLimit
	}
	return nil
}

func (r *balancesRepo) FulfillOutgoing(ctx context.Context, id uuid.UUID, amount uint64) (uint64, error) {
	payable, err := r.fulfillOut.Run(ctx, r.client, []string{balanceKey(id)}, int64(amount)).Int64()
	if err != nil {
		return 0, err
	}
	return uint64(payable), nil
}

func (r *balancesRepo) RejectOutgoing(ctx context.Context, id uuid.UUID, amount uint64) error {
	return r.release.Run(ctx, r.client, []string{balanceKey(id)}, "pending_out", int64(amount)).Err()
}

func (r *balancesRepo) PrepareSettlement(ctx context.Context, id uuid.UUID, threshold, settleTo uint64) (uint64, error) {
	amount, err := r.settle.Run(ctx, r.client, []string{balanceKey(id)}, int64(threshold), int64(settleTo)).Int64()
	if err != nil {
		return 0, err
	}
	return uint64(amount), nil
}

func (r *balancesRepo) RefundSettlement(ctx context.Context, id uuid.UUID, amount uint64) error {
	return r.client.HIncrBy(ctx, balanceKey(id), "payable", int64(amount)).Err()
}

func (r *balancesRepo) ReceiveSettlement(ctx context.Context, id uuid.UUID, amount uint64) error {
	return r.receive.Run(ctx, r.client, []string{balanceKey(id)}, int64(amount)).Err()
}

func (r *balancesRepo) Get(ctx context.Context, id uuid.UUID) (model.Balance, error) {
	vals, err := r.client.HMGet(ctx, balanceKey(id), "payable", "receivable", "pending_in", "pending_out").Result()
	if err != nil {
		return model.Balance{}, err
	}
	parse := func(v interface{}) uint64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return model.Balance{
		Payable:    parse(vals[0]),
		Receivable: parse(vals[1]),
		PendingIn:  parse(vals[2]),
		PendingOut: parse(vals[3]),
	}, nil
}
