// Package redisstore backs the connector store with Redis. Every balance
// mutation is one atomic Redis call (a Lua script wherever a precondition
// applies), so the four-counter update and its precondition are a single
// atomic round trip.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store"
)

const (
	accountKeyPrefix = "accounts:"
	accountIndexKey  = "accounts:index"
	tokenKeyPrefix   = "tokens:"
	balanceKeyPrefix = "balances:"
	routesCurrentKey = "routes:current"
	routesStaticKey  = "routes:static"
	ratesKey         = "rates"
)

// Store implements store.Store on a Redis client.
type Store struct {
	client   *redis.Client
	crypto   *tokenCrypto
	accounts *accountsRepo
	balances *balancesRepo
	routes   *routesRepo
	rates    *ratesRepo
}

// New builds the store. secretSeed feeds the token-index HMAC and the
// at-rest token encryption key.
func New(client *redis.Client, secretSeed []byte) *Store {
	crypto := newTokenCrypto(secretSeed)
	s := &Store{client: client, crypto: crypto}
	s.accounts = &accountsRepo{client: client, crypto: crypto}
	s.balances = newBalancesRepo(client)
	s.routes = &routesRepo{client: client}
	s.rates = &ratesRepo{client: client}
	return s
}

func (s *Store) Accounts() store.Accounts { return s.accounts }
func (s *Store) Balances() store.Balances { return s.balances }
func (s *Store) Routes() store.Routes     { return s.routes }
func (s *Store) Rates() store.Rates       { return s.rates }

type accountsRepo struct {
	client *redis.Client
	crypto *tokenCrypto
}

// accountRecord is the stored shape; the outgoing token travels encrypted.
type accountRecord struct {
	model.Account
	OutgoingTokenEnc string `json:"outgoing_token_enc,omitempty"`
	IncomingTokenKey string `json:"incoming_token_key,omitempty"`
}

// upsertScript enforces the generation fence: a write must carry exactly
// stored generation + 1.
var upsertScript = redis.NewScript(`
	local key = KEYS[1]
	local new_gen = tonumber(ARGV[2])
	local stored = redis.call("HGET", key, "generation")
	if stored and tonumber(stored) + 1 ~= new_gen then
		return 0
	end
	if not stored and new_gen > 1 then
		return 0
	end
	redis.call("HSET", key, "record", ARGV[1], "generation", new_gen)
	return 1
`)

func (r *accountsRepo) Upsert(ctx context.Context, acct *model.Account, incomingToken string) error {
	rec := accountRecord{Account: *acct}
	if acct.OutgoingToken != "" {
		enc, err := r.crypto.encrypt(acct.OutgoingToken)
		if err != nil {
			return fmt.Errorf("redisstore: encrypt outgoing token: %w", err)
		}
		rec.OutgoingTokenEnc = enc
	}
	if incomingToken != "" {
		rec.IncomingTokenKey = r.crypto.tokenIndexKey(incomingToken)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if acct.Generation == 0 {
		acct.Generation = 1
		rec.Generation = 1
		raw, _ = json.Marshal(rec)
	}
	ok, err := upsertScript.Run(ctx, r.client,
		[]string{accountKeyPrefix + acct.ID.String()},
		raw, acct.Generation).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return store.ErrStaleGeneration
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, accountIndexKey, acct.ID.String())
	if rec.IncomingTokenKey != "" {
		pipe.Set(ctx, tokenKeyPrefix+rec.IncomingTokenKey, acct.ID.String(), 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *accountsRepo) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	raw, err := r.client.HGet(ctx, accountKeyPrefix+id.String(), "record").Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.decode([]byte(raw))
}

func (r *accountsRepo) GetByToken(ctx context.Context, token string) (*model.Account, error) {
	idStr, err := r.client.Get(ctx, tokenKeyPrefix+r.crypto.tokenIndexKey(token)).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("redisstore: corrupt token index: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *accountsRepo) List(ctx context.Context) ([]*model.Account, error) {
	ids, err := r.client.SMembers(ctx, accountIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Account, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		acct, err := r.Get(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

func (r *accountsRepo) Delete(ctx context.Context, id uuid.UUID) error {
	raw, err := r.client.HGet(ctx, accountKeyPrefix+id.String(), "record").Result()
	if err == redis.Nil {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	var rec accountRecord
	_ = json.Unmarshal([]byte(raw), &rec)

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, accountKeyPrefix+id.String())
	pipe.Del(ctx, balanceKeyPrefix+id.String())
	pipe.SRem(ctx, accountIndexKey, id.String())
	if rec.IncomingTokenKey != "" {
		pipe.Del(ctx, tokenKeyPrefix+rec.IncomingTokenKey)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *accountsRepo) decode(raw []byte) (*model.Account, error) {
	var rec accountRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	acct := rec.Account
	if rec.OutgoingTokenEnc != "" {
		token, err := r.crypto.decrypt(rec.OutgoingTokenEnc)
		if err != nil {
			return nil, fmt.Errorf("redisstore: decrypt outgoing token: %w", err)
		}
		acct.OutgoingToken = token
	}
	return &acct, nil
}

type routesRepo struct {
	client *redis.Client
}

func (r *routesRepo) SaveCurrent(ctx context.Context, routes map[string]uuid.UUID) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, routesCurrentKey)
	if len(routes) > 0 {
		fields := make(map[string]interface{}, len(routes))
		for prefix, id := range routes {
			fields[prefix] = id.String()
		}
		pipe.HSet(ctx, routesCurrentKey, fields)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *routesRepo) LoadCurrent(ctx context.Context) (map[string]uuid.UUID, error) {
	return r.load(ctx, routesCurrentKey)
}

func (r *routesRepo) SetStatic(ctx context.Context, prefix string, id uuid.UUID) error {
	return r.client.HSet(ctx, routesStaticKey, prefix, id.String()).Err()
}

func (r *routesRepo) LoadStatic(ctx context.Context) (map[string]uuid.UUID, error) {
	return r.load(ctx, routesStaticKey)
}

func (r *routesRepo) load(ctx context.Context, key string) (map[string]uuid.UUID, error) {
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uuid.UUID, len(raw))
	for prefix, idStr := range raw {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		out[prefix] = id
	}
	return out, nil
}

type ratesRepo struct {
	client *redis.Client
}

func (r *ratesRepo) SetRate(ctx context.Context, code string, rate decimal.Decimal) error {
	return r.client.HSet(ctx, ratesKey, code, rate.String()).Err()
}

func (r *ratesRepo) GetRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw, err := r.client.HGetAll(ctx, ratesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for code, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		out[code] = d
	}
	return out, nil
}
