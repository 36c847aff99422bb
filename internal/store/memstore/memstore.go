// Package memstore is an in-memory store.Store used by tests and by the
// connector's development mode. Semantics mirror the Redis implementation;
// a plain mutex stands in for script atomicity.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store"
)

// Store implements store.Store on maps.
type Store struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*model.Account
	tokens   map[string]uuid.UUID
	balances map[uuid.UUID]model.Balance
	current  map[string]uuid.UUID
	static   map[string]uuid.UUID
	rates    map[string]decimal.Decimal
}

// New builds an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[uuid.UUID]*model.Account),
		tokens:   make(map[string]uuid.UUID),
		balances: make(map[uuid.UUID]model.Balance),
		current:  make(map[string]uuid.UUID),
		static:   make(map[string]uuid.UUID),
		rates:    make(map[string]decimal.Decimal),
	}
}

func (s *Store) Accounts() store.Accounts { return (*accountsRepo)(s) }
func (s *Store) Balances() store.Balances { return (*balancesRepo)(s) }
func (s *Store) Routes() store.Routes     { return (*routesRepo)(s) }
func (s *Store) Rates() store.Rates       { return (*ratesRepo)(s) }

type accountsRepo Store

func (r *accountsRepo) Upsert(ctx context.Context, acct *model.Account, incomingToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, exists := r.accounts[acct.ID]
	if acct.Generation == 0 {
		acct.Generation = 1
	}
	if exists && stored.Generation+1 != acct.Generation {
		return store.ErrStaleGeneration
	}
	if !exists && acct.Generation > 1 {
		return store.ErrStaleGeneration
	}
	cp := *acct
	r.accounts[acct.ID] = &cp
	if incomingToken != "" {
		r.tokens[incomingToken] = acct.ID
	}
	return nil
}

func (r *accountsRepo) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (r *accountsRepo) GetByToken(ctx context.Context, token string) (*model.Account, error) {
	r.mu.Lock()
	id, ok := r.tokens[token]
	r.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *accountsRepo) List(ctx context.Context) ([]*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		cp := *acct
		out = append(out, &cp)
	}
	return out, nil
}

func (r *accountsRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.accounts, id)
	delete(r.balances, id)
	for token, owner := range r.tokens {
		if owner == id {
			delete(r.tokens, token)
		}
	}
	return nil
}

type balancesRepo Store

func (r *balancesRepo) PrepareIncoming(ctx context.Context, id uuid.UUID, amount uint64, maxBalance *uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[id]
	if maxBalance != nil && b.Receivable+b.PendingIn+amount > *maxBalance {
		return store.ErrExceedsLimit
	}
	b.PendingIn += amount
	r.balances[id] = b
	return nil
}

func (r *balancesRepo) FulfillIncoming(ctx context.Context, id uuid.UUID, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[id]
	b.PendingIn -= min(b.PendingIn, amount)
	b.Receivable += amount
	r.balances[id] = b
	return nil
}

func (r *balancesRepo) RejectIncoming(ctx context.Context, id uuid.UUID, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[id]
	b.PendingIn -= min(b.PendingIn, amount)
	r.balances[id] = b
	return nil
}

func (r *balancesRepo) PrepareOutgoing(ctx context.Context, id uuid.UUID, amount uint64, maxOwed *uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[id]
	if maxOwed != nil && b.Payable+b.PendingOut+amount > *maxOwed {
		return store.ErrExceedsLimit
	}
	b.PendingOut += amount
	r.balances[id] = b
	return nil
}

func (r *balancesRepo) FulfillOutgoing(ctx context.Context, id uuid.UUID, amount uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[id]
	b.PendingOut -= min(b.PendingOut, amount)
	b.Payable += amount
	r.balances[id] = b
	return b.Payable, nil
}

func (r *balancesRepo) RejectOutgoing(ctx context.Context, id uuid.UUID, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[id]
	b.PendingOut -= min(b.PendingOut, amount)
	r.balances[id] = b
	return nil
}

func (r *balancesRepo) PrepareSettlement(ctx context.Context, id uuid.UUID, threshold, settleTo uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[id]
	if b.Payable < threshold || b.Payable <= settleTo {
		return 0, nil
	}
	amount := b.Payable - settleTo
	b.Payable -= amount
	r.balances[id] = b
	return amount, nil
}

func (r *balancesRepo) RefundSettlement(ctx context.Context, id uuid.UUID, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[id]
	b.Payable += amount
	r.balances[id] = b
	return nil
}

func (r *balancesRepo) ReceiveSettlement(ctx context.Context, id uuid.UUID, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[id]
	b.Receivable -= min(b.Receivable, amount)
	r.balances[id] = b
	return nil
}

func (r *balancesRepo) Get(ctx context.Context, id uuid.UUID) (model.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[id], nil
}

type routesRepo Store

func (r *routesRepo) SaveCurrent(ctx context.Context, routes map[string]uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = make(map[string]uuid.UUID, len(routes))
	for prefix, id := range routes {
		r.current[prefix] = id
	}
	return nil
}

func (r *routesRepo) LoadCurrent(ctx context.Context) (map[string]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uuid.UUID, len(r.current))
	for prefix, id := range r.current {
		out[prefix] = id
	}
	return out, nil
}

func (r *routesRepo) SetStatic(ctx context.Context, prefix string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static[prefix] = id
	return nil
}

func (r *routesRepo) LoadStatic(ctx context.Context) (map[string]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uuid.UUID, len(r.static))
	for prefix, id := range r.static {
		out[prefix] = id
	}
	return out, nil
}

type ratesRepo Store

func (r *ratesRepo) SetRate(ctx context.Context, code string, rate decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[code] = rate
	return nil
}

func (r *ratesRepo) GetRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(r.rates))
	for code, rate := range r.rates {
		out[code] = rate
	}
	return out, nil
}
