package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store"
)

const defaultQueueSize = 100

// Job asks the queue to evaluate one account's payable against its
// threshold.
type Job struct {
	Account  *model.Account
	QueuedAt time.Time
}

// Queue processes settlements sequentially in the background so the
// forwarding path never waits on an engine. Payable is decremented
// optimistically when the job is cut; a settlement the engine permanently
// refuses is refunded.
type Queue struct {
	jobs     chan Job
	balances store.Balances
	engine   *EngineClient
	log      *zap.Logger

	// maxRetryTime bounds the backoff before a settlement is abandoned
	// and refunded.
	maxRetryTime time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	pending int
	closed  bool
}

// NewQueue creates a settlement queue with one worker.
func NewQueue(balances store.Balances, engine *EngineClient, log *zap.Logger, bufferSize int) *Queue {
	if bufferSize <= 0 {
		bufferSize = defaultQueueSize
	}
	q := &Queue{
		jobs:         make(chan Job, bufferSize),
		balances:     balances,
		engine:       engine,
		log:          log.Named("settlement"),
		maxRetryTime: 5 * time.Minute,
	}

	q.wg.Add(1)
	go q.worker()

	return q
}

// MaybeSettle enqueues a threshold check for the account. Safe to call on
// every fulfill; below-threshold accounts are a cheap no-op in the worker.
func (q *Queue) MaybeSettle(account *model.Account) {
	if account.SettlementEngineURL == "" || account.SettleThreshold == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending++
	q.mu.Unlock()

	select {
	case q.jobs <- Job{Account: account, QueuedAt: time.Now()}:
	default:
		// Queue full: drop, the next fulfill re-triggers.
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		q.log.Warn("settlement queue full, dropping trigger",
			zap.String("account", account.ID.String()))
	}
}

// Pending returns the number of queued settlements.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// worker processes settlements one at a time.
func (q *Queue) worker() {
	defer q.wg.Done()

	for job := range q.jobs {
		q.process(job)

		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
	}
}

// process cuts the settlement amount atomically, then drives the engine
// call with exponential backoff. The amount was already taken off payable,
// so a success needs no further bookkeeping; permanent failure refunds.
func (q *Queue) process(job Job) {
	acct := job.Account
	amount, err := q.balances.PrepareSettlement(context.Background(), acct.ID, *acct.SettleThreshold, acct.SettleTo)
	if err != nil {
		q.log.Error("reading payable for settlement",
			zap.String("account", acct.ID.String()), zap.Error(err))
		return
	}
	if amount == 0 {
		return
	}

	queueLatency := time.Since(job.QueuedAt)
	idempotencyKey := uuid.NewString()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = q.maxRetryTime
	err = backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return q.engine.SendSettlement(ctx, acct.SettlementEngineURL, acct.ID, amount, acct.AssetScale, idempotencyKey)
	}, bo)

	if err == nil {
		q.log.Info("settlement succeeded",
			zap.String("account", acct.ID.String()),
			zap.Uint64("amount", amount),
			zap.Duration("queue_latency", queueLatency))
		return
	}

	// The engine never accepted: put the value back on payable so the next
	// threshold crossing tries again.
	q.log.Error("settlement abandoned, refunding payable",
		zap.String("account", acct.ID.String()),
		zap.Uint64("amount", amount),
		zap.Error(err))
	if err := q.balances.RefundSettlement(context.Background(), acct.ID, amount); err != nil {
		q.log.Error("refunding settlement, balance dirty",
			zap.String("account", acct.ID.String()),
			zap.Uint64("amount", amount),
			zap.Error(err))
	}
}

// Close drains the queue and stops the worker.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.jobs)
	q.wg.Wait()
}
