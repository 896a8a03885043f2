package settlement

import (
	"context"
	"strings"
	"time"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/cenkalti/backoff/v4"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

type ReleaseResult struct {
	TransactionId string `json:"transactionId"`
	EscrowTxHash  string `json:"escrowTxHash"`
}

// RetryRelease re-attempts the escrow release of a PAID transaction whose listing is SOLD.
func (o *Orchestrator) RetryRelease(ctx context.Context, transactionId string) (*ReleaseResult, error) {
	if o.escrow == nil {
		return nil, core.InvalidState("Escrow is not configured")
	}
	tx, err := o.loadTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}

	unlock := o.serial.Lock("order:" + tx.OrderId)
	defer unlock()

	// re-read under the order lock; a verification may have just finished
	if tx, err = o.loadTransaction(ctx, tx.Id); err != nil {
		return nil, err
	}
	if tx.Status != core.TransactionStatusPaid {
		return nil, core.InvalidState("Transaction is %s and cannot be released", tx.Status)
	}
	if tx.EscrowTxHash != "" {
		return nil, core.InvalidState("Release %s was already sent and awaits on-chain confirmation", tx.EscrowTxHash)
	}
	listing, err := o.store.GetListingById(ctx, tx.ListingId)
	if err != nil {
		return nil, core.Internal(err, "load listing")
	}
	if listing.Status != core.ListingStatusSold {
		return nil, core.InvalidState("Listing is %s, release needs a SOLD listing", listing.Status)
	}

	buyer := listing.BuyerAddress
	if buyer == "" {
		buyer = tx.BuyerAddress
	}
	hash, err := o.release(ctx, tx, buyer)
	if errors.Is(err, errAlreadySettled) {
		return nil, core.InvalidState("Listing was already settled by another transaction")
	} else if err != nil {
		o.log.Error().Err(err).Str("transactionId", tx.Id).Msg("escrow release retry failed")
		return nil, core.BadGateway(err, "Escrow release failed. Transaction remains PAID.")
	}
	o.ensurePayout(ctx, listing, tx.Id)
	return &ReleaseResult{TransactionId: tx.Id, EscrowTxHash: hash}, nil
}

func (o *Orchestrator) loadTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	tx, err := o.store.GetTransactionById(ctx, strings.TrimSpace(id))
	if errors.Is(err, core.ErrRecordNotFound) {
		return nil, core.NotFound("Transaction not found")
	} else if err != nil {
		return nil, core.Internal(err, "load transaction")
	}
	return tx, nil
}

// pendingReleases lists up to limit PAID transactions a release could still settle, oldest first.
// Rows whose listing is not SOLD, or whose listing another transaction already settled, are
// skipped before the limit applies so they never crowd out releasable ones.
func (o *Orchestrator) pendingReleases(ctx context.Context, limit int) ([]*core.Transaction, error) {
	txs, err := o.store.ListTransactionsByStatus(ctx, core.TransactionStatusPaid, 0)
	if err != nil {
		return nil, err
	}
	sold := make(map[string]bool)
	res := make([]*core.Transaction, 0, limit)
	for _, tx := range txs {
		if limit > 0 && len(res) >= limit {
			break
		}
		if tx.EscrowTxHash != "" {
			continue
		}
		ok, seen := sold[tx.ListingId]
		if !seen {
			listing, err := o.store.GetListingById(ctx, tx.ListingId)
			if err != nil && !errors.Is(err, core.ErrRecordNotFound) {
				return nil, errors.Wrapf(err, "load listing %s", tx.ListingId)
			}
			ok = err == nil && listing.Status == core.ListingStatusSold
			sold[tx.ListingId] = ok
		}
		if !ok {
			continue
		}
		if err := o.checkSoleSettlement(ctx, tx); errors.Is(err, errAlreadySettled) {
			continue
		} else if err != nil {
			return nil, err
		}
		res = append(res, tx)
	}
	return res, nil
}

const (
	DefaultRetryInterval = time.Minute
	DefaultRetryBatch    = 20
	DefaultRetryAttempts = 3
)

// RetryWorker periodically sweeps PAID transactions and retries their release.
type RetryWorker struct {
	clk      clock.Clock
	log      core.Log
	orch     *Orchestrator
	interval time.Duration
	batch    int
	attempts uint64
	policy   func() backoff.BackOff
}

type RetryOption func(w *RetryWorker)

func WithRetryInterval(d time.Duration) RetryOption {
	return func(w *RetryWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithRetryBatch(n int) RetryOption {
	return func(w *RetryWorker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithRetryPolicy replaces the per-transaction back-off between attempts within one sweep.
func WithRetryPolicy(attempts uint64, policy func() backoff.BackOff) RetryOption {
	return func(w *RetryWorker) {
		w.attempts = attempts
		w.policy = policy
	}
}

func NewRetryWorker(clk clock.Clock, log core.Log, orch *Orchestrator, opts ...RetryOption) *RetryWorker {
	w := &RetryWorker{
		clk:      clk,
		log:      log,
		orch:     orch,
		interval: DefaultRetryInterval,
		batch:    DefaultRetryBatch,
		attempts: DefaultRetryAttempts,
		policy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on every tick until ctx is done.
func (w *RetryWorker) Run(ctx context.Context) error {
	if !w.orch.EscrowEnabled() {
		w.log.Info().Msg("escrow disabled, release retry worker idle")
		<-ctx.Done()
		return nil
	}

	ticker := w.clk.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep retries one batch and returns how many transactions were released.
func (w *RetryWorker) Sweep(ctx context.Context) int {
	txs, err := w.orch.pendingReleases(ctx, w.batch)
	if err != nil {
		w.log.Error().Err(err).Msg("list pending releases")
		return 0
	}

	released := 0
	for _, tx := range txs {
		if ctx.Err() != nil {
			break
		}
		id := tx.Id
		op := func() error {
			_, err := w.orch.RetryRelease(ctx, id)
			if err != nil && core.KindOf(err) != core.KindUpstream {
				return backoff.Permanent(err)
			}
			return err
		}
		b := backoff.WithContext(backoff.WithMaxRetries(w.policy(), w.attempts), ctx)
		if err := backoff.Retry(op, b); err != nil {
			w.log.Warn().Err(err).Str("transactionId", id).Msg("release still pending")
			continue
		}
		released++
	}
	if released > 0 {
		w.log.Info().Int("released", released).Int("candidates", len(txs)).Msg("release sweep")
	}
	return released
}
