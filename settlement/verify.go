package settlement

import (
	"context"
	"strings"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/pkg/errors"
)

var errAlreadySettled = errors.New("listing already settled by another transaction")

type VerifyRequest struct {
	OrderId      string `json:"razorpay_order_id"`
	PaymentId    string `json:"razorpay_payment_id"`
	Signature    string `json:"razorpay_signature"`
	ListingId    string `json:"listingId"`
	BuyerAddress string `json:"buyerAddress"`
}

func (r *VerifyRequest) normalize() {
	r.OrderId = strings.TrimSpace(r.OrderId)
	r.PaymentId = strings.TrimSpace(r.PaymentId)
	r.Signature = strings.TrimSpace(r.Signature)
	r.ListingId = strings.TrimSpace(r.ListingId)
	r.BuyerAddress = strings.TrimSpace(r.BuyerAddress)
}

type VerifyResult struct {
	Success       bool    `json:"success"`
	Message       string  `json:"message"`
	EscrowTxHash  *string `json:"escrowTxHash"`
	TransactionId string  `json:"transactionId"`
}

func newVerifyResult(tx *core.Transaction, message string) *VerifyResult {
	res := &VerifyResult{Success: true, Message: message, TransactionId: tx.Id}
	if tx.EscrowTxHash != "" {
		hash := tx.EscrowTxHash
		res.EscrowTxHash = &hash
	}
	return res
}

// VerifyPayment settles a checkout once the gateway confirms payment. Calls for an order that
// is already PAID or RELEASED succeed without touching any state.
func (o *Orchestrator) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	req.normalize()
	res, result, err := o.verifyPayment(ctx, &req)
	if err != nil {
		o.metrics.verification(core.CodeOf(err))
		return nil, err
	}
	o.metrics.verification(result)
	return res, nil
}

func (o *Orchestrator) verifyPayment(ctx context.Context, req *VerifyRequest) (*VerifyResult, string, error) {
	if req.OrderId == "" || req.PaymentId == "" || req.Signature == "" || req.ListingId == "" || req.BuyerAddress == "" {
		return nil, "", core.InvalidRequest("Missing required fields")
	}

	unlock := o.serial.Lock("order:" + req.OrderId)
	defer unlock()

	tx, err := o.store.GetTransactionByOrderId(ctx, req.OrderId)
	if errors.Is(err, core.ErrRecordNotFound) {
		return nil, "", core.NotFound("Transaction not found for this order")
	} else if err != nil {
		return nil, "", core.Internal(err, "load transaction")
	}

	switch tx.Status {
	case core.TransactionStatusPaid, core.TransactionStatusReleased:
		return newVerifyResult(tx, msgReplay), "replay", nil
	case core.TransactionStatusReleasing:
		return nil, "", core.Conflict("Payment is already being settled")
	case core.TransactionStatusFailed:
		return nil, "", core.InvalidState("Transaction has already failed")
	}

	if tx.ListingId != req.ListingId {
		return nil, "", core.InvalidRequest("Listing ID mismatch")
	}

	if !o.verifier.Verify(req.OrderId, req.PaymentId, req.Signature) {
		return nil, "", o.rejectForgery(ctx, tx, req)
	}

	listing, err := o.store.GetListingById(ctx, tx.ListingId)
	if err != nil {
		return nil, "", core.Internal(err, "load listing")
	}

	paid := core.TransactionUpdate{Status: core.TransactionStatusPaid, PaymentId: req.PaymentId}
	if err := o.store.AdvanceTransaction(ctx, tx.Id, core.TransactionStatusPending, paid); err != nil {
		if errors.Is(err, core.ErrStaleStatus) {
			return nil, "", core.Conflict("Payment is already being settled")
		}
		return nil, "", core.Internal(err, "mark transaction paid")
	}
	tx.Apply(paid)

	hash, err := o.release(ctx, tx, req.BuyerAddress)
	duplicate := errors.Is(err, errAlreadySettled)
	if err != nil {
		o.log.Error().Err(err).
			Str("transactionId", tx.Id).
			Str("listingId", tx.ListingId).
			Msg("escrow release deferred, transaction left PAID")
	}

	if !duplicate {
		o.markSold(ctx, listing, req.BuyerAddress)
	}
	o.releaseLock(ctx, tx.ListingId)
	if !duplicate {
		o.ensurePayout(ctx, listing, tx.Id)
	}

	if hash != "" {
		return newVerifyResult(tx, msgReleased), "released", nil
	}
	return newVerifyResult(tx, msgPending), "pending", nil
}

// rejectForgery fails the transaction and frees the seat so another buyer can check out.
func (o *Orchestrator) rejectForgery(ctx context.Context, tx *core.Transaction, req *VerifyRequest) error {
	o.log.Error().
		Str("transactionId", tx.Id).
		Str("orderId", req.OrderId).
		Str("paymentId", req.PaymentId).
		Str("listingId", tx.ListingId).
		Str("buyerAddress", req.BuyerAddress).
		Str("signaturePrefix", prefix(req.Signature, 8)).
		Msg("payment signature mismatch")

	failed := core.TransactionUpdate{Status: core.TransactionStatusFailed, PaymentId: req.PaymentId}
	if err := o.store.AdvanceTransaction(ctx, tx.Id, core.TransactionStatusPending, failed); err != nil {
		o.log.Error().Err(err).Str("transactionId", tx.Id).Msg("mark transaction failed")
	}
	o.releaseLock(ctx, tx.ListingId)
	return core.InvalidSignature("Invalid payment signature. Potential tampering detected.")
}

// release moves a PAID transaction to RELEASED. With escrow configured it goes through RELEASING
// and falls back to PAID on any failure; without it the no-op path settles with no hash.
func (o *Orchestrator) release(ctx context.Context, tx *core.Transaction, buyerAddress string) (string, error) {
	unlock := o.serial.Lock("listing:" + tx.ListingId)
	defer unlock()

	if err := o.checkSoleSettlement(ctx, tx); err != nil {
		return "", err
	}

	if o.escrow == nil {
		done := core.TransactionUpdate{Status: core.TransactionStatusReleased}
		if err := o.store.AdvanceTransaction(ctx, tx.Id, core.TransactionStatusPaid, done); err != nil {
			return "", errors.Wrap(err, "mark released")
		}
		tx.Apply(done)
		o.log.Warn().Str("transactionId", tx.Id).Msg("no escrow configured, released without on-chain transfer")
		return "", nil
	}

	releasing := core.TransactionUpdate{Status: core.TransactionStatusReleasing}
	if err := o.store.AdvanceTransaction(ctx, tx.Id, core.TransactionStatusPaid, releasing); err != nil {
		return "", errors.Wrap(err, "mark releasing")
	}
	tx.Apply(releasing)

	start := o.clk.Now()
	ectx, cancel := context.WithTimeout(ctx, o.escrowTimeout)
	hash, err := o.escrow.Release(ectx, tx.ListingId, buyerAddress)
	cancel()
	if err == nil && hash == "" {
		err = errors.New("escrow returned no transaction hash")
	}
	if err != nil {
		o.metrics.release("failure", o.clk.Now().Sub(start))
		if hash != "" {
			// broadcast but unconfirmed; the hash pins the row so no retry sends a second release
			o.log.Error().Err(err).
				Str("transactionId", tx.Id).
				Str("escrowTxHash", hash).
				Msg("escrow release sent but not confirmed")
		}
		o.revertToPaid(ctx, tx, hash)
		return "", errors.Wrap(err, "escrow release")
	}
	o.metrics.release("success", o.clk.Now().Sub(start))

	done := core.TransactionUpdate{Status: core.TransactionStatusReleased, EscrowTxHash: hash}
	if err := o.store.AdvanceTransaction(context.WithoutCancel(ctx), tx.Id, core.TransactionStatusReleasing, done); err != nil {
		// tokens moved on-chain; keep the hash in the log so the row can be repaired
		o.log.Error().Err(err).Str("transactionId", tx.Id).Str("escrowTxHash", hash).Msg("record release")
		return "", errors.Wrap(err, "mark released")
	}
	tx.Apply(done)
	o.log.Info().Str("transactionId", tx.Id).Str("escrowTxHash", hash).Msg("escrow released")
	return hash, nil
}

func (o *Orchestrator) revertToPaid(ctx context.Context, tx *core.Transaction, sentHash string) {
	paid := core.TransactionUpdate{Status: core.TransactionStatusPaid, EscrowTxHash: sentHash}
	if err := o.store.AdvanceTransaction(context.WithoutCancel(ctx), tx.Id, core.TransactionStatusReleasing, paid); err != nil {
		o.log.Error().Err(err).Str("transactionId", tx.Id).Msg("revert transaction to PAID")
		return
	}
	tx.Apply(paid)
}

// checkSoleSettlement refuses to release when another transaction of the same listing
// already reached RELEASING or RELEASED.
func (o *Orchestrator) checkSoleSettlement(ctx context.Context, tx *core.Transaction) error {
	siblings, err := o.store.ListTransactionsByListing(ctx, tx.ListingId)
	if err != nil {
		return errors.Wrap(err, "list listing transactions")
	}
	for _, s := range siblings {
		if s.Id == tx.Id {
			continue
		}
		if s.Status == core.TransactionStatusReleasing || s.Status == core.TransactionStatusReleased {
			return errors.Wrapf(errAlreadySettled, "transaction %s", s.Id)
		}
	}
	return nil
}

func (o *Orchestrator) markSold(ctx context.Context, listing *core.Listing, buyerAddress string) {
	err := o.store.UpdateListingStatus(ctx, listing.Id, core.ListingStatusOpen, core.ListingStatusSold, buyerAddress, o.now())
	if err != nil {
		o.log.Error().Err(err).Str("listingId", listing.Id).Msg("mark listing sold")
	}
}

// ensurePayout records the seller payout once per transaction.
func (o *Orchestrator) ensurePayout(ctx context.Context, listing *core.Listing, transactionId string) {
	payout := core.NewPayout(o.clk, listing, transactionId)
	err := o.store.CreatePayout(ctx, payout)
	if err != nil && !errors.Is(err, core.ErrDuplicateRecord) {
		o.log.Error().Err(err).Str("transactionId", transactionId).Msg("create payout")
	}
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
