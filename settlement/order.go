package settlement

import (
	"context"
	"fmt"
	"strings"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/pkg/errors"
)

type OrderResult struct {
	OrderId       string `json:"orderId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	TransactionId string `json:"transactionId"`
	KeyId         string `json:"razorpayKeyId"`
}

// CreateOrder reserves the listing for buyerAddress and opens a gateway order for its asking
// price. The reservation stays held until the payment is verified or fails.
func (o *Orchestrator) CreateOrder(ctx context.Context, listingId, buyerAddress string) (*OrderResult, error) {
	res, err := o.createOrder(ctx, strings.TrimSpace(listingId), strings.TrimSpace(buyerAddress))
	if err != nil {
		o.metrics.order(core.CodeOf(err))
		return nil, err
	}
	o.metrics.order("created")
	return res, nil
}

func (o *Orchestrator) createOrder(ctx context.Context, listingId, buyerAddress string) (*OrderResult, error) {
	if listingId == "" || buyerAddress == "" {
		return nil, core.InvalidRequest("listingId and buyerAddress are required")
	}

	listing, err := o.openListing(ctx, listingId)
	if err != nil {
		return nil, err
	}

	ok, err := o.lock.Acquire(ctx, listingId)
	if err != nil {
		return nil, core.Internal(err, "acquire purchase lock")
	}
	if !ok {
		return nil, core.Conflict("Another buyer is currently processing this listing. Please try again shortly.")
	}

	// a cancel may have landed between the first read and the reservation
	listing, err = o.openListing(ctx, listingId)
	if err != nil {
		o.releaseLock(ctx, listingId)
		return nil, err
	}

	amount := listing.PayableMinorUnits()
	req := &core.OrderRequest{
		Amount:   amount,
		Currency: o.currency,
		Receipt:  fmt.Sprintf("%s%s_%d", core.RECEIPT_PREFIX, listing.Id, o.clk.Now().UnixMilli()),
		Notes: map[string]string{
			"listingId":    listing.Id,
			"buyerAddress": buyerAddress,
			"tokenSymbol":  listing.TokenSymbol,
			"tokenAmount":  listing.TokenAmount.String(),
		},
	}

	gctx, cancel := context.WithTimeout(ctx, o.gatewayTimeout)
	order, err := o.gateway.CreateOrder(gctx, req)
	cancel()
	if err != nil {
		o.releaseLock(ctx, listingId)
		o.log.Error().Err(err).Str("listingId", listingId).Int64("amount", amount).Msg("gateway order creation failed")
		if errors.Is(err, core.ErrGatewayUnauthorized) {
			return nil, core.GatewayAuth(err, "Payment gateway authentication failed. Verify the gateway key id and secret.")
		}
		return nil, core.BadGateway(err, "Failed to create payment order. Please try again.")
	}

	tx := core.NewTransaction(o.clk, listing, buyerAddress, order.Id)
	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		o.releaseLock(ctx, listingId)
		return nil, core.Internal(err, "record transaction")
	}

	o.log.Info().
		Str("listingId", listingId).
		Str("orderId", order.Id).
		Str("transactionId", tx.Id).
		Int64("amount", amount).
		Msg("order created")

	return &OrderResult{
		OrderId:       order.Id,
		Amount:        amount,
		Currency:      o.currency,
		TransactionId: tx.Id,
		KeyId:         o.keyId,
	}, nil
}

func (o *Orchestrator) openListing(ctx context.Context, listingId string) (*core.Listing, error) {
	listing, err := o.store.GetListingById(ctx, listingId)
	if errors.Is(err, core.ErrRecordNotFound) {
		return nil, core.NotFound("Listing not found")
	} else if err != nil {
		return nil, core.Internal(err, "load listing")
	}
	if !listing.IsOpen() {
		return nil, core.InvalidState("Listing is no longer available")
	}
	return listing, nil
}

func (o *Orchestrator) releaseLock(ctx context.Context, listingId string) {
	// the caller's deadline may already be spent; the seat must still be freed
	if err := o.lock.Release(context.WithoutCancel(ctx), listingId); err != nil {
		o.log.Error().Err(err).Str("listingId", listingId).Msg("release purchase lock")
	}
}
