package settlement

import (
	"context"
	"strings"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const maxTokenDecimals = 36

type ListingInput struct {
	TokenAddress  string          `json:"tokenAddress"`
	TokenSymbol   string          `json:"tokenSymbol"`
	TokenName     string          `json:"tokenName"`
	TokenDecimals int32           `json:"tokenDecimals"`
	TokenAmount   decimal.Decimal `json:"tokenAmount"`
	SellerAddress string          `json:"sellerAddress"`
	AskingPrice   decimal.Decimal `json:"askingPriceINR"`
	MarketPrice   decimal.Decimal `json:"marketPriceINR"`
	TxHash        string          `json:"txHash"`
}

func (in *ListingInput) validate() error {
	switch {
	case strings.TrimSpace(in.TokenAddress) == "" || strings.TrimSpace(in.TokenSymbol) == "":
		return core.InvalidRequest("tokenAddress and tokenSymbol are required")
	case strings.TrimSpace(in.SellerAddress) == "":
		return core.InvalidRequest("sellerAddress is required")
	case in.TokenDecimals < 0 || in.TokenDecimals > maxTokenDecimals:
		return core.InvalidRequest("tokenDecimals must be between 0 and %d", maxTokenDecimals)
	case !in.TokenAmount.IsPositive():
		return core.InvalidRequest("tokenAmount must be positive")
	case !in.AskingPrice.IsPositive() || !in.MarketPrice.IsPositive():
		return core.InvalidRequest("askingPriceINR and marketPriceINR must be positive")
	}
	return nil
}

func (o *Orchestrator) CreateListing(ctx context.Context, in ListingInput) (*core.Listing, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	token := core.TokenIdentity{
		Address:  strings.TrimSpace(in.TokenAddress),
		Symbol:   strings.TrimSpace(in.TokenSymbol),
		Name:     strings.TrimSpace(in.TokenName),
		Decimals: in.TokenDecimals,
	}
	listing := core.NewListing(o.clk, o.ids.Next(), token, in.TokenAmount, strings.TrimSpace(in.SellerAddress), in.AskingPrice, in.MarketPrice, strings.TrimSpace(in.TxHash))
	if err := o.store.CreateListing(ctx, listing); err != nil {
		return nil, core.Internal(err, "create listing")
	}
	o.log.Info().Str("listingId", listing.Id).Str("seller", listing.SellerAddress).Msg("listing created")
	return listing, nil
}

func (o *Orchestrator) GetListing(ctx context.Context, id string) (*core.Listing, error) {
	listing, err := o.store.GetListingById(ctx, strings.TrimSpace(id))
	if errors.Is(err, core.ErrRecordNotFound) {
		return nil, core.NotFound("Listing not found")
	} else if err != nil {
		return nil, core.Internal(err, "load listing")
	}
	return listing, nil
}

// ListListings filters by status and seller. An empty status lists every listing.
func (o *Orchestrator) ListListings(ctx context.Context, status, seller string) ([]*core.Listing, error) {
	st := core.ListingStatus(strings.ToUpper(strings.TrimSpace(status)))
	if st != "" && !st.Valid() {
		return nil, core.InvalidRequest("unknown listing status %q", status)
	}
	listings, err := o.store.ListListings(ctx, st, strings.TrimSpace(seller))
	if err != nil {
		return nil, core.Internal(err, "list listings")
	}
	return listings, nil
}

// CancelListing withdraws an OPEN listing. It never touches transactions or the purchase lock.
func (o *Orchestrator) CancelListing(ctx context.Context, id, sellerAddress string) (*core.Listing, error) {
	listing, err := o.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if sellerAddress != "" && !listing.IsSeller(sellerAddress) {
		return nil, core.InvalidRequest("Only the seller can cancel this listing")
	}
	if !listing.IsOpen() {
		return nil, core.InvalidState("Listing is %s and cannot be cancelled", listing.Status)
	}

	now := o.now()
	err = o.store.UpdateListingStatus(ctx, listing.Id, core.ListingStatusOpen, core.ListingStatusCancelled, "", now)
	if errors.Is(err, core.ErrStaleStatus) {
		return nil, core.InvalidState("Listing is no longer open")
	} else if err != nil {
		return nil, core.Internal(err, "cancel listing")
	}
	listing.Status = core.ListingStatusCancelled
	listing.UpdatedAt = now
	o.log.Info().Str("listingId", listing.Id).Msg("listing cancelled")
	return listing, nil
}

// ListTransactions returns every transaction where address is buyer or seller.
func (o *Orchestrator) ListTransactions(ctx context.Context, address string) ([]*core.Transaction, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, core.InvalidRequest("address is required")
	}
	txs, err := o.store.ListTransactionsByAddress(ctx, address)
	if err != nil {
		return nil, core.Internal(err, "list transactions")
	}
	return txs, nil
}

func (o *Orchestrator) ListPayouts(ctx context.Context, seller string) ([]*core.Payout, error) {
	seller = strings.TrimSpace(seller)
	if seller == "" {
		return nil, core.InvalidRequest("seller is required")
	}
	payouts, err := o.store.ListPayoutsBySeller(ctx, seller)
	if err != nil {
		return nil, core.Internal(err, "list payouts")
	}
	return payouts, nil
}
