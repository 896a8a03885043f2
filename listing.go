package core

import (
	"context"
	"strings"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
)

type (
	ListingStore interface {
		CreateListing(ctx context.Context, listing *Listing) error
		GetListingById(ctx context.Context, id string) (*Listing, error)
		// ListListings filters by status and seller; empty values match everything.
		ListListings(ctx context.Context, status ListingStatus, seller string) ([]*Listing, error)
		// UpdateListingStatus moves the listing from `from` to `to`, returning ErrStaleStatus
		// if the current status is not `from` and ErrIllegalTransition if the move is not allowed.
		UpdateListingStatus(ctx context.Context, id string, from, to ListingStatus, buyerAddress string, updatedAt int64) error
	}

	Listing struct {
		Id string `json:"id"`

		TokenAddress  string          `json:"tokenAddress"`
		TokenSymbol   string          `json:"tokenSymbol"`
		TokenName     string          `json:"tokenName"`
		TokenDecimals int32           `json:"tokenDecimals"`
		TokenAmount   decimal.Decimal `json:"tokenAmount"`

		SellerAddress   string          `json:"sellerAddress"`
		AskingPrice     decimal.Decimal `json:"askingPriceINR"`
		MarketPrice     decimal.Decimal `json:"marketPriceINR"`
		DiscountPercent decimal.Decimal `json:"discountPercent"`

		Status       ListingStatus `json:"status"`
		CreatedAt    int64         `json:"createdAt"`
		UpdatedAt    int64         `json:"updatedAt"`
		TxHash       string        `json:"txHash,omitempty"`
		BuyerAddress string        `json:"buyerAddress,omitempty"`
	}

	TokenIdentity struct {
		Address  string `json:"tokenAddress"`
		Symbol   string `json:"tokenSymbol"`
		Name     string `json:"tokenName"`
		Decimals int32  `json:"tokenDecimals"`
	}
)

type ListingStatus string

const (
	ListingStatusOpen      ListingStatus = "OPEN"
	ListingStatusSold      ListingStatus = "SOLD"
	ListingStatusCancelled ListingStatus = "CANCELLED"
)

func (s ListingStatus) String() string {
	switch s {
	case ListingStatusOpen, ListingStatusSold, ListingStatusCancelled:
		return string(s)
	default:
		return "UNKNOWN"
	}
}

func (s ListingStatus) Valid() bool {
	return s.String() != "UNKNOWN"
}

// CanTransition reports whether s may move to next. OPEN is the only non-terminal state.
func (s ListingStatus) CanTransition(next ListingStatus) bool {
	if s != ListingStatusOpen {
		return false
	}
	return next == ListingStatusSold || next == ListingStatusCancelled
}

func NewListing(clk clock.Clock, id string, token TokenIdentity, amount decimal.Decimal, seller string, askingPrice, marketPrice decimal.Decimal, txHash string) *Listing {
	now := clk.Now().Unix()
	return &Listing{
		Id:              id,
		TokenAddress:    token.Address,
		TokenSymbol:     token.Symbol,
		TokenName:       token.Name,
		TokenDecimals:   token.Decimals,
		TokenAmount:     amount,
		SellerAddress:   seller,
		AskingPrice:     askingPrice,
		MarketPrice:     marketPrice,
		DiscountPercent: CalcDiscountPercent(askingPrice, marketPrice),
		Status:          ListingStatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
		TxHash:          txHash,
	}
}

// CalcDiscountPercent is (market - asking) / market * 100 rounded to one decimal place.
func CalcDiscountPercent(askingPrice, marketPrice decimal.Decimal) decimal.Decimal {
	if !marketPrice.IsPositive() || askingPrice.GreaterThanOrEqual(marketPrice) {
		return decimal.Zero
	}
	return marketPrice.Sub(askingPrice).Div(marketPrice).Mul(HUNDRED).Round(DISCOUNT_PRECISION)
}

func (l *Listing) IsOpen() bool {
	return l.Status == ListingStatusOpen
}

func (l *Listing) IsSeller(address string) bool {
	return SameAddress(l.SellerAddress, address)
}

// PayableMinorUnits is the asking price in gateway subunits.
func (l *Listing) PayableMinorUnits() int64 {
	return ToMinorUnits(l.AskingPrice)
}

// SameAddress compares two account addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
