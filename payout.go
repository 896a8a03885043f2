package core

import (
	"context"

	"github.com/DomeLiquid/escrowmarket/utils"
	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
)

type (
	PayoutStore interface {
		// CreatePayout fails with ErrDuplicateRecord when a payout already exists for the transaction.
		CreatePayout(ctx context.Context, payout *Payout) error
		GetPayoutByTransactionId(ctx context.Context, transactionId string) (*Payout, error)
		ListPayoutsBySeller(ctx context.Context, sellerAddress string) ([]*Payout, error)
		UpdatePayoutStatus(ctx context.Context, id string, status PayoutStatus) error
	}

	Payout struct {
		Id            string          `json:"id"`
		SellerAddress string          `json:"sellerAddress"`
		Amount        decimal.Decimal `json:"amountINR"`
		Status        PayoutStatus    `json:"status"`
		TransactionId string          `json:"transactionId"`
		CreatedAt     int64           `json:"createdAt"`
	}

	PayoutStatus string
)

const (
	PayoutStatusPending    PayoutStatus = "PENDING"
	PayoutStatusProcessing PayoutStatus = "PROCESSING"
	PayoutStatusCompleted  PayoutStatus = "COMPLETED"
)

// NewPayout derives the payout id from the transaction id so a replayed settlement
// produces the same row rather than a second one.
func NewPayout(clk clock.Clock, listing *Listing, transactionId string) *Payout {
	return &Payout{
		Id:            utils.GenUuidFromStrings("payout", transactionId),
		SellerAddress: listing.SellerAddress,
		Amount:        listing.AskingPrice,
		Status:        PayoutStatusPending,
		TransactionId: transactionId,
		CreatedAt:     clk.Now().Unix(),
	}
}
