package core

import (
	"context"
	"encoding/json"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type (
	TransactionStore interface {
		// CreateTransaction fails with ErrDuplicateRecord when the gateway order id is already taken.
		CreateTransaction(ctx context.Context, tx *Transaction) error
		GetTransactionById(ctx context.Context, id string) (*Transaction, error)
		GetTransactionByOrderId(ctx context.Context, orderId string) (*Transaction, error)
		ListTransactionsByAddress(ctx context.Context, address string) ([]*Transaction, error)
		ListTransactionsByListing(ctx context.Context, listingId string) ([]*Transaction, error)
		ListTransactionsByStatus(ctx context.Context, status TransactionStatus, limit int) ([]*Transaction, error)
		// AdvanceTransaction applies update iff the current status equals from, else ErrStaleStatus.
		// Moves CanAdvance rejects fail with ErrIllegalTransition.
		AdvanceTransaction(ctx context.Context, id string, from TransactionStatus, update TransactionUpdate) error
	}

	Transaction struct {
		Id            string            `json:"id"`
		ListingId     string            `json:"listingId"`
		BuyerAddress  string            `json:"buyerAddress"`
		SellerAddress string            `json:"sellerAddress"`
		TokenSymbol   string            `json:"tokenSymbol"`
		TokenAmount   decimal.Decimal   `json:"tokenAmount"`
		Amount        decimal.Decimal   `json:"amountINR"`
		OrderId       string            `json:"razorpayOrderId"`
		PaymentId     string            `json:"razorpayPaymentId"`
		EscrowTxHash  string            `json:"escrowTxHash"`
		Status        TransactionStatus `json:"status"`
		CreatedAt     int64             `json:"createdAt"`
	}

	// TransactionUpdate is a single atomic row change. Empty optional fields leave the stored value untouched.
	TransactionUpdate struct {
		Status       TransactionStatus
		PaymentId    string
		EscrowTxHash string
	}
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusPaid      TransactionStatus = "PAID"
	TransactionStatusReleasing TransactionStatus = "RELEASING"
	TransactionStatusReleased  TransactionStatus = "RELEASED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionStatusPending,
		TransactionStatusPaid,
		TransactionStatusReleasing,
		TransactionStatusReleased,
		TransactionStatusFailed:
		return string(s)
	default:
		return "UNKNOWN"
	}
}

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusReleased || s == TransactionStatusFailed
}

// CanAdvance encodes the forward-only lifecycle. PAID->PAID is the release-retry case and
// RELEASING->PAID is the revert after a failed escrow call.
func (s TransactionStatus) CanAdvance(next TransactionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case TransactionStatusPending:
		return next == TransactionStatusPaid || next == TransactionStatusFailed
	case TransactionStatusPaid:
		return next == TransactionStatusPaid || next == TransactionStatusReleasing || next == TransactionStatusReleased
	case TransactionStatusReleasing:
		return next == TransactionStatusReleased || next == TransactionStatusPaid
	default:
		return false
	}
}

func NewTransaction(clk clock.Clock, listing *Listing, buyerAddress, orderId string) *Transaction {
	return &Transaction{
		Id:            uuid.Must(uuid.NewV4()).String(),
		ListingId:     listing.Id,
		BuyerAddress:  buyerAddress,
		SellerAddress: listing.SellerAddress,
		TokenSymbol:   listing.TokenSymbol,
		TokenAmount:   listing.TokenAmount,
		Amount:        listing.AskingPrice,
		OrderId:       orderId,
		Status:        TransactionStatusPending,
		CreatedAt:     clk.Now().Unix(),
	}
}

// Apply mutates t in place the way a store applies update.
func (t *Transaction) Apply(update TransactionUpdate) {
	t.Status = update.Status
	if update.PaymentId != "" {
		t.PaymentId = update.PaymentId
	}
	if update.EscrowTxHash != "" {
		t.EscrowTxHash = update.EscrowTxHash
	}
}

// MarshalJSON renders a missing payment id or release hash as null.
func (t Transaction) MarshalJSON() ([]byte, error) {
	type plain Transaction
	return json.Marshal(struct {
		plain
		PaymentId    *string `json:"razorpayPaymentId"`
		EscrowTxHash *string `json:"escrowTxHash"`
	}{plain(t), nullable(t.PaymentId), nullable(t.EscrowTxHash)})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *Transaction) Involves(address string) bool {
	return SameAddress(t.BuyerAddress, address) || SameAddress(t.SellerAddress, address)
}
