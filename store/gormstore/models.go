package gormstore

import (
	core "github.com/DomeLiquid/escrowmarket"
	"github.com/shopspring/decimal"
)

// Amounts are stored as text so token quantities keep full precision on every dialect.

type listingRow struct {
	Id              string          `gorm:"column:id;type:varchar(32);primaryKey"`
	TokenAddress    string          `gorm:"column:token_address;type:varchar(64);not null"`
	TokenSymbol     string          `gorm:"column:token_symbol;type:varchar(32);not null"`
	TokenName       string          `gorm:"column:token_name;type:varchar(128)"`
	TokenDecimals   int32           `gorm:"column:token_decimals"`
	TokenAmount     decimal.Decimal `gorm:"column:token_amount;type:varchar(96);not null"`
	SellerAddress   string          `gorm:"column:seller_address;type:varchar(64);index;not null"`
	AskingPrice     decimal.Decimal `gorm:"column:asking_price;type:varchar(64);not null"`
	MarketPrice     decimal.Decimal `gorm:"column:market_price;type:varchar(64);not null"`
	DiscountPercent decimal.Decimal `gorm:"column:discount_percent;type:varchar(16)"`
	Status          string          `gorm:"column:status;type:varchar(16);index;not null"`
	CreatedAt       int64           `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt       int64           `gorm:"column:updated_at;autoUpdateTime:false"`
	TxHash          string          `gorm:"column:tx_hash;type:varchar(80)"`
	BuyerAddress    string          `gorm:"column:buyer_address;type:varchar(64)"`
}

func (listingRow) TableName() string { return "listings" }

type transactionRow struct {
	Id            string          `gorm:"column:id;type:varchar(36);primaryKey"`
	ListingId     string          `gorm:"column:listing_id;type:varchar(32);index;not null"`
	BuyerAddress  string          `gorm:"column:buyer_address;type:varchar(64);index;not null"`
	SellerAddress string          `gorm:"column:seller_address;type:varchar(64);index;not null"`
	TokenSymbol   string          `gorm:"column:token_symbol;type:varchar(32)"`
	TokenAmount   decimal.Decimal `gorm:"column:token_amount;type:varchar(96)"`
	Amount        decimal.Decimal `gorm:"column:amount;type:varchar(64)"`
	OrderId       string          `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null"`
	PaymentId     string          `gorm:"column:payment_id;type:varchar(64)"`
	EscrowTxHash  string          `gorm:"column:escrow_tx_hash;type:varchar(80)"`
	Status        string          `gorm:"column:status;type:varchar(16);index;not null"`
	CreatedAt     int64           `gorm:"column:created_at;autoCreateTime:false"`
}

func (transactionRow) TableName() string { return "transactions" }

type payoutRow struct {
	Id            string          `gorm:"column:id;type:varchar(36);primaryKey"`
	SellerAddress string          `gorm:"column:seller_address;type:varchar(64);index;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:varchar(64)"`
	Status        string          `gorm:"column:status;type:varchar(16);not null"`
	TransactionId string          `gorm:"column:transaction_id;type:varchar(36);uniqueIndex;not null"`
	CreatedAt     int64           `gorm:"column:created_at;autoCreateTime:false"`
}

func (payoutRow) TableName() string { return "payouts" }

func fromListing(l *core.Listing) *listingRow {
	return &listingRow{
		Id:              l.Id,
		TokenAddress:    l.TokenAddress,
		TokenSymbol:     l.TokenSymbol,
		TokenName:       l.TokenName,
		TokenDecimals:   l.TokenDecimals,
		TokenAmount:     l.TokenAmount,
		SellerAddress:   l.SellerAddress,
		AskingPrice:     l.AskingPrice,
		MarketPrice:     l.MarketPrice,
		DiscountPercent: l.DiscountPercent,
		Status:          string(l.Status),
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
		TxHash:          l.TxHash,
		BuyerAddress:    l.BuyerAddress,
	}
}

func (r *listingRow) toListing() *core.Listing {
	return &core.Listing{
		Id:              r.Id,
		TokenAddress:    r.TokenAddress,
		TokenSymbol:     r.TokenSymbol,
		TokenName:       r.TokenName,
		TokenDecimals:   r.TokenDecimals,
		TokenAmount:     r.TokenAmount,
		SellerAddress:   r.SellerAddress,
		AskingPrice:     r.AskingPrice,
		MarketPrice:     r.MarketPrice,
		DiscountPercent: r.DiscountPercent,
		Status:          core.ListingStatus(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		TxHash:          r.TxHash,
		BuyerAddress:    r.BuyerAddress,
	}
}

func fromTransaction(t *core.Transaction) *transactionRow {
	return &transactionRow{
		Id:            t.Id,
		ListingId:     t.ListingId,
		BuyerAddress:  t.BuyerAddress,
		SellerAddress: t.SellerAddress,
		TokenSymbol:   t.TokenSymbol,
		TokenAmount:   t.TokenAmount,
		Amount:        t.Amount,
		OrderId:       t.OrderId,
		PaymentId:     t.PaymentId,
		EscrowTxHash:  t.EscrowTxHash,
		Status:        string(t.Status),
		CreatedAt:     t.CreatedAt,
	}
}

func (r *transactionRow) toTransaction() *core.Transaction {
	return &core.Transaction{
		Id:            r.Id,
		ListingId:     r.ListingId,
		BuyerAddress:  r.BuyerAddress,
		SellerAddress: r.SellerAddress,
		TokenSymbol:   r.TokenSymbol,
		TokenAmount:   r.TokenAmount,
		Amount:        r.Amount,
		OrderId:       r.OrderId,
		PaymentId:     r.PaymentId,
		EscrowTxHash:  r.EscrowTxHash,
		Status:        core.TransactionStatus(r.Status),
		CreatedAt:     r.CreatedAt,
	}
}

func fromPayout(p *core.Payout) *payoutRow {
	return &payoutRow{
		Id:            p.Id,
		SellerAddress: p.SellerAddress,
		Amount:        p.Amount,
		Status:        string(p.Status),
		TransactionId: p.TransactionId,
		CreatedAt:     p.CreatedAt,
	}
}

func (r *payoutRow) toPayout() *core.Payout {
	return &core.Payout{
		Id:            r.Id,
		SellerAddress: r.SellerAddress,
		Amount:        r.Amount,
		Status:        core.PayoutStatus(r.Status),
		TransactionId: r.TransactionId,
		CreatedAt:     r.CreatedAt,
	}
}
