// Package gormstore is the durable implementation of the listing, transaction and payout
// stores. Every status change is a single conditional UPDATE.
package gormstore

import (
	"context"
	"strings"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	_ core.ListingStore     = (*Store)(nil)
	_ core.TransactionStore = (*Store)(nil)
	_ core.PayoutStore      = (*Store)(nil)
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)

type Store struct {
	db *gorm.DB
}

// Open connects with the named driver and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSqlite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if dialector.Name() == DriverSqlite {
		// sqlite allows a single writer; funnel everything through one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "sqlite handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&listingRow{}, &transactionRow{}, &payoutRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return core.ErrRecordNotFound
	case isDuplicate(err):
		return core.ErrDuplicateRecord
	default:
		return err
	}
}

func (s *Store) CreateListing(ctx context.Context, listing *core.Listing) error {
	return translate(s.db.WithContext(ctx).Create(fromListing(listing)).Error)
}

func (s *Store) GetListingById(ctx context.Context, id string) (*core.Listing, error) {
	var row listingRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.toListing(), nil
}

func (s *Store) ListListings(ctx context.Context, status core.ListingStatus, seller string) ([]*core.Listing, error) {
	q := s.db.WithContext(ctx).Model(&listingRow{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if seller != "" {
		q = q.Where("LOWER(seller_address) = ?", strings.ToLower(strings.TrimSpace(seller)))
	}
	var rows []listingRow
	if err := q.Order("created_at DESC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]*core.Listing, 0, len(rows))
	for i := range rows {
		res = append(res, rows[i].toListing())
	}
	return res, nil
}

func (s *Store) UpdateListingStatus(ctx context.Context, id string, from, to core.ListingStatus, buyerAddress string, updatedAt int64) error {
	if !from.CanTransition(to) {
		return errors.Wrapf(core.ErrIllegalTransition, "listing %s: %s -> %s", id, from, to)
	}
	values := map[string]any{
		"status":     string(to),
		"updated_at": updatedAt,
	}
	if buyerAddress != "" {
		values["buyer_address"] = buyerAddress
	}
	res := s.db.WithContext(ctx).Model(&listingRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missOrStale(ctx, &listingRow{}, id)
	}
	return nil
}

// missOrStale explains a conditional update that touched no rows.
func (s *Store) missOrStale(ctx context.Context, model any, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return core.ErrRecordNotFound
	}
	return core.ErrStaleStatus
}

func (s *Store) CreateTransaction(ctx context.Context, tx *core.Transaction) error {
	return translate(s.db.WithContext(ctx).Create(fromTransaction(tx)).Error)
}

func (s *Store) GetTransactionById(ctx context.Context, id string) (*core.Transaction, error) {
	return s.firstTransaction(ctx, "id = ?", id)
}

func (s *Store) GetTransactionByOrderId(ctx context.Context, orderId string) (*core.Transaction, error) {
	return s.firstTransaction(ctx, "order_id = ?", orderId)
}

func (s *Store) firstTransaction(ctx context.Context, query string, arg string) (*core.Transaction, error) {
	var row transactionRow
	if err := s.db.WithContext(ctx).Where(query, arg).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.toTransaction(), nil
}

func (s *Store) ListTransactionsByAddress(ctx context.Context, address string) ([]*core.Transaction, error) {
	addr := strings.ToLower(strings.TrimSpace(address))
	return s.findTransactions(s.db.WithContext(ctx).
		Where("LOWER(buyer_address) = ? OR LOWER(seller_address) = ?", addr, addr), 0)
}

func (s *Store) ListTransactionsByListing(ctx context.Context, listingId string) ([]*core.Transaction, error) {
	return s.findTransactions(s.db.WithContext(ctx).Where("listing_id = ?", listingId), 0)
}

func (s *Store) ListTransactionsByStatus(ctx context.Context, status core.TransactionStatus, limit int) ([]*core.Transaction, error) {
	return s.findTransactions(s.db.WithContext(ctx).Where("status = ?", string(status)), limit)
}

func (s *Store) findTransactions(q *gorm.DB, limit int) ([]*core.Transaction, error) {
	q = q.Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []transactionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]*core.Transaction, 0, len(rows))
	for i := range rows {
		res = append(res, rows[i].toTransaction())
	}
	return res, nil
}

func (s *Store) AdvanceTransaction(ctx context.Context, id string, from core.TransactionStatus, update core.TransactionUpdate) error {
	if !from.CanAdvance(update.Status) {
		return errors.Wrapf(core.ErrIllegalTransition, "transaction %s: %s -> %s", id, from, update.Status)
	}
	values := map[string]any{"status": string(update.Status)}
	if update.PaymentId != "" {
		values["payment_id"] = update.PaymentId
	}
	if update.EscrowTxHash != "" {
		values["escrow_tx_hash"] = update.EscrowTxHash
	}
	res := s.db.WithContext(ctx).Model(&transactionRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missOrStale(ctx, &transactionRow{}, id)
	}
	return nil
}

func (s *Store) CreatePayout(ctx context.Context, payout *core.Payout) error {
	return translate(s.db.WithContext(ctx).Create(fromPayout(payout)).Error)
}

func (s *Store) GetPayoutByTransactionId(ctx context.Context, transactionId string) (*core.Payout, error) {
	var row payoutRow
	if err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionId).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.toPayout(), nil
}

func (s *Store) ListPayoutsBySeller(ctx context.Context, sellerAddress string) ([]*core.Payout, error) {
	var rows []payoutRow
	err := s.db.WithContext(ctx).
		Where("LOWER(seller_address) = ?", strings.ToLower(strings.TrimSpace(sellerAddress))).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	res := make([]*core.Payout, 0, len(rows))
	for i := range rows {
		res = append(res, rows[i].toPayout())
	}
	return res, nil
}

func (s *Store) UpdatePayoutStatus(ctx context.Context, id string, status core.PayoutStatus) error {
	res := s.db.WithContext(ctx).Model(&payoutRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}
