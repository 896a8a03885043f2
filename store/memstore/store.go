// Package memstore keeps listings, transactions and payouts in indexed maps guarded by a
// single RWMutex. State is lost on restart.
package memstore

import (
	"context"
	"sort"
	"sync"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/pkg/errors"
)

var (
	_ core.ListingStore     = (*Store)(nil)
	_ core.TransactionStore = (*Store)(nil)
	_ core.PayoutStore      = (*Store)(nil)
)

type Store struct {
	mu sync.RWMutex

	listings     map[string]*core.Listing
	transactions map[string]*core.Transaction
	byOrderId    map[string]string
	payouts      map[string]*core.Payout
	byPayoutTx   map[string]string
}

func New() *Store {
	return &Store{
		listings:     make(map[string]*core.Listing),
		transactions: make(map[string]*core.Transaction),
		byOrderId:    make(map[string]string),
		payouts:      make(map[string]*core.Payout),
		byPayoutTx:   make(map[string]string),
	}
}

// Close drops all state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings = make(map[string]*core.Listing)
	s.transactions = make(map[string]*core.Transaction)
	s.byOrderId = make(map[string]string)
	s.payouts = make(map[string]*core.Payout)
	s.byPayoutTx = make(map[string]string)
	return nil
}

func (s *Store) CreateListing(ctx context.Context, listing *core.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[listing.Id]; ok {
		return core.ErrDuplicateRecord
	}
	cp := *listing
	s.listings[listing.Id] = &cp
	return nil
}

func (s *Store) GetListingById(ctx context.Context, id string) (*core.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Store) ListListings(ctx context.Context, status core.ListingStatus, seller string) ([]*core.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*core.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if status != "" && l.Status != status {
			continue
		}
		if seller != "" && !l.IsSeller(seller) {
			continue
		}
		cp := *l
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt == res[j].CreatedAt {
			return res[i].Id < res[j].Id
		}
		return res[i].CreatedAt > res[j].CreatedAt
	})
	return res, nil
}

func (s *Store) UpdateListingStatus(ctx context.Context, id string, from, to core.ListingStatus, buyerAddress string, updatedAt int64) error {
	if !from.CanTransition(to) {
		return errors.Wrapf(core.ErrIllegalTransition, "listing %s: %s -> %s", id, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return core.ErrRecordNotFound
	}
	if l.Status != from {
		return core.ErrStaleStatus
	}
	l.Status = to
	l.UpdatedAt = updatedAt
	if buyerAddress != "" {
		l.BuyerAddress = buyerAddress
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx *core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOrderId[tx.OrderId]; ok {
		return core.ErrDuplicateRecord
	}
	if _, ok := s.transactions[tx.Id]; ok {
		return core.ErrDuplicateRecord
	}
	cp := *tx
	s.transactions[tx.Id] = &cp
	s.byOrderId[tx.OrderId] = tx.Id
	return nil
}

func (s *Store) GetTransactionById(ctx context.Context, id string) (*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *Store) GetTransactionByOrderId(ctx context.Context, orderId string) (*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrderId[orderId]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	cp := *s.transactions[id]
	return &cp, nil
}

func (s *Store) ListTransactionsByAddress(ctx context.Context, address string) ([]*core.Transaction, error) {
	return s.filterTransactions(func(tx *core.Transaction) bool { return tx.Involves(address) }, 0), nil
}

func (s *Store) ListTransactionsByListing(ctx context.Context, listingId string) ([]*core.Transaction, error) {
	return s.filterTransactions(func(tx *core.Transaction) bool { return tx.ListingId == listingId }, 0), nil
}

func (s *Store) ListTransactionsByStatus(ctx context.Context, status core.TransactionStatus, limit int) ([]*core.Transaction, error) {
	return s.filterTransactions(func(tx *core.Transaction) bool { return tx.Status == status }, limit), nil
}

func (s *Store) filterTransactions(match func(*core.Transaction) bool, limit int) []*core.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*core.Transaction, 0)
	for _, tx := range s.transactions {
		if match(tx) {
			cp := *tx
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt == res[j].CreatedAt {
			return res[i].Id < res[j].Id
		}
		return res[i].CreatedAt < res[j].CreatedAt
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

func (s *Store) AdvanceTransaction(ctx context.Context, id string, from core.TransactionStatus, update core.TransactionUpdate) error {
	if !from.CanAdvance(update.Status) {
		return errors.Wrapf(core.ErrIllegalTransition, "transaction %s: %s -> %s", id, from, update.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return core.ErrRecordNotFound
	}
	if tx.Status != from {
		return core.ErrStaleStatus
	}
	tx.Apply(update)
	return nil
}

func (s *Store) CreatePayout(ctx context.Context, payout *core.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPayoutTx[payout.TransactionId]; ok {
		return core.ErrDuplicateRecord
	}
	if _, ok := s.payouts[payout.Id]; ok {
		return core.ErrDuplicateRecord
	}
	cp := *payout
	s.payouts[payout.Id] = &cp
	s.byPayoutTx[payout.TransactionId] = payout.Id
	return nil
}

func (s *Store) GetPayoutByTransactionId(ctx context.Context, transactionId string) (*core.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPayoutTx[transactionId]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	cp := *s.payouts[id]
	return &cp, nil
}

func (s *Store) ListPayoutsBySeller(ctx context.Context, sellerAddress string) ([]*core.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*core.Payout, 0)
	for _, p := range s.payouts {
		if core.SameAddress(p.SellerAddress, sellerAddress) {
			cp := *p
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt == res[j].CreatedAt {
			return res[i].Id < res[j].Id
		}
		return res[i].CreatedAt < res[j].CreatedAt
	})
	return res, nil
}

func (s *Store) UpdatePayoutStatus(ctx context.Context, id string, status core.PayoutStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return core.ErrRecordNotFound
	}
	p.Status = status
	return nil
}
