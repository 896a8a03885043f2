// Package storetest holds the behaviour every store implementation must share.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Store interface {
	core.ListingStore
	core.TransactionStore
	core.PayoutStore
}

func newListing(clk clock.Clock, id, seller string) *core.Listing {
	return core.NewListing(clk, id,
		core.TokenIdentity{Address: "0x0000000000000000000000000000000000000001", Symbol: "USDT", Name: "Tether USD", Decimals: 6},
		decimal.RequireFromString("500.123456789012345678"), seller,
		decimal.NewFromInt(38000), decimal.NewFromInt(42000), "")
}

// Run exercises s against the shared contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("listing lifecycle", func(t *testing.T) { testListingLifecycle(t, newStore(t)) })
	t.Run("listing filters", func(t *testing.T) { testListingFilters(t, newStore(t)) })
	t.Run("transaction unique order id", func(t *testing.T) { testTransactionUnique(t, newStore(t)) })
	t.Run("transaction compare and set", func(t *testing.T) { testTransactionCAS(t, newStore(t)) })
	t.Run("transaction queries", func(t *testing.T) { testTransactionQueries(t, newStore(t)) })
	t.Run("payout once per transaction", func(t *testing.T) { testPayoutOnce(t, newStore(t)) })
}

func testListingLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	clk := clock.NewMock()
	require.NoError(t, s.CreateListing(ctx, newListing(clk, "1", "0xSeller")))

	got, err := s.GetListingById(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, core.ListingStatusOpen, got.Status)
	assert.Equal(t, "500.123456789012345678", got.TokenAmount.String())
	assert.True(t, got.DiscountPercent.Equal(decimal.RequireFromString("9.5")))

	_, err = s.GetListingById(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)

	require.NoError(t, s.UpdateListingStatus(ctx, "1", core.ListingStatusOpen, core.ListingStatusSold, "0xBuyer", 42))
	err = s.UpdateListingStatus(ctx, "1", core.ListingStatusOpen, core.ListingStatusCancelled, "", 43)
	assert.ErrorIs(t, err, core.ErrStaleStatus)

	got, err = s.GetListingById(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, core.ListingStatusSold, got.Status)
	assert.Equal(t, "0xBuyer", got.BuyerAddress)
	assert.Equal(t, int64(42), got.UpdatedAt)

	assert.ErrorIs(t, s.UpdateListingStatus(ctx, "missing", core.ListingStatusOpen, core.ListingStatusSold, "", 1), core.ErrRecordNotFound)

	// terminal listings never move, even when the caller names the current status
	for _, to := range []core.ListingStatus{core.ListingStatusOpen, core.ListingStatusCancelled, core.ListingStatusSold} {
		err = s.UpdateListingStatus(ctx, "1", core.ListingStatusSold, to, "0xOther", 44)
		assert.ErrorIs(t, err, core.ErrIllegalTransition, "SOLD -> %s", to)
	}
	got, err = s.GetListingById(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, core.ListingStatusSold, got.Status)
	assert.Equal(t, "0xBuyer", got.BuyerAddress)
	assert.Equal(t, int64(42), got.UpdatedAt)
}

func testListingFilters(t *testing.T, s Store) {
	ctx := context.Background()
	clk := clock.NewMock()
	require.NoError(t, s.CreateListing(ctx, newListing(clk, "1", "0xAAA")))
	require.NoError(t, s.CreateListing(ctx, newListing(clk, "2", "0xBBB")))
	require.NoError(t, s.CreateListing(ctx, newListing(clk, "3", "0xaaa")))
	require.NoError(t, s.UpdateListingStatus(ctx, "3", core.ListingStatusOpen, core.ListingStatusCancelled, "", 1))

	all, err := s.ListListings(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	open, err := s.ListListings(ctx, core.ListingStatusOpen, "")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	bySeller, err := s.ListListings(ctx, "", "0xAaA")
	require.NoError(t, err)
	assert.Len(t, bySeller, 2)

	both, err := s.ListListings(ctx, core.ListingStatusCancelled, "0xAAA")
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "3", both[0].Id)
}

func newTransaction(clk clock.Clock, listingId, orderId string) *core.Transaction {
	return core.NewTransaction(clk, newListing(clk, listingId, "0xSeller"), "0xBuyer", orderId)
}

func testTransactionUnique(t *testing.T, s Store) {
	ctx := context.Background()
	clk := clock.NewMock()
	require.NoError(t, s.CreateTransaction(ctx, newTransaction(clk, "1", "order_1")))
	err := s.CreateTransaction(ctx, newTransaction(clk, "1", "order_1"))
	assert.ErrorIs(t, err, core.ErrDuplicateRecord)

	got, err := s.GetTransactionByOrderId(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, core.TransactionStatusPending, got.Status)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(38000)))

	_, err = s.GetTransactionByOrderId(ctx, "order_missing")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}

func testTransactionCAS(t *testing.T, s Store) {
	ctx := context.Background()
	clk := clock.NewMock()
	tx := newTransaction(clk, "1", "order_1")
	require.NoError(t, s.CreateTransaction(ctx, tx))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AdvanceTransaction(ctx, tx.Id, core.TransactionStatusPending, core.TransactionUpdate{Status: core.TransactionStatusPaid, PaymentId: "pay_1"})
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.ErrorIs(t, err, core.ErrStaleStatus)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	require.NoError(t, s.AdvanceTransaction(ctx, tx.Id, core.TransactionStatusPaid, core.TransactionUpdate{Status: core.TransactionStatusReleased, EscrowTxHash: "0xabc"}))
	got, err := s.GetTransactionById(ctx, tx.Id)
	require.NoError(t, err)
	assert.Equal(t, core.TransactionStatusReleased, got.Status)
	assert.Equal(t, "pay_1", got.PaymentId)
	assert.Equal(t, "0xabc", got.EscrowTxHash)

	assert.ErrorIs(t, s.AdvanceTransaction(ctx, "missing", core.TransactionStatusPending, core.TransactionUpdate{Status: core.TransactionStatusPaid}), core.ErrRecordNotFound)

	err = s.AdvanceTransaction(ctx, tx.Id, core.TransactionStatusReleased, core.TransactionUpdate{Status: core.TransactionStatusPaid})
	assert.ErrorIs(t, err, core.ErrIllegalTransition)

	forged := newTransaction(clk, "1", "order_2")
	require.NoError(t, s.CreateTransaction(ctx, forged))
	require.NoError(t, s.AdvanceTransaction(ctx, forged.Id, core.TransactionStatusPending, core.TransactionUpdate{Status: core.TransactionStatusFailed, PaymentId: "pay_2"}))
	for _, to := range []core.TransactionStatus{core.TransactionStatusPaid, core.TransactionStatusReleasing, core.TransactionStatusReleased} {
		err = s.AdvanceTransaction(ctx, forged.Id, core.TransactionStatusFailed, core.TransactionUpdate{Status: to, EscrowTxHash: "0xdef"})
		assert.ErrorIs(t, err, core.ErrIllegalTransition, "FAILED -> %s", to)
	}
	err = s.AdvanceTransaction(ctx, forged.Id, core.TransactionStatusPending, core.TransactionUpdate{Status: core.TransactionStatusReleased})
	assert.ErrorIs(t, err, core.ErrIllegalTransition, "PENDING cannot skip to RELEASED")

	got, err = s.GetTransactionById(ctx, forged.Id)
	require.NoError(t, err)
	assert.Equal(t, core.TransactionStatusFailed, got.Status)
	assert.Empty(t, got.EscrowTxHash)
}

func testTransactionQueries(t *testing.T, s Store) {
	ctx := context.Background()
	clk := clock.NewMock()
	a := newTransaction(clk, "1", "order_a")
	b := newTransaction(clk, "2", "order_b")
	b.BuyerAddress = "0xOther"
	require.NoError(t, s.CreateTransaction(ctx, a))
	require.NoError(t, s.CreateTransaction(ctx, b))
	require.NoError(t, s.AdvanceTransaction(ctx, b.Id, core.TransactionStatusPending, core.TransactionUpdate{Status: core.TransactionStatusPaid}))

	byBuyer, err := s.ListTransactionsByAddress(ctx, "0xbuyer")
	require.NoError(t, err)
	assert.Len(t, byBuyer, 1)

	bySeller, err := s.ListTransactionsByAddress(ctx, "0xSELLER")
	require.NoError(t, err)
	assert.Len(t, bySeller, 2)

	byListing, err := s.ListTransactionsByListing(ctx, "2")
	require.NoError(t, err)
	require.Len(t, byListing, 1)
	assert.Equal(t, "order_b", byListing[0].OrderId)

	paid, err := s.ListTransactionsByStatus(ctx, core.TransactionStatusPaid, 10)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, b.Id, paid[0].Id)
}

func testPayoutOnce(t *testing.T, s Store) {
	ctx := context.Background()
	clk := clock.NewMock()
	listing := newListing(clk, "1", "0xSeller")
	payout := core.NewPayout(clk, listing, "tx-1")
	require.NoError(t, s.CreatePayout(ctx, payout))
	assert.ErrorIs(t, s.CreatePayout(ctx, core.NewPayout(clk, listing, "tx-1")), core.ErrDuplicateRecord)

	got, err := s.GetPayoutByTransactionId(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(38000)))
	assert.Equal(t, core.PayoutStatusPending, got.Status)

	require.NoError(t, s.UpdatePayoutStatus(ctx, got.Id, core.PayoutStatusProcessing))
	list, err := s.ListPayoutsBySeller(ctx, "0xseller")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, core.PayoutStatusProcessing, list[0].Status)

	_, err = s.GetPayoutByTransactionId(ctx, "tx-missing")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}
