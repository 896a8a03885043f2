package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/DomeLiquid/escrowmarket/gateway"
	"github.com/DomeLiquid/escrowmarket/lock"
	"github.com/DomeLiquid/escrowmarket/store/memstore"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "gateway-secret"
	sellerAddr = "0xAb5801a7D398351b8bE11C439e05C5b3259aeC9B"
	buyerAddr  = "0x2222222222222222222222222222222222222222"
	otherBuyer = "0x3333333333333333333333333333333333333333"
	escrowHash = "0x9f2c1e55aa"
)

type fakeGateway struct {
	mu   sync.Mutex
	seq  int
	err  error
	hang bool
	last *core.OrderRequest
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	g.mu.Lock()
	if g.hang {
		g.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.seq++
	g.last = req
	return &core.Order{Id: fmt.Sprintf("order_%d", g.seq), Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Status: "created"}, nil
}

type fakeEscrow struct {
	mu       sync.Mutex
	failures int
	calls    int
	buyers   []string

	// hang blocks until the deadline, reporting sentHash as broadcast but unconfirmed
	hang     bool
	sentHash string
}

func (e *fakeEscrow) Release(ctx context.Context, listingId, buyerAddress string) (string, error) {
	e.mu.Lock()
	e.calls++
	if e.hang {
		sent := e.sentHash
		e.mu.Unlock()
		<-ctx.Done()
		return sent, ctx.Err()
	}
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return "", errors.New("execution reverted")
	}
	e.buyers = append(e.buyers, buyerAddress)
	return escrowHash, nil
}

type fixture struct {
	clk      *clock.Mock
	store    *memstore.Store
	seats    *lock.MemoryLock
	gw       *fakeGateway
	escrow   *fakeEscrow
	verifier *gateway.HMACVerifier
	metrics  *Metrics
	orch     *Orchestrator
	listing  *core.Listing
}

func newFixture(t *testing.T, withEscrow bool, extra ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clk:      clock.NewMock(),
		store:    memstore.New(),
		seats:    lock.NewMemoryLock(),
		gw:       &fakeGateway{},
		escrow:   &fakeEscrow{},
		verifier: gateway.NewHMACVerifier(testSecret),
		metrics:  NewMetrics(),
	}
	opts := []Option{WithGatewayKeyId("rzp_test_key"), WithMetrics(f.metrics)}
	if withEscrow {
		opts = append(opts, WithEscrow(f.escrow))
	}
	opts = append(opts, extra...)
	f.orch = New(f.clk, core.NopLog(), f.store, f.seats, f.gw, f.verifier, opts...)

	usdt := core.TokenIdentity{Address: "0x0000000000000000000000000000000000000001", Symbol: "USDT", Name: "Tether USD", Decimals: 6}
	f.listing = core.NewListing(f.clk, "1", usdt, decimal.NewFromInt(500), sellerAddr, decimal.NewFromInt(38000), decimal.NewFromInt(42000), "")
	require.NoError(t, f.store.CreateListing(context.Background(), f.listing))
	return f
}

// addListing copies the fixture listing under a new id.
func (f *fixture) addListing(t *testing.T, id string) {
	t.Helper()
	l := *f.listing
	l.Id = id
	require.NoError(t, f.store.CreateListing(context.Background(), &l))
}

func (f *fixture) order(t *testing.T, buyer string) *OrderResult {
	t.Helper()
	res, err := f.orch.CreateOrder(context.Background(), f.listing.Id, buyer)
	require.NoError(t, err)
	return res
}

func (f *fixture) verifyReq(order *OrderResult, paymentId, buyer string) VerifyRequest {
	return VerifyRequest{
		OrderId:      order.OrderId,
		PaymentId:    paymentId,
		Signature:    f.verifier.Sign(order.OrderId, paymentId),
		ListingId:    f.listing.Id,
		BuyerAddress: buyer,
	}
}

func (f *fixture) tx(t *testing.T, id string) *core.Transaction {
	t.Helper()
	tx, err := f.store.GetTransactionById(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func (f *fixture) currentListing(t *testing.T) *core.Listing {
	t.Helper()
	l, err := f.store.GetListingById(context.Background(), f.listing.Id)
	require.NoError(t, err)
	return l
}

func (f *fixture) payouts(t *testing.T) []*core.Payout {
	t.Helper()
	p, err := f.store.ListPayoutsBySeller(context.Background(), sellerAddr)
	require.NoError(t, err)
	return p
}

func mutate(s string) string {
	b := []byte(s)
	if b[len(b)-1] == '0' {
		b[len(b)-1] = '1'
	} else {
		b[len(b)-1] = '0'
	}
	return string(b)
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t, false)
	res := f.order(t, buyerAddr)

	assert.Equal(t, "order_1", res.OrderId)
	assert.EqualValues(t, 3800000, res.Amount)
	assert.Equal(t, "INR", res.Currency)
	assert.Equal(t, "rzp_test_key", res.KeyId)
	assert.True(t, f.seats.Held(f.listing.Id), "seat stays reserved until verification")

	req := f.gw.last
	assert.EqualValues(t, 3800000, req.Amount)
	assert.True(t, strings.HasPrefix(req.Receipt, "listing_1_"))
	assert.Equal(t, map[string]string{
		"listingId":    "1",
		"buyerAddress": buyerAddr,
		"tokenSymbol":  "USDT",
		"tokenAmount":  "500",
	}, req.Notes)

	tx := f.tx(t, res.TransactionId)
	assert.Equal(t, core.TransactionStatusPending, tx.Status)
	assert.Equal(t, "order_1", tx.OrderId)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(38000)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.orders.WithLabelValues("created")))
}

func TestCreateOrderPreconditions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		prepare func(f *fixture)
		listing string
		buyer   string
		code    string
	}{
		{name: "missing buyer", listing: "1", code: core.CodeInvalidRequest},
		{name: "unknown listing", listing: "404", buyer: buyerAddr, code: core.CodeNotFound},
		{
			name: "sold",
			prepare: func(f *fixture) {
				_ = f.store.UpdateListingStatus(ctx, "1", core.ListingStatusOpen, core.ListingStatusSold, otherBuyer, 1)
			},
			listing: "1", buyer: buyerAddr, code: core.CodeInvalidState,
		},
		{
			name: "cancelled",
			prepare: func(f *fixture) {
				_ = f.store.UpdateListingStatus(ctx, "1", core.ListingStatusOpen, core.ListingStatusCancelled, "", 1)
			},
			listing: "1", buyer: buyerAddr, code: core.CodeInvalidState,
		},
		{
			name:    "reserved",
			prepare: func(f *fixture) { _, _ = f.seats.Acquire(ctx, "1") },
			listing: "1", buyer: buyerAddr, code: core.CodeConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			_, err := f.orch.CreateOrder(ctx, tt.listing, tt.buyer)
			require.Error(t, err)
			assert.Equal(t, tt.code, core.CodeOf(err))
			assert.Nil(t, f.gw.last, "gateway must not be called")
		})
	}
}

func TestCreateOrderGatewayFailureFreesSeat(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"transient", errors.New("connection reset"), core.CodeBadGateway},
		{"unauthorized", errors.Wrap(core.ErrGatewayUnauthorized, "401"), core.CodeGatewayAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.gw.err = tt.err
			_, err := f.orch.CreateOrder(context.Background(), "1", buyerAddr)
			require.Error(t, err)
			assert.Equal(t, tt.code, core.CodeOf(err))
			assert.Equal(t, core.KindUpstream, core.KindOf(err))
			assert.False(t, f.seats.Held("1"))

			f.gw.err = nil
			f.order(t, buyerAddr)
		})
	}
}

func TestConcurrentCreateOrderSingleReservation(t *testing.T) {
	f := newFixture(t, false)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.CreateOrder(context.Background(), "1", buyerAddr)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if core.CodeOf(err) == core.CodeConflict {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, conflicts)
}

func TestVerifyPaymentWithoutEscrow(t *testing.T) {
	f := newFixture(t, false)
	order := f.order(t, buyerAddr)

	res, err := f.orch.VerifyPayment(context.Background(), f.verifyReq(order, "pay_1", buyerAddr))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, msgPending, res.Message)
	assert.Nil(t, res.EscrowTxHash)
	assert.Equal(t, order.TransactionId, res.TransactionId)

	tx := f.tx(t, order.TransactionId)
	assert.Equal(t, core.TransactionStatusReleased, tx.Status)
	assert.Equal(t, "pay_1", tx.PaymentId)
	assert.Empty(t, tx.EscrowTxHash)

	l := f.currentListing(t)
	assert.Equal(t, core.ListingStatusSold, l.Status)
	assert.Equal(t, buyerAddr, l.BuyerAddress)
	assert.False(t, f.seats.Held("1"))

	payouts := f.payouts(t)
	require.Len(t, payouts, 1)
	assert.True(t, payouts[0].Amount.Equal(decimal.NewFromInt(38000)))
	assert.Equal(t, core.PayoutStatusPending, payouts[0].Status)
	assert.Equal(t, tx.Id, payouts[0].TransactionId)
}

func TestVerifyPaymentWithEscrow(t *testing.T) {
	f := newFixture(t, true)
	order := f.order(t, buyerAddr)

	res, err := f.orch.VerifyPayment(context.Background(), f.verifyReq(order, "pay_1", buyerAddr))
	require.NoError(t, err)
	assert.Equal(t, msgReleased, res.Message)
	require.NotNil(t, res.EscrowTxHash)
	assert.Equal(t, escrowHash, *res.EscrowTxHash)
	assert.Equal(t, []string{buyerAddr}, f.escrow.buyers)

	tx := f.tx(t, order.TransactionId)
	assert.Equal(t, core.TransactionStatusReleased, tx.Status)
	assert.Equal(t, escrowHash, tx.EscrowTxHash)
	assert.Equal(t, core.ListingStatusSold, f.currentListing(t).Status)
	assert.Len(t, f.payouts(t), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.releases.WithLabelValues("success")))
}

func TestVerifyPaymentForgedSignature(t *testing.T) {
	tests := []struct {
		name   string
		forge  func(req *VerifyRequest)
		code   string
		failed bool
	}{
		{name: "signature", forge: func(r *VerifyRequest) { r.Signature = mutate(r.Signature) }, code: core.CodeInvalidSignature, failed: true},
		{name: "payment id", forge: func(r *VerifyRequest) { r.PaymentId = mutate(r.PaymentId) }, code: core.CodeInvalidSignature, failed: true},
		{name: "uppercase signature", forge: func(r *VerifyRequest) { r.Signature = strings.ToUpper(r.Signature) }, code: core.CodeInvalidSignature, failed: true},
		{name: "order id", forge: func(r *VerifyRequest) { r.OrderId = mutate(r.OrderId) }, code: core.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			order := f.order(t, buyerAddr)
			req := f.verifyReq(order, "pay_10", buyerAddr)
			tt.forge(&req)

			_, err := f.orch.VerifyPayment(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.code, core.CodeOf(err))
			assert.Zero(t, f.escrow.calls)
			assert.Equal(t, core.ListingStatusOpen, f.currentListing(t).Status)
			assert.Empty(t, f.payouts(t))

			tx := f.tx(t, order.TransactionId)
			if !tt.failed {
				assert.Equal(t, core.TransactionStatusPending, tx.Status)
				return
			}
			assert.Equal(t, core.TransactionStatusFailed, tx.Status)
			assert.Equal(t, core.KindSecurity, core.KindOf(err))
			assert.False(t, f.seats.Held("1"), "seat is freed after a forged confirmation")

			next := f.order(t, otherBuyer)
			assert.NotEqual(t, order.OrderId, next.OrderId)

			_, err = f.orch.VerifyPayment(context.Background(), f.verifyReq(order, "pay_10", buyerAddr))
			assert.Equal(t, core.CodeInvalidState, core.CodeOf(err), "a failed transaction cannot be revived")
		})
	}
}

func TestVerifyPaymentEscrowFailureLeavesPaid(t *testing.T) {
	f := newFixture(t, true)
	f.escrow.failures = 1
	order := f.order(t, buyerAddr)

	res, err := f.orch.VerifyPayment(context.Background(), f.verifyReq(order, "pay_1", buyerAddr))
	require.NoError(t, err, "escrow faults are absorbed once money has moved")
	assert.True(t, res.Success)
	assert.Equal(t, msgPending, res.Message)
	assert.Nil(t, res.EscrowTxHash)

	tx := f.tx(t, order.TransactionId)
	assert.Equal(t, core.TransactionStatusPaid, tx.Status)
	assert.Empty(t, tx.EscrowTxHash)
	assert.Equal(t, core.ListingStatusSold, f.currentListing(t).Status)
	assert.False(t, f.seats.Held("1"))
	assert.Len(t, f.payouts(t), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.releases.WithLabelValues("failure")))
}

func TestVerifyPaymentReplayIsIdempotent(t *testing.T) {
	for _, escrowFails := range []bool{false, true} {
		t.Run(fmt.Sprintf("escrowFails=%v", escrowFails), func(t *testing.T) {
			f := newFixture(t, true)
			if escrowFails {
				f.escrow.failures = 100
			}
			order := f.order(t, buyerAddr)
			req := f.verifyReq(order, "pay_1", buyerAddr)

			_, err := f.orch.VerifyPayment(context.Background(), req)
			require.NoError(t, err)
			before := f.tx(t, order.TransactionId)
			calls := f.escrow.calls

			for i := 0; i < 3; i++ {
				res, err := f.orch.VerifyPayment(context.Background(), req)
				require.NoError(t, err)
				assert.Equal(t, msgReplay, res.Message)
				assert.Equal(t, order.TransactionId, res.TransactionId)
			}
			assert.Equal(t, before, f.tx(t, order.TransactionId))
			assert.Equal(t, calls, f.escrow.calls)
			assert.Len(t, f.payouts(t), 1)
		})
	}
}

func TestVerifyPaymentValidation(t *testing.T) {
	f := newFixture(t, false)
	order := f.order(t, buyerAddr)

	req := f.verifyReq(order, "pay_1", buyerAddr)
	req.Signature = ""
	_, err := f.orch.VerifyPayment(context.Background(), req)
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))

	req = f.verifyReq(order, "pay_1", buyerAddr)
	req.ListingId = "2"
	_, err = f.orch.VerifyPayment(context.Background(), req)
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))
	assert.Equal(t, core.TransactionStatusPending, f.tx(t, order.TransactionId).Status)
	assert.True(t, f.seats.Held("1"))
}

func TestCancelListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.orch.CancelListing(ctx, "1", otherBuyer)
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))

	l, err := f.orch.CancelListing(ctx, "1", strings.ToLower(sellerAddr))
	require.NoError(t, err)
	assert.Equal(t, core.ListingStatusCancelled, l.Status)

	_, err = f.orch.CancelListing(ctx, "1", "")
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err), "cancel twice")

	_, err = f.orch.CreateOrder(ctx, "1", buyerAddr)
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))

	_, err = f.orch.CancelListing(ctx, "404", "")
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestCancelSoldListing(t *testing.T) {
	f := newFixture(t, false)
	order := f.order(t, buyerAddr)
	_, err := f.orch.VerifyPayment(context.Background(), f.verifyReq(order, "pay_1", buyerAddr))
	require.NoError(t, err)

	_, err = f.orch.CancelListing(context.Background(), "1", sellerAddr)
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))
	assert.Equal(t, core.ListingStatusSold, f.currentListing(t).Status)
}

func TestAtMostOneReleasePerListing(t *testing.T) {
	for _, withEscrow := range []bool{false, true} {
		t.Run(fmt.Sprintf("escrow=%v", withEscrow), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, withEscrow)

			first := f.order(t, buyerAddr)
			// a lapsed lease lets a second checkout start on the same listing
			require.NoError(t, f.seats.Release(ctx, "1"))
			second := f.order(t, otherBuyer)

			_, err := f.orch.VerifyPayment(ctx, f.verifyReq(first, "pay_1", buyerAddr))
			require.NoError(t, err)
			res, err := f.orch.VerifyPayment(ctx, f.verifyReq(second, "pay_2", otherBuyer))
			require.NoError(t, err)
			assert.Nil(t, res.EscrowTxHash)

			txs, err := f.store.ListTransactionsByListing(ctx, "1")
			require.NoError(t, err)
			released := 0
			for _, tx := range txs {
				if tx.Status == core.TransactionStatusReleased {
					released++
				}
			}
			assert.Equal(t, 1, released)
			assert.Equal(t, core.TransactionStatusPaid, f.tx(t, second.TransactionId).Status)
			assert.Equal(t, buyerAddr, f.currentListing(t).BuyerAddress)
			assert.Len(t, f.payouts(t), 1)

			if withEscrow {
				_, err = f.orch.RetryRelease(ctx, second.TransactionId)
				assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))
				assert.Equal(t, 1, f.escrow.calls)
			}
		})
	}
}

func TestRetryRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.escrow.failures = 2
	order := f.order(t, buyerAddr)
	_, err := f.orch.VerifyPayment(ctx, f.verifyReq(order, "pay_1", buyerAddr))
	require.NoError(t, err)

	_, err = f.orch.RetryRelease(ctx, order.TransactionId)
	assert.Equal(t, core.CodeBadGateway, core.CodeOf(err))
	assert.Equal(t, core.TransactionStatusPaid, f.tx(t, order.TransactionId).Status)

	res, err := f.orch.RetryRelease(ctx, order.TransactionId)
	require.NoError(t, err)
	assert.Equal(t, escrowHash, res.EscrowTxHash)

	tx := f.tx(t, order.TransactionId)
	assert.Equal(t, core.TransactionStatusReleased, tx.Status)
	assert.Equal(t, escrowHash, tx.EscrowTxHash)
	assert.Len(t, f.payouts(t), 1)

	_, err = f.orch.RetryRelease(ctx, order.TransactionId)
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))
	_, err = f.orch.RetryRelease(ctx, "missing")
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestRetryReleaseNeedsEscrow(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.orch.RetryRelease(context.Background(), "any")
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))
}

func TestCreateAndListListings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	in := ListingInput{
		TokenAddress:  "0x0000000000000000000000000000000000000003",
		TokenSymbol:   "WETH",
		TokenName:     "Wrapped ETH",
		TokenDecimals: 18,
		TokenAmount:   decimal.RequireFromString("2.5"),
		SellerAddress: otherBuyer,
		AskingPrice:   decimal.NewFromInt(450000),
		MarketPrice:   decimal.NewFromInt(520000),
	}
	f.clk.Add(60e9)
	l, err := f.orch.CreateListing(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, core.ListingStatusOpen, l.Status)
	assert.Equal(t, "13.5", l.DiscountPercent.String())
	assert.NotEmpty(t, l.Id)

	bad := in
	bad.TokenAmount = decimal.Zero
	_, err = f.orch.CreateListing(ctx, bad)
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))

	all, err := f.orch.ListListings(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, l.Id, all[0].Id, "newest first")

	mine, err := f.orch.ListListings(ctx, "open", strings.ToUpper(otherBuyer))
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, l.Id, mine[0].Id)

	_, err = f.orch.ListListings(ctx, "PENDING", "")
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))
}

func TestListTransactionsAndPayouts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	order := f.order(t, buyerAddr)
	_, err := f.orch.VerifyPayment(ctx, f.verifyReq(order, "pay_1", buyerAddr))
	require.NoError(t, err)

	for _, addr := range []string{buyerAddr, strings.ToLower(sellerAddr)} {
		txs, err := f.orch.ListTransactions(ctx, addr)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, order.TransactionId, txs[0].Id)
	}
	_, err = f.orch.ListTransactions(ctx, " ")
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))

	payouts, err := f.orch.ListPayouts(ctx, sellerAddr)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
}

func TestCreateOrderGatewayTimeoutFreesSeat(t *testing.T) {
	f := newFixture(t, false, WithTimeouts(10*time.Millisecond, 10*time.Millisecond))
	f.gw.hang = true

	_, err := f.orch.CreateOrder(context.Background(), "1", buyerAddr)
	require.Error(t, err)
	assert.Equal(t, core.CodeBadGateway, core.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.seats.Held("1"))

	txs, err := f.store.ListTransactionsByListing(context.Background(), "1")
	require.NoError(t, err)
	assert.Empty(t, txs)

	f.gw.hang = false
	f.order(t, buyerAddr)
}

func TestVerifyPaymentEscrowTimeoutLeavesPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, WithTimeouts(10*time.Millisecond, 10*time.Millisecond))
	order := f.order(t, buyerAddr)
	f.escrow.hang = true

	res, err := f.orch.VerifyPayment(ctx, f.verifyReq(order, "pay_1", buyerAddr))
	require.NoError(t, err)
	assert.Equal(t, msgPending, res.Message)
	assert.Nil(t, res.EscrowTxHash)

	tx := f.tx(t, order.TransactionId)
	assert.Equal(t, core.TransactionStatusPaid, tx.Status)
	assert.Equal(t, "pay_1", tx.PaymentId)
	assert.Empty(t, tx.EscrowTxHash)
	assert.Equal(t, core.ListingStatusSold, f.currentListing(t).Status)
	assert.Len(t, f.payouts(t), 1)
	assert.False(t, f.seats.Held("1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.releases.WithLabelValues("failure")))

	f.escrow.hang = false
	rr, err := f.orch.RetryRelease(ctx, tx.Id)
	require.NoError(t, err)
	assert.Equal(t, escrowHash, rr.EscrowTxHash)
	assert.Len(t, f.payouts(t), 1)
}

func TestVerifyPaymentUnconfirmedReleaseKeepsHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, WithTimeouts(time.Second, 10*time.Millisecond))
	order := f.order(t, buyerAddr)
	f.escrow.hang = true
	f.escrow.sentHash = escrowHash

	res, err := f.orch.VerifyPayment(ctx, f.verifyReq(order, "pay_1", buyerAddr))
	require.NoError(t, err)
	assert.Equal(t, msgPending, res.Message)
	require.NotNil(t, res.EscrowTxHash)
	assert.Equal(t, escrowHash, *res.EscrowTxHash)

	tx := f.tx(t, order.TransactionId)
	assert.Equal(t, core.TransactionStatusPaid, tx.Status)
	assert.Equal(t, escrowHash, tx.EscrowTxHash)
	assert.Equal(t, core.ListingStatusSold, f.currentListing(t).Status)
	assert.Len(t, f.payouts(t), 1)

	// the broadcast release may still land; nothing may send a second one
	f.escrow.hang = false
	_, err = f.orch.RetryRelease(ctx, tx.Id)
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))
	w := NewRetryWorker(f.clk, core.NopLog(), f.orch, WithRetryPolicy(1, zeroPolicy))
	assert.Zero(t, w.Sweep(ctx))
	assert.Equal(t, 1, f.escrow.calls)
}
