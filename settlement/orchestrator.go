// Package settlement drives a sale from checkout to escrow release: it reserves the listing,
// opens the gateway order, verifies the payment signature and releases the tokens.
package settlement

import (
	"time"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/DomeLiquid/escrowmarket/utils"
	"github.com/facebookgo/clock"
)

const (
	DefaultGatewayTimeout = 10 * time.Second
	DefaultEscrowTimeout  = 60 * time.Second

	defaultListingNode = 1
)

const (
	msgReleased = "Payment verified. Tokens released to your wallet."
	msgPending  = "Payment verified. Tokens will be released shortly."
	msgReplay   = "Payment already processed."
)

type Store interface {
	core.ListingStore
	core.TransactionStore
	core.PayoutStore
}

// Orchestrator is the only writer of listings and transactions on the payment path.
type Orchestrator struct {
	clk      clock.Clock
	log      core.Log
	store    Store
	lock     core.PurchaseLock
	gateway  core.PaymentGateway
	verifier core.SignatureVerifier
	escrow   core.EscrowReleaser

	ids      *utils.ListingIdGenerator
	serial   *utils.KeyedMutex
	metrics  *Metrics
	currency string
	keyId    string

	gatewayTimeout time.Duration
	escrowTimeout  time.Duration
}

type Option func(o *Orchestrator)

// WithEscrow enables on-chain release. Without it verified payments settle on the no-op path.
func WithEscrow(releaser core.EscrowReleaser) Option {
	return func(o *Orchestrator) {
		o.escrow = releaser
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithGatewayKeyId sets the public key id returned to hosted checkout.
func WithGatewayKeyId(keyId string) Option {
	return func(o *Orchestrator) {
		o.keyId = keyId
	}
}

func WithCurrency(currency string) Option {
	return func(o *Orchestrator) {
		if currency != "" {
			o.currency = currency
		}
	}
}

func WithTimeouts(gateway, escrow time.Duration) Option {
	return func(o *Orchestrator) {
		if gateway > 0 {
			o.gatewayTimeout = gateway
		}
		if escrow > 0 {
			o.escrowTimeout = escrow
		}
	}
}

func WithListingIds(ids *utils.ListingIdGenerator) Option {
	return func(o *Orchestrator) {
		o.ids = ids
	}
}

func New(clk clock.Clock, log core.Log, store Store, lock core.PurchaseLock, gateway core.PaymentGateway, verifier core.SignatureVerifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clk:            clk,
		log:            log,
		store:          store,
		lock:           lock,
		gateway:        gateway,
		verifier:       verifier,
		serial:         utils.NewKeyedMutex(),
		currency:       core.DEFAULT_CURRENCY,
		gatewayTimeout: DefaultGatewayTimeout,
		escrowTimeout:  DefaultEscrowTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.ids == nil {
		ids, err := utils.NewListingIdGenerator(defaultListingNode)
		if err != nil {
			panic(err)
		}
		o.ids = ids
	}
	return o
}

func (o *Orchestrator) EscrowEnabled() bool {
	return o.escrow != nil
}

func (o *Orchestrator) now() int64 {
	return o.clk.Now().Unix()
}
