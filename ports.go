package core

import (
	"context"

	"github.com/pkg/errors"
)

// ErrGatewayUnauthorized marks a gateway rejection of our credentials, a misconfiguration
// rather than a transient fault.
var ErrGatewayUnauthorized = errors.New("payment gateway rejected credentials")

type (
	// PurchaseLock is the per-listing checkout reservation. Acquire is an atomic check-and-set;
	// Release is idempotent.
	PurchaseLock interface {
		Acquire(ctx context.Context, listingId string) (bool, error)
		Release(ctx context.Context, listingId string) error
	}

	PaymentGateway interface {
		CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	}

	// SignatureVerifier checks the gateway's payment confirmation signature.
	SignatureVerifier interface {
		Verify(orderId, paymentId, signature string) bool
	}

	// EscrowReleaser performs the on-chain release and returns the mined transaction hash.
	// A non-empty hash returned with an error means the release was broadcast but not confirmed.
	EscrowReleaser interface {
		Release(ctx context.Context, listingId, buyerAddress string) (string, error)
	}

	OrderRequest struct {
		Amount   int64             `json:"amount"`
		Currency string            `json:"currency"`
		Receipt  string            `json:"receipt"`
		Notes    map[string]string `json:"notes"`
	}

	Order struct {
		Id       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Receipt  string `json:"receipt"`
		Status   string `json:"status"`
	}
)
