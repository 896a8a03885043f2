// Package gateway adapts the hosted card/UPI payment gateway: order creation over its REST
// API and verification of the checkout signature it hands back to the buyer.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

var _ core.PaymentGateway = (*Client)(nil)

const (
	DefaultBaseURL = "https://api.razorpay.com/v1"
	DefaultTimeout = 10 * time.Second
)

type Client struct {
	keyId string
	http  *resty.Client
}

// ApiError is a non-2xx answer from the gateway. The body is kept short for logs.
type ApiError struct {
	StatusCode int
	Body       string
}

func (e *ApiError) Error() string {
	return "payment gateway status " + http.StatusText(e.StatusCode) + ": " + e.Body
}

func NewClient(baseURL, keyId, keySecret string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetBasicAuth(strings.TrimSpace(keyId), strings.TrimSpace(keySecret)).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{keyId: strings.TrimSpace(keyId), http: c}
}

// KeyId is the public half of the credential pair, handed to hosted checkout.
func (c *Client) KeyId() string {
	return c.keyId
}

func (c *Client) CreateOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	var order core.Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&order).
		Post("/orders")
	if err != nil {
		return nil, errors.Wrap(err, "create gateway order")
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	if order.Id == "" {
		return nil, errors.New("gateway order response has no id")
	}
	return &order, nil
}

// Ping checks that the configured credentials are accepted and returns the gateway status code.
func (c *Client) Ping(ctx context.Context) (int, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/keys")
	if err != nil {
		return 0, errors.Wrap(err, "ping gateway")
	}
	return resp.StatusCode(), checkResponse(resp)
}

func checkResponse(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	body := resp.String()
	if len(body) > 200 {
		body = body[:200]
	}
	apiErr := &ApiError{StatusCode: resp.StatusCode(), Body: body}
	if resp.StatusCode() == http.StatusUnauthorized {
		return errors.Wrap(core.ErrGatewayUnauthorized, apiErr.Error())
	}
	return apiErr
}
