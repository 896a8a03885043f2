package memstore

import (
	"context"
	"time"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
)

// DemoListings mirrors the marketplace's starter inventory.
func DemoListings(clk clock.Clock) []*core.Listing {
	type seed struct {
		id     string
		token  core.TokenIdentity
		amount string
		seller string
		asking int64
		market int64
		age    time.Duration
	}
	usdt := core.TokenIdentity{Address: "0x0000000000000000000000000000000000000001", Symbol: "USDT", Name: "Tether USD", Decimals: 6}
	usdc := core.TokenIdentity{Address: "0x0000000000000000000000000000000000000002", Symbol: "USDC", Name: "USD Coin", Decimals: 6}
	weth := core.TokenIdentity{Address: "0x0000000000000000000000000000000000000003", Symbol: "WETH", Name: "Wrapped ETH", Decimals: 18}

	seeds := []seed{
		{"1", usdt, "500", "0xAb5801a7D398351b8bE11C439e05C5b3259aeC9B", 38000, 42000, time.Hour},
		{"2", usdc, "1000", "0x1234567890abcdef1234567890abcdef12345678", 82000, 84000, 2 * time.Hour},
		{"3", weth, "2.5", "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", 450000, 520000, 30 * time.Minute},
		{"4", usdt, "250", "0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", 19500, 21000, 15 * time.Minute},
	}

	res := make([]*core.Listing, 0, len(seeds))
	for _, s := range seeds {
		l := core.NewListing(clk, s.id, s.token, decimal.RequireFromString(s.amount), s.seller, decimal.NewFromInt(s.asking), decimal.NewFromInt(s.market), "")
		l.CreatedAt = clk.Now().Add(-s.age).Unix()
		l.UpdatedAt = l.CreatedAt
		res = append(res, l)
	}
	return res
}

func (s *Store) Seed(ctx context.Context, listings []*core.Listing) error {
	for _, l := range listings {
		if err := s.CreateListing(ctx, l); err != nil {
			return err
		}
	}
	return nil
}
