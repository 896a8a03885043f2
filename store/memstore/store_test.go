package memstore

import (
	"context"
	"testing"

	"github.com/DomeLiquid/escrowmarket/store/storetest"
	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return New() })
}

func TestSeedDemoListings(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Seed(ctx, DemoListings(clock.NewMock())))

	l, err := s.GetListingById(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "USDT", l.TokenSymbol)
	assert.Equal(t, "9.5", l.DiscountPercent.String())

	all, err := s.ListListings(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "4", all[0].Id, "newest first")

	assert.Error(t, s.Seed(ctx, DemoListings(clock.NewMock())))

	require.NoError(t, s.Close())
	_, err = s.GetListingById(ctx, "1")
	assert.Error(t, err)
}
