package gormstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/DomeLiquid/escrowmarket/store/storetest"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.Must(uuid.NewV4()).String())
	s, err := Open(DriverSqlite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newTestStore(t) })
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever")
	assert.Error(t, err)
}

func TestUpdatePayoutStatusMissing(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.UpdatePayoutStatus(context.Background(), "nope", "COMPLETED"))
}
