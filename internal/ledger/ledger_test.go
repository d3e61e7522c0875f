package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dvm/internal/store"
)

func testService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/ledger.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestDeposit_CreditsBalance(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Deposit(ctx, "npub-a", "hash-1", 5000, "zap"))

	got, err := svc.Balance(ctx, "npub-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got)
}

func TestDeposit_ReplayRejected(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Deposit(ctx, "npub-a", "hash-1", 5000, "zap"))
	err := svc.Deposit(ctx, "npub-a", "hash-1", 5000, "zap")
	assert.ErrorIs(t, err, store.ErrDuplicatePayment)

	got, err := svc.Balance(ctx, "npub-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got)
}

func TestBalance_UnknownAccountIsZero(t *testing.T) {
	svc := testService(t)

	got, err := svc.Balance(context.Background(), "npub-nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestCredit(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, "npub-a", 1200))
	require.NoError(t, svc.Credit(ctx, "npub-a", 800))

	got, err := svc.Balance(ctx, "npub-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got)
}
