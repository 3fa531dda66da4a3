package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/repository"
)

func newLedger(t *testing.T, balance int64) (*Ledger, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	repo.SeedAccount(1, balance)
	return New(repo, zap.NewNop()), repo
}

func TestAdjustBalanceRejectsZeroDelta(t *testing.T) {
	l, _ := newLedger(t, 100)

	_, err := l.AdjustBalance(context.Background(), 1, 0, Reference{TransactionID: uuid.New(), Kind: model.EntryKindTopUpCredit})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAdjustBalanceRequiresReference(t *testing.T) {
	l, _ := newLedger(t, 100)

	_, err := l.AdjustBalance(context.Background(), 1, 10, Reference{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAdjustBalanceDebitAndCredit(t *testing.T) {
	l, repo := newLedger(t, 100_000)
	ctx := context.Background()

	balance, err := l.AdjustBalance(ctx, 1, -100_000, Reference{TransactionID: uuid.New(), Kind: model.EntryKindPurchaseDebit})
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	_, err = l.AdjustBalance(ctx, 1, -1, Reference{TransactionID: uuid.New(), Kind: model.EntryKindPurchaseDebit})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	balance, err = l.AdjustBalance(ctx, 1, 50_000, Reference{TransactionID: uuid.New(), Kind: model.EntryKindTopUpCredit})
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), balance)

	got, err := l.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, balance, got)
	assert.Len(t, repo.LedgerEntries(), 2)
}

func TestAdjustBalanceConcurrentNeverNegative(t *testing.T) {
	const initial = 1_000
	l, _ := newLedger(t, initial)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		applied atomic.Int64
	)
	deltas := []int64{-300, 200, -150, -400, 500, -250, -100, 50, -600, 120}
	for i := 0; i < 5; i++ {
		for _, d := range deltas {
			wg.Add(1)
			go func(delta int64) {
				defer wg.Done()
				kind := model.EntryKindTopUpCredit
				if delta < 0 {
					kind = model.EntryKindPurchaseDebit
				}
				if _, err := l.AdjustBalance(ctx, 1, delta, Reference{TransactionID: uuid.New(), Kind: kind}); err == nil {
					applied.Add(delta)
				} else {
					assert.ErrorIs(t, err, model.ErrInsufficientBalance)
				}
			}(d)
		}
	}
	wg.Wait()

	balance, err := l.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, initial+applied.Load(), balance)
	assert.GreaterOrEqual(t, balance, int64(0))
}

func TestHistoryNewestFirst(t *testing.T) {
	l, _ := newLedger(t, 0)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	_, err := l.AdjustBalance(ctx, 1, 10, Reference{TransactionID: first, Kind: model.EntryKindTopUpCredit})
	require.NoError(t, err)
	_, err = l.AdjustBalance(ctx, 1, 20, Reference{TransactionID: second, Kind: model.EntryKindTopUpCredit})
	require.NoError(t, err)

	entries, err := l.History(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second, entries[0].TransactionID)
	assert.Equal(t, int64(30), entries[0].BalanceAfter)
}
