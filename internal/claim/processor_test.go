package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/ledger"
	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/repository"
)

const buyerID = int64(3)

type fixture struct {
	repo      *repository.MemoryRepository
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	repo.SeedAccount(buyerID, 1000)
	return &fixture{
		repo:      repo,
		processor: New(repo, ledger.New(repo, zap.NewNop()), zap.NewNop()),
	}
}

// purchase создаёт завершённую покупку с гарантией, истекающей через expiresIn.
func (f *fixture) purchase(t *testing.T, amount int64, expiresIn time.Duration) uuid.UUID {
	t.Helper()
	tx := &model.Transaction{
		ID:        uuid.New(),
		AccountID: buyerID,
		Type:      model.TransactionTypePurchase,
		Amount:    amount,
		Status:    model.TransactionStatusCompleted,
	}
	require.NoError(t, f.repo.CreateTransaction(context.Background(), tx))

	expiresAt := time.Now().Add(expiresIn)
	require.NoError(t, f.repo.CreateWarranties(context.Background(), []model.Warranty{{
		TransactionID: tx.ID,
		UnitID:        1,
		AccountID:     buyerID,
		ProductID:     1,
		ExpiresAt:     &expiresAt,
	}}))
	return tx.ID
}

func (f *fixture) approvedClaim(t *testing.T, amount int64) *model.Claim {
	t.Helper()
	txID := f.purchase(t, amount, 24*time.Hour)
	c, err := f.processor.Create(context.Background(), buyerID, txID, "account banned on first login")
	require.NoError(t, err)
	_, err = f.processor.Approve(context.Background(), c.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.repo.GetBalance(context.Background(), buyerID)
	require.NoError(t, err)
	return b
}

func TestResolve_RefundsOnce(t *testing.T) {
	f := newFixture(t)
	c := f.approvedClaim(t, 50000)

	refund, err := f.processor.Resolve(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), refund.RefundAmount)
	assert.Equal(t, int64(51000), refund.NewBalance)

	_, err = f.processor.Resolve(context.Background(), c.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
	assert.Equal(t, int64(51000), f.balance(t))

	stored, err := f.repo.GetClaim(context.Background(), c.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ResolvedAt)
	assert.Equal(t, int64(50000), stored.RefundAmount)
}

func TestResolve_ConcurrentRefundsOnce(t *testing.T) {
	f := newFixture(t)
	c := f.approvedClaim(t, 700)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		refunded  int
		duplicate int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.processor.Resolve(context.Background(), c.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				refunded++
			case errors.Is(err, model.ErrAlreadyResolved):
				duplicate++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, refunded)
	assert.Equal(t, workers-1, duplicate)
	assert.Equal(t, int64(1700), f.balance(t))
}

func TestResolve_Diagnostics(t *testing.T) {
	f := newFixture(t)

	_, err := f.processor.Resolve(context.Background(), 999)
	assert.ErrorIs(t, err, model.ErrNotFound)

	txID := f.purchase(t, 100, time.Hour)
	pending, err := f.processor.Create(context.Background(), buyerID, txID, "does not work")
	require.NoError(t, err)

	_, err = f.processor.Resolve(context.Background(), pending.ID)
	assert.ErrorIs(t, err, model.ErrClaimNotApproved)

	_, err = f.processor.Reject(context.Background(), pending.ID)
	require.NoError(t, err)

	_, err = f.processor.Resolve(context.Background(), pending.ID)
	assert.ErrorIs(t, err, model.ErrClaimNotApproved)
	assert.Equal(t, int64(1000), f.balance(t))
}

// failingStore отказывает в зачислении, как при потере соединения с БД.
type failingStore struct {
	*repository.MemoryRepository
	fail bool
}

func (s *failingStore) AdjustBalance(ctx context.Context, accountID, delta int64, transactionID uuid.UUID, kind model.EntryKind) (int64, error) {
	if s.fail {
		return 0, errors.New("connection reset")
	}
	return s.MemoryRepository.AdjustBalance(ctx, accountID, delta, transactionID, kind)
}

func TestResolve_CreditFailureUndoesResolution(t *testing.T) {
	f := newFixture(t)
	c := f.approvedClaim(t, 300)

	store := &failingStore{MemoryRepository: f.repo, fail: true}
	p := New(store, ledger.New(store, zap.NewNop()), zap.NewNop())

	_, err := p.Resolve(context.Background(), c.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrAlreadyResolved)

	stored, err := f.repo.GetClaim(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ResolvedAt)

	store.fail = false
	refund, err := p.Resolve(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1300), refund.NewBalance)
}

func TestCreate_Rules(t *testing.T) {
	f := newFixture(t)

	expired := f.purchase(t, 100, -time.Hour)
	_, err := f.processor.Create(context.Background(), buyerID, expired, "broken")
	assert.ErrorIs(t, err, model.ErrValidation)

	active := f.purchase(t, 100, time.Hour)
	_, err = f.processor.Create(context.Background(), buyerID, active, "  ")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.processor.Create(context.Background(), buyerID+1, active, "not mine")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.processor.Create(context.Background(), buyerID, uuid.New(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	c, err := f.processor.Create(context.Background(), buyerID, active, "broken")
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStatusPending, c.Status)

	_, err = f.processor.Create(context.Background(), buyerID, active, "again")
	assert.ErrorIs(t, err, model.ErrDuplicateEntry)

	claims, err := f.processor.List(context.Background(), buyerID)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestCreate_RejectsTopUps(t *testing.T) {
	f := newFixture(t)
	tx := &model.Transaction{
		ID:        uuid.New(),
		AccountID: buyerID,
		Type:      model.TransactionTypeTopUp,
		Amount:    100,
		Status:    model.TransactionStatusPaid,
	}
	require.NoError(t, f.repo.CreateTransaction(context.Background(), tx))

	_, err := f.processor.Create(context.Background(), buyerID, tx.ID, "refund please")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDecide_OnlyFromPending(t *testing.T) {
	f := newFixture(t)
	c := f.approvedClaim(t, 100)

	_, err := f.processor.Reject(context.Background(), c.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)

	_, err = f.processor.Approve(context.Background(), 12345)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
