package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canvango/canvango-group-sub006/internal/model"
)

type entryKey struct {
	transactionID uuid.UUID
	kind          model.EntryKind
}

// MemoryRepository хранит данные в памяти процесса. Используется в тестах и
// в режиме разработки без DATABASE_URI. Каждый метод выполняется под общим
// мьютексом, что соответствует одной атомарной операции БД.
type MemoryRepository struct {
	mu sync.Mutex

	accounts     map[int64]*model.Account
	entries      []model.LedgerEntry
	entryKeys    map[entryKey]struct{}
	products     map[int64]model.Product
	units        []*model.InventoryUnit
	transactions map[uuid.UUID]*model.Transaction
	warranties   []model.Warranty
	claims       map[int64]*model.Claim

	nextProductID  int64
	nextUnitID     int64
	nextEntryID    int64
	nextWarrantyID int64
	nextClaimID    int64

	now func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[int64]*model.Account),
		entryKeys:    make(map[entryKey]struct{}),
		products:     make(map[int64]model.Product),
		transactions: make(map[uuid.UUID]*model.Transaction),
		claims:       make(map[int64]*model.Claim),
		now:          time.Now,
	}
}

// SeedAccount создаёт или перезаписывает счёт с заданным балансом.
func (m *MemoryRepository) SeedAccount(accountID, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = &model.Account{ID: accountID, Balance: balance, UpdatedAt: m.now()}
}

// SeedProduct добавляет товар в каталог и возвращает его идентификатор.
func (m *MemoryRepository) SeedProduct(p model.Product) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		m.nextProductID++
		p.ID = m.nextProductID
	} else if p.ID > m.nextProductID {
		m.nextProductID = p.ID
	}
	m.products[p.ID] = p
	return p.ID
}

// SeedUnits добавляет доступные единицы товара.
func (m *MemoryRepository) SeedUnits(productID int64, payloads ...model.Credentials) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		m.nextUnitID++
		m.units = append(m.units, &model.InventoryUnit{
			ID:        m.nextUnitID,
			ProductID: productID,
			Payload:   p,
			Status:    model.UnitStatusAvailable,
		})
		ids = append(ids, m.nextUnitID)
	}
	return ids
}

// Units возвращает копию всех единиц товара.
func (m *MemoryRepository) Units(productID int64) []model.InventoryUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.InventoryUnit
	for _, u := range m.units {
		if u.ProductID == productID {
			res = append(res, *u)
		}
	}
	return res
}

// LedgerEntries возвращает копию всех проводок в порядке записи.
func (m *MemoryRepository) LedgerEntries() []model.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LedgerEntry(nil), m.entries...)
}

// Ping всегда успешен.
func (m *MemoryRepository) Ping(context.Context) error { return nil }

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

// AdjustBalance изменяет баланс и записывает проводку; отрицательный итог и повтор (transaction_id, kind) отклоняются.
func (m *MemoryRepository) AdjustBalance(_ context.Context, accountID, delta int64, transactionID uuid.UUID, kind model.EntryKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[accountID]
	if !ok {
		return 0, model.ErrAccountNotFound
	}
	if acc.Balance+delta < 0 {
		return 0, model.ErrInsufficientBalance
	}
	key := entryKey{transactionID: transactionID, kind: kind}
	if _, dup := m.entryKeys[key]; dup {
		return 0, fmt.Errorf("%w: %s %s", model.ErrDuplicateEntry, transactionID, kind)
	}

	acc.Balance += delta
	acc.UpdatedAt = m.now()
	m.entryKeys[key] = struct{}{}
	m.nextEntryID++
	m.entries = append(m.entries, model.LedgerEntry{
		ID:            m.nextEntryID,
		AccountID:     accountID,
		TransactionID: transactionID,
		Kind:          kind,
		Delta:         delta,
		BalanceAfter:  acc.Balance,
		CreatedAt:     acc.UpdatedAt,
	})
	return acc.Balance, nil
}

// GetBalance возвращает текущий баланс счёта.
func (m *MemoryRepository) GetBalance(_ context.Context, accountID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return 0, model.ErrAccountNotFound
	}
	return acc.Balance, nil
}

// EnsureAccount создаёт счёт с нулевым балансом, если его ещё нет.
func (m *MemoryRepository) EnsureAccount(_ context.Context, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		m.accounts[accountID] = &model.Account{ID: accountID, UpdatedAt: m.now()}
	}
	return nil
}

// ListLedgerEntries возвращает последние проводки счёта, новые первыми.
func (m *MemoryRepository) ListLedgerEntries(_ context.Context, accountID int64, limit int) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && len(res) < limit; i-- {
		if m.entries[i].AccountID == accountID {
			res = append(res, m.entries[i])
		}
	}
	return res, nil
}

// GetProduct возвращает товар каталога.
func (m *MemoryRepository) GetProduct(_ context.Context, productID int64) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", productID, model.ErrNotFound)
	}
	return &p, nil
}

// CountAvailableUnits возвращает число доступных единиц товара.
func (m *MemoryRepository) CountAvailableUnits(_ context.Context, productID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.units {
		if u.ProductID == productID && u.Status == model.UnitStatusAvailable {
			n++
		}
	}
	return n, nil
}

// ReserveUnits резервирует до quantity доступных единиц за транзакцией.
func (m *MemoryRepository) ReserveUnits(_ context.Context, productID int64, quantity int, transactionID uuid.UUID) ([]model.UnitRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var refs []model.UnitRef
	for _, u := range m.units {
		if len(refs) == quantity {
			break
		}
		if u.ProductID != productID || u.Status != model.UnitStatusAvailable {
			continue
		}
		txID := transactionID
		u.Status = model.UnitStatusSold
		u.TransactionID = &txID
		u.AssignedAt = &now
		refs = append(refs, model.UnitRef{UnitID: u.ID, TransactionID: transactionID, Payload: u.Payload})
	}
	return refs, nil
}

// ReleaseUnit возвращает единицу в продажу, если она закреплена за транзакцией.
func (m *MemoryRepository) ReleaseUnit(_ context.Context, unitID int64, transactionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.units {
		if u.ID == unitID && u.Status == model.UnitStatusSold && u.TransactionID != nil && *u.TransactionID == transactionID {
			u.Status = model.UnitStatusAvailable
			u.TransactionID = nil
			u.AssignedAt = nil
		}
	}
	return nil
}

// ReleaseTransactionUnits возвращает в продажу все единицы транзакции.
func (m *MemoryRepository) ReleaseTransactionUnits(_ context.Context, transactionID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, u := range m.units {
		if u.Status == model.UnitStatusSold && u.TransactionID != nil && *u.TransactionID == transactionID {
			u.Status = model.UnitStatusAvailable
			u.TransactionID = nil
			u.AssignedAt = nil
			released++
		}
	}
	return released, nil
}

// CreateTransaction сохраняет новую транзакцию.
func (m *MemoryRepository) CreateTransaction(_ context.Context, t *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[t.ID]; ok {
		return fmt.Errorf("%w: transaction %s", model.ErrDuplicateEntry, t.ID)
	}
	if _, ok := m.accounts[t.AccountID]; !ok {
		return fmt.Errorf("create transaction: %w", model.ErrAccountNotFound)
	}
	now := m.now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	m.transactions[t.ID] = &cp
	return nil
}

// GetTransaction возвращает транзакцию по идентификатору.
func (m *MemoryRepository) GetTransaction(_ context.Context, id uuid.UUID) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// MarkTransactionFailed переводит транзакцию в FAILED.
func (m *MemoryRepository) MarkTransactionFailed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transactions[id]; ok &&
		(t.Status == model.TransactionStatusCompleted || t.Status == model.TransactionStatusPending) {
		t.Status = model.TransactionStatusFailed
		t.UpdatedAt = m.now()
	}
	return nil
}

// InvalidatePendingTransaction переводит ожидающую транзакцию в FAILED; false, если она уже не PENDING.
func (m *MemoryRepository) InvalidatePendingTransaction(_ context.Context, id uuid.UUID, gatewayStatus string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok || t.Status != model.TransactionStatusPending {
		return false, nil
	}
	t.Status = model.TransactionStatusFailed
	t.GatewayStatus = gatewayStatus
	t.UpdatedAt = m.now()
	return true, nil
}

// AttachGatewayFields сохраняет ответ шлюза по транзакции.
func (m *MemoryRepository) AttachGatewayFields(_ context.Context, id uuid.UUID, f model.GatewayFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	t.GatewayReference = f.Reference
	t.Fee = f.Fee
	t.PayURL = f.PayURL
	t.ExpiresAt = f.ExpiresAt
	if t.Status == model.TransactionStatusPending {
		t.GatewayStatus = f.Status
	}
	t.UpdatedAt = m.now()
	return nil
}

// SettlePendingTransaction переводит PENDING в конечный статус; false, если статус уже изменён.
func (m *MemoryRepository) SettlePendingTransaction(_ context.Context, id uuid.UUID, s model.Settlement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok || t.Status != model.TransactionStatusPending {
		return false, nil
	}
	t.Status = s.Status
	t.GatewayStatus = s.GatewayStatus
	t.PaidAt = s.PaidAt
	t.UpdatedAt = m.now()
	return true, nil
}

// RevertSettlement возвращает оплаченную транзакцию в PENDING.
func (m *MemoryRepository) RevertSettlement(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok || t.Status != model.TransactionStatusPaid {
		return false, nil
	}
	t.Status = model.TransactionStatusPending
	t.PaidAt = nil
	t.UpdatedAt = m.now()
	return true, nil
}

// ListStalePendingTopUps возвращает пополнения в PENDING, созданные раньше createdBefore.
func (m *MemoryRepository) ListStalePendingTopUps(_ context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Transaction
	for _, t := range m.transactions {
		if t.Type == model.TransactionTypeTopUp && t.Status == model.TransactionStatusPending && t.CreatedAt.Before(createdBefore) {
			res = append(res, *t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// ListTransactionsByAccount возвращает транзакции счёта, новые первыми.
func (m *MemoryRepository) ListTransactionsByAccount(_ context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Transaction
	for _, t := range m.transactions {
		if t.AccountID == accountID {
			res = append(res, *t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// CreateWarranties сохраняет гарантии на проданные единицы.
func (m *MemoryRepository) CreateWarranties(_ context.Context, warranties []model.Warranty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range warranties {
		for _, existing := range m.warranties {
			if existing.TransactionID == w.TransactionID && existing.UnitID == w.UnitID {
				return fmt.Errorf("%w: warranty", model.ErrDuplicateEntry)
			}
		}
	}
	now := m.now()
	for _, w := range warranties {
		m.nextWarrantyID++
		w.ID = m.nextWarrantyID
		w.CreatedAt = now
		m.warranties = append(m.warranties, w)
	}
	return nil
}

// ListWarrantiesByAccount возвращает гарантии покупателя.
func (m *MemoryRepository) ListWarrantiesByAccount(_ context.Context, accountID int64) ([]model.Warranty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Warranty
	for i := len(m.warranties) - 1; i >= 0; i-- {
		if m.warranties[i].AccountID == accountID {
			res = append(res, m.warranties[i])
		}
	}
	return res, nil
}

// ListWarrantiesByTransaction возвращает гарантии транзакции.
func (m *MemoryRepository) ListWarrantiesByTransaction(_ context.Context, transactionID uuid.UUID) ([]model.Warranty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Warranty
	for _, w := range m.warranties {
		if w.TransactionID == transactionID {
			res = append(res, w)
		}
	}
	return res, nil
}

// CreateClaim сохраняет претензию; вторая открытая претензия по транзакции отклоняется.
func (m *MemoryRepository) CreateClaim(_ context.Context, c *model.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.claims {
		if existing.TransactionID == c.TransactionID && existing.Status != model.ClaimStatusRejected {
			return fmt.Errorf("%w: claim for transaction %s", model.ErrDuplicateEntry, c.TransactionID)
		}
	}
	m.nextClaimID++
	c.ID = m.nextClaimID
	c.CreatedAt = m.now()
	cp := *c
	m.claims[c.ID] = &cp
	return nil
}

// GetClaim возвращает претензию по идентификатору.
func (m *MemoryRepository) GetClaim(_ context.Context, id int64) (*model.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %d: %w", id, model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// TransitionClaim меняет статус претензии, если текущий равен from.
func (m *MemoryRepository) TransitionClaim(_ context.Context, id int64, from, to model.ClaimStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok || c.Status != from || c.ResolvedAt != nil {
		return false, nil
	}
	c.Status = to
	return true, nil
}

// ClaimResolution закрепляет возврат по одобренной претензии; false, если её уже закрыли.
func (m *MemoryRepository) ClaimResolution(_ context.Context, id int64) (*model.Claim, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok || c.Status != model.ClaimStatusApproved || c.ResolvedAt != nil {
		return nil, false, nil
	}
	t, ok := m.transactions[c.TransactionID]
	if !ok {
		return nil, false, nil
	}
	now := m.now()
	c.ResolvedAt = &now
	c.RefundAmount = t.Amount
	cp := *c
	return &cp, true, nil
}

// UndoResolution снимает отметку о возврате после неудачного начисления.
func (m *MemoryRepository) UndoResolution(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[id]; ok {
		c.ResolvedAt = nil
		c.RefundAmount = 0
	}
	return nil
}

// ListClaimsByAccount возвращает претензии покупателя.
func (m *MemoryRepository) ListClaimsByAccount(_ context.Context, accountID int64) ([]model.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Claim
	for _, c := range m.claims {
		if c.AccountID == accountID {
			res = append(res, *c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}
