// Package model содержит доменные сущности маркетплейса аккаунтов.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Product описывает позицию каталога. Каталогом управляет внешняя админка.
type Product struct {
	ID              int64
	Name            string
	Price           int64
	Active          bool
	WarrantyEnabled bool
	WarrantyDays    int
}

// UnitStatus описывает состояние единицы товара.
type UnitStatus string

const (
	UnitStatusAvailable UnitStatus = "AVAILABLE"
	UnitStatusSold      UnitStatus = "SOLD"
)

// Credentials хранит непрозрачные данные аккаунта (логин, пароль, cookies и т.п.).
// Содержимое не разбирается ядром и отдаётся покупателю как есть.
type Credentials []byte

// MarshalJSON отдаёт данные аккаунта без повторного кодирования.
func (c Credentials) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(c) {
		return json.Marshal(string(c))
	}
	return []byte(c), nil
}

// UnmarshalJSON сохраняет исходный JSON без разбора.
func (c *Credentials) UnmarshalJSON(data []byte) error {
	*c = append((*c)[:0], data...)
	return nil
}

// InventoryUnit описывает одну продаваемую единицу товара.
// TransactionID заполнен тогда и только тогда, когда Status = SOLD.
type InventoryUnit struct {
	ID            int64
	ProductID     int64
	Payload       Credentials
	Status        UnitStatus
	TransactionID *uuid.UUID
	AssignedAt    *time.Time
}

// UnitRef ссылается на зарезервированную единицу и транзакцию, которой она выдана.
type UnitRef struct {
	UnitID        int64       `json:"id"`
	TransactionID uuid.UUID   `json:"-"`
	Payload       Credentials `json:"payload"`
}

// Account описывает покупателя и его баланс в минимальных единицах валюты.
type Account struct {
	ID        int64
	Balance   int64
	UpdatedAt time.Time
}

// TransactionType описывает тип транзакции.
type TransactionType string

const (
	TransactionTypePurchase TransactionType = "PURCHASE"
	TransactionTypeTopUp    TransactionType = "TOPUP"
)

// TransactionStatus описывает статус транзакции.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusPaid      TransactionStatus = "PAID"
	TransactionStatusExpired   TransactionStatus = "EXPIRED"
)

// Terminal сообщает, что из статуса больше нет переходов.
func (s TransactionStatus) Terminal() bool {
	return s != TransactionStatusPending
}

// Transaction описывает покупку или пополнение баланса.
type Transaction struct {
	ID        uuid.UUID
	AccountID int64
	Type      TransactionType
	Amount    int64
	Status    TransactionStatus

	ProductID *int64
	Quantity  *int

	PaymentMethod    string
	GatewayReference string
	Signature        string
	GatewayStatus    string
	Fee              int64
	PayURL           string
	ExpiresAt        *time.Time
	PaidAt           *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GatewayFields содержит данные платёжного шлюза, сохраняемые после создания платежа.
type GatewayFields struct {
	Reference string
	Fee       int64
	PayURL    string
	ExpiresAt *time.Time
	Status    string
}

// Settlement описывает перевод пополнения в терминальный статус.
type Settlement struct {
	Status        TransactionStatus
	GatewayStatus string
	PaidAt        *time.Time
}

// EntryKind описывает причину движения по балансу.
type EntryKind string

const (
	EntryKindPurchaseDebit    EntryKind = "PURCHASE_DEBIT"
	EntryKindPurchaseReversal EntryKind = "PURCHASE_REVERSAL"
	EntryKindTopUpCredit      EntryKind = "TOPUP_CREDIT"
	EntryKindWarrantyRefund   EntryKind = "WARRANTY_REFUND"
)

// LedgerEntry фиксирует одно изменение баланса. Пара (TransactionID, Kind) уникальна.
type LedgerEntry struct {
	ID            int64
	AccountID     int64
	TransactionID uuid.UUID
	Kind          EntryKind
	Delta         int64
	BalanceAfter  int64
	CreatedAt     time.Time
}

// Warranty описывает запись о покупке одной единицы и срок гарантии по ней.
type Warranty struct {
	ID            int64
	TransactionID uuid.UUID
	UnitID        int64
	AccountID     int64
	ProductID     int64
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// ClaimStatus описывает статус гарантийной заявки.
type ClaimStatus string

const (
	ClaimStatusPending  ClaimStatus = "PENDING"
	ClaimStatusApproved ClaimStatus = "APPROVED"
	ClaimStatusRejected ClaimStatus = "REJECTED"
)

// Claim описывает гарантийную заявку покупателя.
// ResolvedAt выставляется один раз, при выплате возврата.
type Claim struct {
	ID            int64
	AccountID     int64
	TransactionID uuid.UUID
	Reason        string
	Status        ClaimStatus
	RefundAmount  int64
	ResolvedAt    *time.Time
	CreatedAt     time.Time
}
