package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation возвращается при некорректных входных данных. Изменений не производится.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientStock возвращается, если доступных единиц меньше запрошенного.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientBalance возвращается, если списание уводит баланс в минус.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAssignment возвращается, если после списания не удалось выдать все единицы.
	// К моменту возврата ошибки деньги уже возвращены покупателю.
	ErrAssignment = errors.New("assignment error")
	// ErrCompensation возвращается, если откат покупки не завершился.
	ErrCompensation = errors.New("compensation failed")
	// ErrInvalidSignature возвращается при несовпадении подписи callback.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnknownReference возвращается, если callback ссылается на неизвестную транзакцию.
	ErrUnknownReference = errors.New("unknown reference")
	// ErrAlreadyResolved возвращается при повторной выплате по заявке.
	ErrAlreadyResolved = errors.New("claim already resolved")
	// ErrClaimNotApproved возвращается, если заявка ещё не одобрена или отклонена.
	ErrClaimNotApproved = errors.New("claim not approved")
	// ErrGateway возвращается при ошибке платёжного шлюза.
	ErrGateway = errors.New("gateway error")
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrAccountNotFound возвращается, если счёт покупателя не найден.
	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)
	// ErrDuplicateEntry возвращается при повторной проводке по той же транзакции и причине.
	ErrDuplicateEntry = errors.New("ledger entry already exists")
)

// InsufficientStockError содержит фактическое количество доступных единиц.
type InsufficientStockError struct {
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: requested %d, available %d", e.Requested, e.Available)
}

// Is позволяет сравнивать ошибку с ErrInsufficientStock через errors.Is.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// GatewayError описывает отказ платёжного шлюза.
type GatewayError struct {
	Message    string
	StatusCode int
	// Invalidated означает, что ожидающая транзакция пополнения переведена в FAILED.
	Invalidated bool
	Err         error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway error: %s: %v", e.Message, e.Err)
	}
	return "gateway error: " + e.Message
}

// Is позволяет сравнивать ошибку с ErrGateway через errors.Is.
func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Validationf оборачивает сообщение в ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
