// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/canvango/canvango-group-sub006/internal/model"
)

var (
	ErrEmptyEmail          = fmt.Errorf("%w: email is empty", model.ErrValidation)
	ErrInvalidEmailFormat  = fmt.Errorf("%w: invalid email format", model.ErrValidation)
	ErrInvalidPhone        = fmt.Errorf("%w: invalid phone number", model.ErrValidation)
	ErrEmptyCustomerName   = fmt.Errorf("%w: customer name is empty", model.ErrValidation)
	ErrInvalidMethod       = fmt.Errorf("%w: invalid payment method", model.ErrValidation)
	ErrAmountTooSmall      = fmt.Errorf("%w: amount is below the minimum", model.ErrValidation)
	ErrAmountTooLarge      = fmt.Errorf("%w: amount is above the maximum", model.ErrValidation)
	ErrInvalidExpiry       = fmt.Errorf("%w: expiry hours out of range", model.ErrValidation)
	ErrInvalidOrderItem    = fmt.Errorf("%w: invalid order item", model.ErrValidation)
	ErrOrderItemsMismatch  = fmt.Errorf("%w: order items do not add up to amount", model.ErrValidation)
	ErrEmptyTransactionRef = fmt.Errorf("%w: transaction id is empty", model.ErrValidation)
	ErrEmptyReason         = fmt.Errorf("%w: claim reason is empty", model.ErrValidation)
)

var (
	emailRegex  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phoneRegex  = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
	methodRegex = regexp.MustCompile(`^[A-Z0-9_]{2,32}$`)
)

// MaxExpiryHours ограничивает срок жизни платежа.
const MaxExpiryHours = 72

// Item описывает позицию заказа для проверки суммы.
type Item struct {
	Name     string
	Price    int64
	Quantity int
}

// TopUp описывает проверяемый запрос на пополнение.
type TopUp struct {
	Amount        int64
	PaymentMethod string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	ExpiryHours   int
	Items         []Item
}

// Limits задаёт допустимый диапазон суммы пополнения. Max = 0 снимает верхнюю границу.
type Limits struct {
	Min int64
	Max int64
}

func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return ErrEmptyEmail
	}
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmailFormat
	}
	return nil
}

// ValidatePhone допускает пустой номер: шлюз не требует телефон.
func ValidatePhone(phone string) error {
	if phone == "" {
		return nil
	}
	if !phoneRegex.MatchString(phone) {
		return ErrInvalidPhone
	}
	return nil
}

func ValidatePaymentMethod(method string) error {
	if !methodRegex.MatchString(method) {
		return ErrInvalidMethod
	}
	return nil
}

func ValidateAmount(amount int64, limits Limits) error {
	if amount <= 0 || amount < limits.Min {
		return ErrAmountTooSmall
	}
	if limits.Max > 0 && amount > limits.Max {
		return ErrAmountTooLarge
	}
	return nil
}

func ValidateExpiryHours(hours int) error {
	if hours < 0 || hours > MaxExpiryHours {
		return ErrInvalidExpiry
	}
	return nil
}

// ValidateItems проверяет позиции заказа: если они переданы, их сумма должна совпадать с amount.
func ValidateItems(items []Item, amount int64) error {
	if len(items) == 0 {
		return nil
	}
	var sum int64
	for _, it := range items {
		if strings.TrimSpace(it.Name) == "" || it.Price <= 0 || it.Quantity <= 0 {
			return ErrInvalidOrderItem
		}
		sum += it.Price * int64(it.Quantity)
	}
	if sum != amount {
		return ErrOrderItemsMismatch
	}
	return nil
}

// ValidateTopUp проверяет запрос на пополнение целиком.
func ValidateTopUp(req TopUp, limits Limits) error {
	if err := ValidateAmount(req.Amount, limits); err != nil {
		return err
	}
	if err := ValidatePaymentMethod(req.PaymentMethod); err != nil {
		return err
	}
	if strings.TrimSpace(req.CustomerName) == "" {
		return ErrEmptyCustomerName
	}
	if err := ValidateEmail(req.CustomerEmail); err != nil {
		return err
	}
	if err := ValidatePhone(req.CustomerPhone); err != nil {
		return err
	}
	if err := ValidateExpiryHours(req.ExpiryHours); err != nil {
		return err
	}
	return ValidateItems(req.Items, req.Amount)
}

// ValidateClaimReason проверяет текст гарантийной заявки.
func ValidateClaimReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrEmptyReason
	}
	return nil
}
