package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsMarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		want  string
	}{
		{name: "json object kept as is", creds: Credentials(`{"login":"a","password":"b"}`), want: `{"login":"a","password":"b"}`},
		{name: "plain text quoted", creds: Credentials("login|pass"), want: `"login|pass"`},
		{name: "empty is null", creds: nil, want: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := json.Marshal(struct {
				P Credentials `json:"p"`
			}{P: tt.creds})
			require.NoError(t, err)
			assert.JSONEq(t, `{"p":`+tt.want+`}`, string(out))
		})
	}
}

func TestInsufficientStockErrorIs(t *testing.T) {
	err := fmt.Errorf("purchase: %w", &InsufficientStockError{Requested: 3, Available: 1})

	assert.True(t, errors.Is(err, ErrInsufficientStock))

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 1, stockErr.Available)
}

func TestGatewayErrorIs(t *testing.T) {
	err := &GatewayError{Message: "Invalid merchant", StatusCode: 400, Invalidated: true}

	assert.True(t, errors.Is(err, ErrGateway))
	assert.Contains(t, err.Error(), "Invalid merchant")
}

func TestTransactionStatusTerminal(t *testing.T) {
	assert.False(t, TransactionStatusPending.Terminal())
	assert.True(t, TransactionStatusPaid.Terminal())
	assert.True(t, TransactionStatusExpired.Terminal())
	assert.True(t, TransactionStatusFailed.Terminal())
}
