package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	AppendLedgerEntry(ctx context.Context, req AppendRequest) (AppendResult, error)
	// GetBalance fails with ErrMixedCurrencies when the owner holds more
	// than one currency.
	GetBalance(ctx context.Context, ownerType OwnerType, ownerID string) (Balance, error)
	// GetBalances returns one balance per currency, ordered by currency.
	GetBalances(ctx context.Context, ownerType OwnerType, ownerID string) ([]Balance, error)
	ListEntries(ctx context.Context, req ListRequest) ([]Entry, error)
}

type AppendRequest struct {
	OwnerType      OwnerType
	OwnerID        string
	BookingID      *string
	CreditIntentID snowflake.ID
	AmountCents    int64
	Currency       string
	ReasonCode     ReasonCode
	Metadata       map[string]any
	ExpiresAt      *time.Time
}

// AppendResult reports a successful append. Duplicate is set when the intent
// already had an entry; Entry then carries the stored row.
type AppendResult struct {
	Success   bool   `json:"success"`
	Entry     *Entry `json:"entry,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

type ListRequest struct {
	OwnerType OwnerType
	OwnerID   string
	Limit     int
	// BeforeID pages backwards from an entry id.
	BeforeID snowflake.ID
}

var (
	ErrInvalidOwnerType    = errors.New("invalid_owner_type")
	ErrInvalidOwnerID      = errors.New("invalid_owner_id")
	ErrInvalidCreditIntent = errors.New("invalid_credit_intent")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidReasonCode   = errors.New("invalid_reason_code")
	ErrAmountSignMismatch  = errors.New("amount_sign_mismatch")
	ErrInvalidCurrency     = errors.New("invalid_currency")

	ErrMixedCurrencies = errors.New("mixed_currencies")
)

// ValidateAmountSign checks the amount against the direction implied by reason.
func ValidateAmountSign(reason ReasonCode, amount int64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if !reason.Valid() {
		return ErrInvalidReasonCode
	}
	if reason.Credits() != (amount > 0) {
		return ErrAmountSignMismatch
	}
	return nil
}

// NormalizeCurrency uppercases an ISO 4217 code. Empty means DefaultCurrency.
func NormalizeCurrency(currency string) (string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return DefaultCurrency, nil
	}
	if len(currency) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return currency, nil
}

// IsValidationError reports whether err was caused by a malformed request.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidOwnerType,
		ErrInvalidOwnerID,
		ErrInvalidCreditIntent,
		ErrInvalidAmount,
		ErrInvalidReasonCode,
		ErrAmountSignMismatch,
		ErrInvalidCurrency,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
