package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// OwnerType identifies who holds a credit balance.
type OwnerType string

const (
	OwnerTypeCustomer OwnerType = "customer"
	OwnerTypeProvider OwnerType = "provider"
)

func (t OwnerType) Valid() bool {
	switch t {
	case OwnerTypeCustomer, OwnerTypeProvider:
		return true
	default:
		return false
	}
}

// ReasonCode classifies why a ledger entry exists.
type ReasonCode string

const (
	ReasonEarned    ReasonCode = "earned"
	ReasonRedeemed  ReasonCode = "redeemed"
	ReasonExpired   ReasonCode = "expired"
	ReasonForfeited ReasonCode = "forfeited"
	ReasonRefunded  ReasonCode = "refunded"
)

func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonEarned, ReasonRedeemed, ReasonExpired, ReasonForfeited, ReasonRefunded:
		return true
	default:
		return false
	}
}

// Credits reports whether entries with this reason increase a balance.
func (r ReasonCode) Credits() bool {
	return r == ReasonEarned || r == ReasonRefunded
}

const DefaultCurrency = "USD"

// UniqueCreditIntentConstraint guarantees at most one entry per intent.
const UniqueCreditIntentConstraint = "credit_ledger_entries_credit_intent_id_key"

// Entry is one immutable balance movement. Rows are never updated or deleted.
type Entry struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	OwnerType      OwnerType         `gorm:"type:text;not null" json:"owner_type"`
	OwnerID        string            `gorm:"type:text;not null" json:"owner_id"`
	BookingID      *string           `gorm:"type:text" json:"booking_id,omitempty"`
	CreditIntentID snowflake.ID      `gorm:"not null;uniqueIndex:credit_ledger_entries_credit_intent_id_key" json:"credit_intent_id"`
	AmountCents    int64             `gorm:"not null" json:"amount_cents"`
	Currency       string            `gorm:"type:text;not null" json:"currency"`
	ReasonCode     ReasonCode        `gorm:"type:text;not null" json:"reason_code"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
}

func (Entry) TableName() string { return "credit_ledger_entries" }

// Balance is always derived from the entries, never cached.
type Balance struct {
	OwnerType   OwnerType `json:"owner_type"`
	OwnerID     string    `json:"owner_id"`
	Currency    string    `json:"currency"`
	AmountCents int64     `json:"amount_cents"`
	EntryCount  int64     `json:"entry_count"`
}
