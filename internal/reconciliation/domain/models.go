package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	"gorm.io/datatypes"
)

const (
	MetadataForfeitureOf = "forfeiture_of"
	MetadataExpiryOf     = "expiry_of"
	MetadataReason       = "reason"
)

// CreditIntent is a proposed balance adjustment awaiting reconciliation.
type CreditIntent struct {
	ID               snowflake.ID             `gorm:"primaryKey" json:"id"`
	OwnerType        ledgerdomain.OwnerType   `gorm:"type:text;not null" json:"owner_type"`
	OwnerID          string                   `gorm:"type:text;not null" json:"owner_id"`
	BookingID        *string                  `gorm:"type:text" json:"booking_id,omitempty"`
	AmountCents      int64                    `gorm:"not null" json:"amount_cents"`
	Currency         string                   `gorm:"type:text;not null" json:"currency"`
	ReasonCode       *ledgerdomain.ReasonCode `gorm:"type:text" json:"reason_code,omitempty"`
	ReversesIntentID *snowflake.ID            `gorm:"uniqueIndex:credit_intents_reverses_intent_id_key" json:"reverses_intent_id,omitempty"`
	SourceRef        *string                  `gorm:"type:text;uniqueIndex:credit_intents_source_ref_key" json:"source_ref,omitempty"`
	Metadata         datatypes.JSONMap        `gorm:"type:jsonb" json:"metadata,omitempty"`
	ExpiresAt        *time.Time               `json:"expires_at,omitempty"`
	ReconciledAt     *time.Time               `json:"reconciled_at,omitempty"`
	CreatedAt        time.Time                `gorm:"not null" json:"created_at"`
}

func (CreditIntent) TableName() string { return "credit_intents" }

// Reason returns the explicit reason code or the one implied by the sign.
func (i CreditIntent) Reason() ledgerdomain.ReasonCode {
	if i.ReasonCode != nil && *i.ReasonCode != "" {
		return *i.ReasonCode
	}
	if i.AmountCents < 0 {
		return ledgerdomain.ReasonRedeemed
	}
	return ledgerdomain.ReasonEarned
}

func (i CreditIntent) Reconciled() bool {
	return i.ReconciledAt != nil
}

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
)

type IntentError struct {
	IntentID string `json:"intent_id"`
	Error    string `json:"error"`
}

// Result accounts for every intent in a batch exactly once.
type Result struct {
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Errors    []IntentError `json:"errors"`
}

type SweepResult struct {
	Candidates int           `json:"candidates"`
	Created    int           `json:"created"`
	Reconciled int           `json:"reconciled"`
	Skipped    int           `json:"skipped"`
	Errors     []IntentError `json:"errors"`
}
