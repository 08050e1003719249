package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal statuses are replayed forever.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

type Method string

const (
	MethodCash   Method = "cash"
	MethodCredit Method = "credit"
)

func (m Method) Valid() bool {
	return m == MethodCash || m == MethodCredit
}

// Record is the idempotency record for one (booking, key) pair.
type Record struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	BookingID      string       `gorm:"type:text;not null;uniqueIndex:refund_records_booking_key_key,priority:1" json:"booking_id"`
	IdempotencyKey string       `gorm:"type:text;not null;uniqueIndex:refund_records_booking_key_key,priority:2" json:"idempotency_key"`
	Status         Status       `gorm:"type:text;not null" json:"status"`
	Method         Method       `gorm:"type:text" json:"method,omitempty"`
	AmountCents    *int64       `json:"amount_cents,omitempty"`
	Currency       string       `gorm:"type:text;not null" json:"currency"`
	TransactionID  *string      `gorm:"type:text" json:"transaction_id,omitempty"`
	CreditIntentID *string      `gorm:"type:text" json:"credit_intent_id,omitempty"`
	Error          *string      `gorm:"type:text" json:"error,omitempty"`
	Attempts       int          `gorm:"not null" json:"attempts"`
	Forced         bool         `gorm:"not null" json:"forced"`
	RequestedBy    *string      `gorm:"type:text" json:"requested_by,omitempty"`
	Reason         *string      `gorm:"type:text" json:"reason,omitempty"`
	Trigger        *string      `gorm:"type:text" json:"trigger,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

func (Record) TableName() string { return "refund_records" }

// Result converts the record into the caller-facing outcome.
func (r Record) Result(replayed bool) Result {
	return Result{
		RecordID:       r.ID.String(),
		Status:         r.Status,
		Method:         r.Method,
		AmountCents:    r.AmountCents,
		TransactionID:  r.TransactionID,
		CreditIntentID: r.CreditIntentID,
		Error:          r.Error,
		Replayed:       replayed,
	}
}

type Result struct {
	RecordID       string  `json:"record_id,omitempty"`
	Status         Status  `json:"status"`
	Method         Method  `json:"method,omitempty"`
	AmountCents    *int64  `json:"amount_cents,omitempty"`
	TransactionID  *string `json:"transaction_id,omitempty"`
	CreditIntentID *string `json:"credit_intent_id,omitempty"`
	Error          *string `json:"error,omitempty"`
	Replayed       bool    `json:"replayed"`
}

type Options struct {
	// Force refunds the full captured amount and requires AdminID.
	Force          bool
	Reason         string
	AdminID        string
	IdempotencyKey string
	Method         Method
	// Trigger selects the policy method when Method is empty (cancelled, no_show, manual).
	Trigger string
}

// BookingSnapshot is the part of a booking a refund needs.
type BookingSnapshot struct {
	ID                    string
	CustomerID            string
	PaymentID             *string
	CapturedAmountCents   int64
	NonRefundableFeeCents int64
	Currency              string
	ScheduledAt           *time.Time
}
