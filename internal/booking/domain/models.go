package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
)

type Status string

const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusRequested: {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusNoShow, StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusConfirmed, StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusNoShow || s == StatusCancelled
}

// Refundable reports whether entering s triggers a refund.
func (s Status) Refundable() bool {
	return s == StatusCancelled || s == StatusNoShow
}

// CanTransition reports whether from -> to is a standard edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the standard targets reachable from s.
func AllowedTransitions(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

type Booking struct {
	ID                    snowflake.ID `gorm:"primaryKey" json:"id"`
	CustomerID            string       `gorm:"type:text;not null" json:"customer_id"`
	ProviderID            string       `gorm:"type:text;not null" json:"provider_id"`
	Status                Status       `gorm:"type:text;not null" json:"status"`
	PaymentID             *string      `gorm:"type:text" json:"payment_id,omitempty"`
	CapturedAmountCents   int64        `gorm:"not null" json:"captured_amount_cents"`
	NonRefundableFeeCents int64        `gorm:"not null" json:"non_refundable_fee_cents"`
	Currency              string       `gorm:"type:text;not null" json:"currency"`
	ScheduledAt           *time.Time   `json:"scheduled_at,omitempty"`
	Version               int64        `gorm:"not null" json:"version"`
	CancellationReason    *string      `gorm:"type:text" json:"cancellation_reason,omitempty"`
	CancelledAt           *time.Time   `json:"cancelled_at,omitempty"`
	CompletedAt           *time.Time   `json:"completed_at,omitempty"`
	CreatedAt             time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"not null" json:"updated_at"`
}

func (Booking) TableName() string { return "bookings" }

// RefundSnapshot is the view of the booking the refund orchestrator needs.
func (b Booking) RefundSnapshot() refunddomain.BookingSnapshot {
	return refunddomain.BookingSnapshot{
		ID:                    b.ID.String(),
		CustomerID:            b.CustomerID,
		PaymentID:             b.PaymentID,
		CapturedAmountCents:   b.CapturedAmountCents,
		NonRefundableFeeCents: b.NonRefundableFeeCents,
		Currency:              b.Currency,
		ScheduledAt:           b.ScheduledAt,
	}
}

type ChangeKind string

const (
	ChangeKindStandard      ChangeKind = "standard"
	ChangeKindAdminOverride ChangeKind = "admin_override"
)

// StateChange is one committed transition.
type StateChange struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	BookingID         snowflake.ID `gorm:"not null" json:"booking_id"`
	FromStatus        Status       `gorm:"type:text;not null" json:"from_status"`
	ToStatus          Status       `gorm:"type:text;not null" json:"to_status"`
	Kind              ChangeKind   `gorm:"type:text;not null" json:"kind"`
	ActorID           *string      `gorm:"type:text" json:"actor_id,omitempty"`
	Reason            *string      `gorm:"type:text" json:"reason,omitempty"`
	RefundStatus      *string      `gorm:"type:text" json:"refund_status,omitempty"`
	RefundAmountCents *int64       `json:"refund_amount_cents,omitempty"`
	Version           int64        `gorm:"not null" json:"version"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
}

func (StateChange) TableName() string { return "booking_state_changes" }

// AdminOverride is the audited transition variant that bypasses the edge
// table. Both fields are required.
type AdminOverride struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

type TransitionOptions struct {
	Reason         string
	SkipRefund     bool
	IdempotencyKey string
	RefundMethod   refunddomain.Method
	Override       *AdminOverride
}

const (
	ErrorCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrorCodeOptimisticLockConflict = "OPTIMISTIC_LOCK_CONFLICT"
	ErrorCodeRefundFailed           = "REFUND_FAILED"
	ErrorCodeRefundPending          = "REFUND_PENDING"
	ErrorCodeNotFound               = "NOT_FOUND"
	ErrorCodeForbidden              = "FORBIDDEN"
)

type TransitionResult struct {
	Success      bool                 `json:"success"`
	ErrorCode    string               `json:"error_code,omitempty"`
	Error        string               `json:"error,omitempty"`
	Booking      *Booking             `json:"booking,omitempty"`
	RefundResult *refunddomain.Result `json:"refund_result,omitempty"`
}

type CreateRequest struct {
	CustomerID            string
	ProviderID            string
	PaymentID             string
	CapturedAmountCents   int64
	NonRefundableFeeCents int64
	Currency              string
	ScheduledAt           *time.Time
}
