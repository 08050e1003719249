package notification

import (
	"context"
	"time"
)

const (
	KindBookingTransitioned = "booking.transitioned"
	KindRefundIssued        = "refund.issued"
)

// Event is a best-effort notice about a committed booking change.
type Event struct {
	Kind         string    `json:"kind"`
	BookingID    string    `json:"booking_id"`
	CustomerID   string    `json:"customer_id"`
	ProviderID   string    `json:"provider_id"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	Reason       string    `json:"reason,omitempty"`
	Override     bool      `json:"override"`
	RefundStatus string    `json:"refund_status,omitempty"`
	RefundMethod string    `json:"refund_method,omitempty"`
	RefundAmount string    `json:"refund_amount,omitempty"`
	Currency     string    `json:"currency,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier delivers events. Failures are reported but never undo the change
// that produced the event.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}
