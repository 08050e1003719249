package domain

import (
	"context"
	"errors"
)

type Service interface {
	ProcessRefund(ctx context.Context, booking BookingSnapshot, opts Options) (Result, error)
	GetRecord(ctx context.Context, bookingID, idempotencyKey string) (*Record, error)
	ListRecords(ctx context.Context, bookingID string) ([]Record, error)
}

var (
	ErrInvalidBooking        = errors.New("invalid_booking")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrForceRequiresAdmin    = errors.New("force_requires_admin")
	ErrInvalidMethod         = errors.New("invalid_method")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrRecordNotFound        = errors.New("refund_record_not_found")
)
