package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Booking, error)
	Get(ctx context.Context, id snowflake.ID) (*Booking, error)
	Transition(ctx context.Context, id snowflake.ID, target Status, opts TransitionOptions) (TransitionResult, error)
	GetTransitionHistory(ctx context.Context, id snowflake.ID) ([]StateChange, error)
	RefundBooking(ctx context.Context, id snowflake.ID, opts refunddomain.Options) (refunddomain.Result, error)
}

var (
	ErrInvalidBookingID   = errors.New("invalid_booking_id")
	ErrInvalidCustomer    = errors.New("invalid_customer")
	ErrInvalidProvider    = errors.New("invalid_provider")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidStatus      = errors.New("invalid_status")
	ErrInvalidOverride    = errors.New("invalid_override")
	ErrBookingNotFound    = errors.New("booking_not_found")
	ErrOptimisticConflict = errors.New("optimistic_lock_conflict")
)
