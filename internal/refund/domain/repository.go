package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const UniqueBookingKeyConstraint = "refund_records_booking_key_key"

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) error
	FindByKey(ctx context.Context, db *gorm.DB, bookingID, idempotencyKey string) (*Record, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Record, error)
	ListByBooking(ctx context.Context, db *gorm.DB, bookingID string) ([]Record, error)

	// The reservation row holds the amount promised to processing and
	// completed records of a booking. Failed records give theirs back.
	EnsureReservation(ctx context.Context, db *gorm.DB, bookingID string, now time.Time) error
	Reserved(ctx context.Context, db *gorm.DB, bookingID string) (int64, error)
	// Reserve adds amount when the reservation still equals expected.
	Reserve(ctx context.Context, db *gorm.DB, bookingID string, expected, amount int64, now time.Time) (bool, error)
	Release(ctx context.Context, db *gorm.DB, bookingID string, amount int64, now time.Time) error
	// SetAmount fixes the amount of a processing record that has none yet.
	SetAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)

	// Claim moves a record from the given status to processing when it has
	// not been touched since notAfter. A failed record loses its amount.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from Status, notAfter, now time.Time) (bool, error)
	// Finish writes the outcome of a processing record.
	Finish(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
}
