package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// StatusUpdate carries the columns written by a transition. Nil fields keep
// their stored value.
type StatusUpdate struct {
	ID                 snowflake.ID
	FromStatus         Status
	ToStatus           Status
	ExpectedVersion    int64
	CancellationReason *string
	CancelledAt        *time.Time
	CompletedAt        *time.Time
	UpdatedAt          time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, booking *Booking) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Booking, error)
	// UpdateStatus applies the update only if status and version still match.
	UpdateStatus(ctx context.Context, db *gorm.DB, update StatusUpdate) (bool, error)
	InsertStateChange(ctx context.Context, db *gorm.DB, change *StateChange) error
	ListStateChanges(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]StateChange, error)
}
