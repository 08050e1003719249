package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	FindByCreditIntentID(ctx context.Context, db *gorm.DB, intentID snowflake.ID) (*Entry, error)
	// SumByOwner returns one balance per currency the owner holds.
	SumByOwner(ctx context.Context, db *gorm.DB, ownerType OwnerType, ownerID string) ([]Balance, error)
	ListByOwner(ctx context.Context, db *gorm.DB, req ListRequest) ([]Entry, error)
}
