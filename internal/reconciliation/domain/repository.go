package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, intent *CreditIntent) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CreditIntent, error)
	FindBySourceRef(ctx context.Context, db *gorm.DB, sourceRef string) (*CreditIntent, error)
	FindReversal(ctx context.Context, db *gorm.DB, originalID snowflake.ID) (*CreditIntent, error)
	MarkReconciled(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	ListPending(ctx context.Context, db *gorm.DB, limit int) ([]CreditIntent, error)
	ListExpiryCandidates(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]CreditIntent, error)
	List(ctx context.Context, db *gorm.DB, filter ListIntentsFilter) ([]CreditIntent, error)
}
