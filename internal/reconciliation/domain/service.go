package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
)

type Service interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*CreditIntent, bool, error)
	GetIntent(ctx context.Context, id snowflake.ID) (*CreditIntent, error)
	ListIntents(ctx context.Context, filter ListIntentsFilter) ([]CreditIntent, error)
	ReconcileIntent(ctx context.Context, intent *CreditIntent) (Outcome, error)
	ReconcileBatch(ctx context.Context, intents []CreditIntent) Result
	ReconcilePending(ctx context.Context, limit int) (Result, error)
	CreateForfeitureIntent(ctx context.Context, original *CreditIntent, reason string) (*CreditIntent, error)
	SweepExpired(ctx context.Context, now time.Time, limit int) (SweepResult, error)
}

type CreateIntentRequest struct {
	OwnerType   ledgerdomain.OwnerType
	OwnerID     string
	BookingID   *string
	AmountCents int64
	Currency    string
	ReasonCode  *ledgerdomain.ReasonCode
	ExpiresAt   *time.Time
	Metadata    map[string]any
	// SourceRef makes creation idempotent per origin, e.g. "refund:<record id>".
	SourceRef string
}

type ListIntentsFilter struct {
	OwnerType ledgerdomain.OwnerType
	OwnerID   string
	// Pending limits the result to unreconciled intents.
	Pending bool
	Limit   int
}

var (
	ErrInvalidOwnerType       = errors.New("invalid_owner_type")
	ErrInvalidOwnerID         = errors.New("invalid_owner_id")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidIntent          = errors.New("invalid_intent")
	ErrIntentNotFound         = errors.New("intent_not_found")
	ErrForfeitureExists       = errors.New("forfeiture_exists")
	ErrOriginalNotForfeitable = errors.New("original_not_forfeitable")
)
