package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	reconciliationdomain "github.com/smallbiznis/bookingcore/internal/reconciliation/domain"
	"gorm.io/gorm"
)

const intentColumns = `id, owner_type, owner_id, booking_id, amount_cents, currency, reason_code,
	reverses_intent_id, source_ref, metadata, expires_at, reconciled_at, created_at`

const candidateColumns = `ci.id, ci.owner_type, ci.owner_id, ci.booking_id, ci.amount_cents, ci.currency,
	ci.reason_code, ci.reverses_intent_id, ci.source_ref, ci.metadata, ci.expires_at,
	ci.reconciled_at, ci.created_at`

type repo struct{}

func Provide() reconciliationdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, intent *reconciliationdomain.CreditIntent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_intents (`+intentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID,
		intent.OwnerType,
		intent.OwnerID,
		intent.BookingID,
		intent.AmountCents,
		intent.Currency,
		intent.ReasonCode,
		intent.ReversesIntentID,
		intent.SourceRef,
		intent.Metadata,
		intent.ExpiresAt,
		intent.ReconciledAt,
		intent.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*reconciliationdomain.CreditIntent, error) {
	return r.findOne(ctx, db, `SELECT `+intentColumns+` FROM credit_intents WHERE id = ?`, id)
}

func (r *repo) FindBySourceRef(ctx context.Context, db *gorm.DB, sourceRef string) (*reconciliationdomain.CreditIntent, error) {
	return r.findOne(ctx, db, `SELECT `+intentColumns+` FROM credit_intents WHERE source_ref = ?`, sourceRef)
}

func (r *repo) FindReversal(ctx context.Context, db *gorm.DB, originalID snowflake.ID) (*reconciliationdomain.CreditIntent, error) {
	return r.findOne(ctx, db, `SELECT `+intentColumns+` FROM credit_intents WHERE reverses_intent_id = ?`, originalID)
}

// MarkReconciled sets reconciled_at once. It reports false when another
// caller already marked the intent.
func (r *repo) MarkReconciled(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_intents SET reconciled_at = ? WHERE id = ? AND reconciled_at IS NULL`,
		at,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, limit int) ([]reconciliationdomain.CreditIntent, error) {
	var intents []reconciliationdomain.CreditIntent
	err := db.WithContext(ctx).Raw(
		`SELECT `+intentColumns+`
		 FROM credit_intents
		 WHERE reconciled_at IS NULL AND amount_cents <> 0
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		limit,
	).Scan(&intents).Error
	if err != nil {
		return nil, err
	}
	return intents, nil
}

// ListExpiryCandidates returns reconciled positive intents past expiry that
// have no reversal yet.
func (r *repo) ListExpiryCandidates(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]reconciliationdomain.CreditIntent, error) {
	var intents []reconciliationdomain.CreditIntent
	err := db.WithContext(ctx).Raw(
		`SELECT `+candidateColumns+`
		 FROM credit_intents ci
		 WHERE ci.reconciled_at IS NOT NULL
		   AND ci.amount_cents > 0
		   AND ci.expires_at IS NOT NULL
		   AND ci.expires_at <= ?
		   AND NOT EXISTS (
			SELECT 1 FROM credit_intents rev WHERE rev.reverses_intent_id = ci.id
		   )
		 ORDER BY ci.expires_at ASC, ci.id ASC
		 LIMIT ?`,
		now,
		limit,
	).Scan(&intents).Error
	if err != nil {
		return nil, err
	}
	return intents, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter reconciliationdomain.ListIntentsFilter) ([]reconciliationdomain.CreditIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM credit_intents WHERE 1 = 1`
	args := []any{}
	if filter.OwnerType != "" {
		query += ` AND owner_type = ?`
		args = append(args, filter.OwnerType)
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.Pending {
		query += ` AND reconciled_at IS NULL`
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var intents []reconciliationdomain.CreditIntent
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&intents).Error; err != nil {
		return nil, err
	}
	return intents, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*reconciliationdomain.CreditIntent, error) {
	var intent reconciliationdomain.CreditIntent
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&intent).Error; err != nil {
		return nil, err
	}
	if intent.ID == 0 {
		return nil, nil
	}
	return &intent, nil
}
