package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
	"gorm.io/gorm"
)

const recordColumns = `id, booking_id, idempotency_key, status, method, amount_cents, currency,
	transaction_id, credit_intent_id, error, attempts, forced, requested_by, reason,
	"trigger", created_at, updated_at, completed_at`

type repo struct{}

func Provide() refunddomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *refunddomain.Record) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO refund_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.BookingID,
		record.IdempotencyKey,
		record.Status,
		record.Method,
		record.AmountCents,
		record.Currency,
		record.TransactionID,
		record.CreditIntentID,
		record.Error,
		record.Attempts,
		record.Forced,
		record.RequestedBy,
		record.Reason,
		record.Trigger,
		record.CreatedAt,
		record.UpdatedAt,
		record.CompletedAt,
	).Error
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, bookingID, idempotencyKey string) (*refunddomain.Record, error) {
	var record refunddomain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM refund_records
		 WHERE booking_id = ? AND idempotency_key = ?`,
		bookingID,
		idempotencyKey,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*refunddomain.Record, error) {
	var record refunddomain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+` FROM refund_records WHERE id = ?`,
		id,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) ListByBooking(ctx context.Context, db *gorm.DB, bookingID string) ([]refunddomain.Record, error) {
	var records []refunddomain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM refund_records
		 WHERE booking_id = ?
		 ORDER BY created_at ASC, id ASC`,
		bookingID,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// EnsureReservation creates the zero reservation row for a booking.
func (r *repo) EnsureReservation(ctx context.Context, db *gorm.DB, bookingID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO refund_reservations (booking_id, reserved_cents, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT (booking_id) DO NOTHING`,
		bookingID,
		now,
	).Error
}

func (r *repo) Reserved(ctx context.Context, db *gorm.DB, bookingID string) (int64, error) {
	var reserved int64
	err := db.WithContext(ctx).Raw(
		`SELECT reserved_cents FROM refund_reservations WHERE booking_id = ?`,
		bookingID,
	).Scan(&reserved).Error
	return reserved, err
}

func (r *repo) Reserve(ctx context.Context, db *gorm.DB, bookingID string, expected, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE refund_reservations
		 SET reserved_cents = reserved_cents + ?, updated_at = ?
		 WHERE booking_id = ? AND reserved_cents = ?`,
		amount,
		now,
		bookingID,
		expected,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Release(ctx context.Context, db *gorm.DB, bookingID string, amount int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE refund_reservations
		 SET reserved_cents = CASE WHEN reserved_cents > ? THEN reserved_cents - ? ELSE 0 END, updated_at = ?
		 WHERE booking_id = ?`,
		amount,
		amount,
		now,
		bookingID,
	).Error
}

func (r *repo) SetAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE refund_records
		 SET amount_cents = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND amount_cents IS NULL`,
		amount,
		now,
		id,
		refunddomain.StatusProcessing,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from refunddomain.Status, notAfter, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE refund_records
		 SET status = ?, attempts = attempts + 1, error = NULL, updated_at = ?,
			amount_cents = CASE WHEN status = ? THEN NULL ELSE amount_cents END
		 WHERE id = ? AND status = ? AND updated_at <= ?`,
		refunddomain.StatusProcessing,
		now,
		refunddomain.StatusFailed,
		id,
		from,
		notAfter,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Finish(ctx context.Context, db *gorm.DB, record *refunddomain.Record) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE refund_records
		 SET status = ?, method = ?, amount_cents = ?, transaction_id = ?, credit_intent_id = ?,
			error = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		record.Status,
		record.Method,
		record.AmountCents,
		record.TransactionID,
		record.CreditIntentID,
		record.Error,
		record.UpdatedAt,
		record.CompletedAt,
		record.ID,
		refunddomain.StatusProcessing,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
