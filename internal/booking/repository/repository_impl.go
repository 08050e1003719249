package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/bookingcore/internal/booking/domain"
	"gorm.io/gorm"
)

const bookingColumns = `id, customer_id, provider_id, status, payment_id, captured_amount_cents,
	non_refundable_fee_cents, currency, scheduled_at, version, cancellation_reason,
	cancelled_at, completed_at, created_at, updated_at`

type repo struct{}

func Provide() bookingdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, booking *bookingdomain.Booking) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		booking.ID,
		booking.CustomerID,
		booking.ProviderID,
		booking.Status,
		booking.PaymentID,
		booking.CapturedAmountCents,
		booking.NonRefundableFeeCents,
		booking.Currency,
		booking.ScheduledAt,
		booking.Version,
		booking.CancellationReason,
		booking.CancelledAt,
		booking.CompletedAt,
		booking.CreatedAt,
		booking.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*bookingdomain.Booking, error) {
	var booking bookingdomain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`,
		id,
	).Scan(&booking).Error
	if err != nil {
		return nil, err
	}
	if booking.ID == 0 {
		return nil, nil
	}
	return &booking, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, update bookingdomain.StatusUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE bookings
		 SET status = ?,
			version = version + 1,
			cancellation_reason = COALESCE(?, cancellation_reason),
			cancelled_at = COALESCE(?, cancelled_at),
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		 WHERE id = ? AND status = ? AND version = ?`,
		update.ToStatus,
		update.CancellationReason,
		update.CancelledAt,
		update.CompletedAt,
		update.UpdatedAt,
		update.ID,
		update.FromStatus,
		update.ExpectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertStateChange(ctx context.Context, db *gorm.DB, change *bookingdomain.StateChange) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO booking_state_changes (
			id, booking_id, from_status, to_status, kind, actor_id, reason,
			refund_status, refund_amount_cents, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID,
		change.BookingID,
		change.FromStatus,
		change.ToStatus,
		change.Kind,
		change.ActorID,
		change.Reason,
		change.RefundStatus,
		change.RefundAmountCents,
		change.Version,
		change.CreatedAt,
	).Error
}

func (r *repo) ListStateChanges(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]bookingdomain.StateChange, error) {
	var changes []bookingdomain.StateChange
	err := db.WithContext(ctx).Raw(
		`SELECT id, booking_id, from_status, to_status, kind, actor_id, reason,
			refund_status, refund_amount_cents, version, created_at
		 FROM booking_state_changes
		 WHERE booking_id = ?
		 ORDER BY version ASC`,
		bookingID,
	).Scan(&changes).Error
	if err != nil {
		return nil, err
	}
	return changes, nil
}
