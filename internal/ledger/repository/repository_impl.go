package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

// Insert is a plain INSERT. Conflicts surface as unique violations so the
// caller can tell a replay from a fresh append.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *ledgerdomain.Entry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_ledger_entries (
			id, owner_type, owner_id, booking_id, credit_intent_id, amount_cents,
			currency, reason_code, metadata, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.OwnerType,
		entry.OwnerID,
		entry.BookingID,
		entry.CreditIntentID,
		entry.AmountCents,
		entry.Currency,
		entry.ReasonCode,
		entry.Metadata,
		entry.ExpiresAt,
		entry.CreatedAt,
	).Error
}

func (r *repo) FindByCreditIntentID(ctx context.Context, db *gorm.DB, intentID snowflake.ID) (*ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT id, owner_type, owner_id, booking_id, credit_intent_id, amount_cents,
			currency, reason_code, metadata, expires_at, created_at
		 FROM credit_ledger_entries
		 WHERE credit_intent_id = ?`,
		intentID,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) SumByOwner(ctx context.Context, db *gorm.DB, ownerType ledgerdomain.OwnerType, ownerID string) ([]ledgerdomain.Balance, error) {
	var rows []struct {
		Currency    string
		AmountCents int64
		EntryCount  int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT currency, COALESCE(SUM(amount_cents), 0) AS amount_cents, COUNT(*) AS entry_count
		 FROM credit_ledger_entries
		 WHERE owner_type = ? AND owner_id = ?
		 GROUP BY currency
		 ORDER BY currency ASC`,
		ownerType,
		ownerID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	balances := make([]ledgerdomain.Balance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, ledgerdomain.Balance{
			OwnerType:   ownerType,
			OwnerID:     ownerID,
			Currency:    row.Currency,
			AmountCents: row.AmountCents,
			EntryCount:  row.EntryCount,
		})
	}
	return balances, nil
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, req ledgerdomain.ListRequest) ([]ledgerdomain.Entry, error) {
	query := `SELECT id, owner_type, owner_id, booking_id, credit_intent_id, amount_cents,
			currency, reason_code, metadata, expires_at, created_at
		 FROM credit_ledger_entries
		 WHERE owner_type = ? AND owner_id = ?`
	args := []any{req.OwnerType, req.OwnerID}
	if req.BeforeID != 0 {
		query += ` AND id < ?`
		args = append(args, req.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, req.Limit)

	var entries []ledgerdomain.Entry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
