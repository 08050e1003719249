package migration

import (
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected paired migrations, got %d up and %d down", ups, downs)
	}
}

func TestSQLiteSchemaRejectsLedgerMutation(t *testing.T) {
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := ApplySQLiteSchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	// idempotent
	if err := ApplySQLiteSchema(db); err != nil {
		t.Fatalf("reapply schema: %v", err)
	}

	if err := db.Exec(`INSERT INTO credit_ledger_entries
		(id, owner_type, owner_id, credit_intent_id, amount_cents, currency, reason_code, metadata, created_at)
		VALUES (1, 'customer', 'c1', 10, 500, 'USD', 'earned', '{}', ?)`, time.Now().UTC()).Error; err != nil {
		t.Fatalf("insert entry: %v", err)
	}

	if err := db.Exec(`UPDATE credit_ledger_entries SET amount_cents = 1 WHERE id = 1`).Error; err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if err := db.Exec(`DELETE FROM credit_ledger_entries WHERE id = 1`).Error; err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}
