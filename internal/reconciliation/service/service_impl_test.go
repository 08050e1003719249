package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/bookingcore/internal/audit/domain"
	auditrepo "github.com/smallbiznis/bookingcore/internal/audit/repository"
	auditservice "github.com/smallbiznis/bookingcore/internal/audit/service"
	"github.com/smallbiznis/bookingcore/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/bookingcore/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/bookingcore/internal/ledger/service"
	"github.com/smallbiznis/bookingcore/internal/migration"
	reconciliationdomain "github.com/smallbiznis/bookingcore/internal/reconciliation/domain"
	reconciliationrepo "github.com/smallbiznis/bookingcore/internal/reconciliation/repository"
	reconciliationservice "github.com/smallbiznis/bookingcore/internal/reconciliation/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
	ledger ledgerdomain.Service
	svc    reconciliationdomain.Service
	repo   reconciliationdomain.Repository
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := migration.ApplySQLiteSchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerrepo.Provide(),
		Clock: clk,
	})
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
	})
	repo := reconciliationrepo.Provide()
	svc := reconciliationservice.NewService(reconciliationservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      repo,
		LedgerSvc: ledgerSvc,
		AuditSvc:  auditSvc,
		Clock:     clk,
		Retry: &reconciliationservice.RetryPolicy{
			MaxTries:        2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	})
	return &fixture{db: db, node: node, clock: clk, ledger: ledgerSvc, svc: svc, repo: repo}
}

func (f *fixture) createIntent(t *testing.T, ownerID string, amount int64, expiresAt *time.Time) *reconciliationdomain.CreditIntent {
	t.Helper()
	intent, created, err := f.svc.CreateIntent(context.Background(), reconciliationdomain.CreateIntentRequest{
		OwnerType:   ledgerdomain.OwnerTypeCustomer,
		OwnerID:     ownerID,
		AmountCents: amount,
		ExpiresAt:   expiresAt,
	})
	require.NoError(t, err)
	require.True(t, created)
	return intent
}

func (f *fixture) balance(t *testing.T, ownerID string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), ledgerdomain.OwnerTypeCustomer, ownerID)
	require.NoError(t, err)
	return b.AmountCents
}

func countRows(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var got int64
	if err := db.Raw(query, args...).Scan(&got).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return got
}

func TestReconcileThenForfeit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	original := f.createIntent(t, "cust_c", 500, nil)
	outcome, err := f.svc.ReconcileIntent(ctx, original)
	require.NoError(t, err)
	assert.Equal(t, reconciliationdomain.OutcomeProcessed, outcome)
	require.NotNil(t, original.ReconciledAt)
	before := f.balance(t, "cust_c")
	assert.Equal(t, int64(500), before)

	forfeiture, err := f.svc.CreateForfeitureIntent(ctx, original, "no-show penalty")
	require.NoError(t, err)
	assert.Equal(t, int64(-500), forfeiture.AmountCents)
	assert.Equal(t, original.ID.String(), forfeiture.Metadata[reconciliationdomain.MetadataForfeitureOf])
	require.NotNil(t, forfeiture.ReversesIntentID)
	assert.Equal(t, original.ID, *forfeiture.ReversesIntentID)

	outcome, err = f.svc.ReconcileIntent(ctx, forfeiture)
	require.NoError(t, err)
	assert.Equal(t, reconciliationdomain.OutcomeProcessed, outcome)
	assert.Equal(t, int64(-500), f.balance(t, "cust_c")-before)

	entries, err := f.ledger.ListEntries(ctx, ledgerdomain.ListRequest{OwnerType: "customer", OwnerID: "cust_c"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledgerdomain.ReasonForfeited, entries[0].ReasonCode)
}

func TestCreateForfeitureIntentOnlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	original := f.createIntent(t, "cust_f", 800, nil)
	_, err := f.svc.ReconcileIntent(ctx, original)
	require.NoError(t, err)

	first, err := f.svc.CreateForfeitureIntent(ctx, original, "")
	require.NoError(t, err)

	second, err := f.svc.CreateForfeitureIntent(ctx, original, "")
	if !errors.Is(err, reconciliationdomain.ErrForfeitureExists) {
		t.Fatalf("expected ErrForfeitureExists, got %v", err)
	}
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), countRows(t, f.db, `SELECT COUNT(*) FROM credit_intents WHERE reverses_intent_id = ?`, original.ID))
}

func TestCreateForfeitureIntentRequiresReconciledOriginal(t *testing.T) {
	f := newFixture(t)
	original := f.createIntent(t, "cust_u", 300, nil)

	_, err := f.svc.CreateForfeitureIntent(context.Background(), original, "")
	if !errors.Is(err, reconciliationdomain.ErrOriginalNotForfeitable) {
		t.Fatalf("expected ErrOriginalNotForfeitable, got %v", err)
	}
}

func TestReconcileBatchSkipsReconciledAndCollectsErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	done := f.createIntent(t, "cust_b", 100, nil)
	_, err := f.svc.ReconcileIntent(ctx, done)
	require.NoError(t, err)

	fresh := f.createIntent(t, "cust_b", 250, nil)

	// A malformed intent written around the service: earned with a negative amount.
	earned := ledgerdomain.ReasonEarned
	broken := &reconciliationdomain.CreditIntent{
		ID:          f.node.Generate(),
		OwnerType:   ledgerdomain.OwnerTypeCustomer,
		OwnerID:     "cust_b",
		AmountCents: -40,
		Currency:    "USD",
		ReasonCode:  &earned,
		CreatedAt:   f.clock.Now(),
	}
	require.NoError(t, f.repo.Insert(ctx, f.db, broken))

	result := f.svc.ReconcileBatch(ctx, []reconciliationdomain.CreditIntent{*done, *broken, *fresh})
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, broken.ID.String(), result.Errors[0].IntentID)
	assert.Equal(t, int64(350), f.balance(t, "cust_b"))
}

func TestConcurrentOverlappingBatchesProduceSingleEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var intents []reconciliationdomain.CreditIntent
	for i := 0; i < 6; i++ {
		intents = append(intents, *f.createIntent(t, "cust_d", int64(100*(i+1)), nil))
	}
	batchA := intents[:4]
	batchB := intents[2:]

	var wg sync.WaitGroup
	results := make([]reconciliationdomain.Result, 2)
	for i, batch := range [][]reconciliationdomain.CreditIntent{batchA, batchB} {
		wg.Add(1)
		go func(i int, batch []reconciliationdomain.CreditIntent) {
			defer wg.Done()
			results[i] = f.svc.ReconcileBatch(ctx, batch)
		}(i, batch)
	}
	wg.Wait()

	processed := results[0].Processed + results[1].Processed
	skipped := results[0].Skipped + results[1].Skipped
	assert.Empty(t, results[0].Errors)
	assert.Empty(t, results[1].Errors)
	assert.Equal(t, len(intents), processed, "each distinct intent is processed exactly once")
	assert.Equal(t, len(batchA)+len(batchB)-len(intents), skipped, "overlapping intents resolve as skipped")

	assert.Equal(t, int64(len(intents)), countRows(t, f.db, `SELECT COUNT(*) FROM credit_ledger_entries`))
	assert.Equal(t, int64(0), countRows(t, f.db, `SELECT COUNT(*) FROM credit_intents WHERE reconciled_at IS NULL`))
	assert.Equal(t, int64(2100), f.balance(t, "cust_d"))
}

func TestReconcilePendingHealsMissingStamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	intent := f.createIntent(t, "cust_h", 700, nil)
	// Entry written but reconciled_at never stamped, as after a crash.
	_, err := f.ledger.AppendLedgerEntry(ctx, ledgerdomain.AppendRequest{
		OwnerType:      ledgerdomain.OwnerTypeCustomer,
		OwnerID:        "cust_h",
		CreditIntentID: intent.ID,
		AmountCents:    700,
		ReasonCode:     ledgerdomain.ReasonEarned,
	})
	require.NoError(t, err)

	result, err := f.svc.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 1, result.Skipped)

	stored, err := f.svc.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ReconciledAt)
	assert.Equal(t, int64(700), f.balance(t, "cust_h"))
}

func TestCreateIntentIsIdempotentBySourceRef(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	refunded := ledgerdomain.ReasonRefunded

	req := reconciliationdomain.CreateIntentRequest{
		OwnerType:   ledgerdomain.OwnerTypeCustomer,
		OwnerID:     "cust_r",
		AmountCents: 4500,
		ReasonCode:  &refunded,
		SourceRef:   "refund:42",
	}
	first, created, err := f.svc.CreateIntent(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.svc.CreateIntent(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = f.svc.CreateIntent(ctx, reconciliationdomain.CreateIntentRequest{
		OwnerType:   ledgerdomain.OwnerTypeCustomer,
		OwnerID:     "cust_r",
		AmountCents: -10,
		ReasonCode:  &refunded,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrAmountSignMismatch)

	_, _, err = f.svc.CreateIntent(ctx, reconciliationdomain.CreateIntentRequest{
		OwnerType:   ledgerdomain.OwnerTypeCustomer,
		OwnerID:     "cust_r",
		AmountCents: 4500,
		Currency:    "usdx",
		ReasonCode:  &refunded,
		SourceRef:   "refund:43",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidCurrency)
	assert.Equal(t, int64(0), countRows(t, f.db, `SELECT COUNT(*) FROM credit_intents WHERE source_ref = ?`, "refund:43"))
}

func TestSweepExpiredClampsToBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	expiry := f.clock.Now().Add(24 * time.Hour)

	grant := f.createIntent(t, "cust_e", 1000, &expiry)
	_, err := f.svc.ReconcileIntent(ctx, grant)
	require.NoError(t, err)

	spend := f.createIntent(t, "cust_e", -600, nil)
	_, err = f.svc.ReconcileIntent(ctx, spend)
	require.NoError(t, err)

	// Not yet expired.
	result, err := f.svc.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Candidates)

	f.clock.Advance(48 * time.Hour)
	result, err = f.svc.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Reconciled)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int64(0), f.balance(t, "cust_e"))

	reversal, err := f.repo.FindReversal(ctx, f.db, grant.ID)
	require.NoError(t, err)
	require.NotNil(t, reversal)
	assert.Equal(t, int64(-400), reversal.AmountCents)
	assert.Equal(t, grant.ID.String(), reversal.Metadata[reconciliationdomain.MetadataExpiryOf])

	// A second pass finds nothing left to expire.
	result, err = f.svc.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Candidates)

	assert.Equal(t, int64(1), countRows(t, f.db,
		`SELECT COUNT(*) FROM audit_logs WHERE action = ? AND target_type = ? AND target_id = ? AND actor_type = ?`,
		auditdomain.ActionIntentExpired, auditdomain.TargetTypeCreditIntent, grant.ID.String(), string(auditdomain.ActorTypeSystem)))
}

func TestSweepExpiredRecordsZeroMarkerWhenBalanceSpent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	expiry := f.clock.Now().Add(time.Hour)

	grant := f.createIntent(t, "cust_z", 300, &expiry)
	_, err := f.svc.ReconcileIntent(ctx, grant)
	require.NoError(t, err)
	spend := f.createIntent(t, "cust_z", -300, nil)
	_, err = f.svc.ReconcileIntent(ctx, spend)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	result, err := f.svc.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 0, result.Reconciled)
	assert.Equal(t, int64(2), countRows(t, f.db, `SELECT COUNT(*) FROM credit_ledger_entries WHERE owner_id = ?`, "cust_z"))

	pending, err := f.svc.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, pending.Processed+pending.Skipped, "zero markers are never reconciled")
}

func TestSweepExpiredClampsWithinIntentCurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	expiry := f.clock.Now().Add(time.Hour)

	grant := f.createIntent(t, "cust_fx", 1000, &expiry)
	_, err := f.svc.ReconcileIntent(ctx, grant)
	require.NoError(t, err)
	spend := f.createIntent(t, "cust_fx", -800, nil)
	_, err = f.svc.ReconcileIntent(ctx, spend)
	require.NoError(t, err)

	euros, _, err := f.svc.CreateIntent(ctx, reconciliationdomain.CreateIntentRequest{
		OwnerType:   ledgerdomain.OwnerTypeCustomer,
		OwnerID:     "cust_fx",
		AmountCents: 900,
		Currency:    "eur",
	})
	require.NoError(t, err)
	_, err = f.svc.ReconcileIntent(ctx, euros)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	result, err := f.svc.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reconciled)

	reversal, err := f.repo.FindReversal(ctx, f.db, grant.ID)
	require.NoError(t, err)
	require.NotNil(t, reversal)
	assert.Equal(t, int64(-200), reversal.AmountCents)
	assert.Equal(t, "USD", reversal.Currency)

	balances, err := f.ledger.GetBalances(ctx, ledgerdomain.OwnerTypeCustomer, "cust_fx")
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, int64(900), balances[0].AmountCents)
	assert.Equal(t, int64(0), balances[1].AmountCents)
}
