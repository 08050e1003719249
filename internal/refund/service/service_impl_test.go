package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/bookingcore/internal/clock"
	"github.com/smallbiznis/bookingcore/internal/config"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/bookingcore/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/bookingcore/internal/ledger/service"
	"github.com/smallbiznis/bookingcore/internal/migration"
	reconciliationdomain "github.com/smallbiznis/bookingcore/internal/reconciliation/domain"
	reconciliationrepo "github.com/smallbiznis/bookingcore/internal/reconciliation/repository"
	reconciliationservice "github.com/smallbiznis/bookingcore/internal/reconciliation/service"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
	"github.com/smallbiznis/bookingcore/internal/refund/gateway"
	refundrepo "github.com/smallbiznis/bookingcore/internal/refund/repository"
	refundservice "github.com/smallbiznis/bookingcore/internal/refund/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db             *gorm.DB
	node           *snowflake.Node
	clock          *clock.FakeClock
	policy         *config.RefundPolicyHolder
	sandbox        *gateway.Sandbox
	gateway        refunddomain.Gateway
	repo           refunddomain.Repository
	ledger         ledgerdomain.Service
	reconciliation reconciliationdomain.Service
	svc            refunddomain.Service
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

func testPolicy() config.RefundPolicy {
	return config.RefundPolicy{
		Methods: map[string]string{
			"cancelled": "cash",
			"no_show":   "credit",
			"manual":    "cash",
		},
		CreditExpiryDays:     30,
		FailedRetryAfter:     15 * time.Minute,
		StaleProcessingAfter: 5 * time.Minute,
		Gateway: config.GatewayPolicy{
			MaxAttempts:                3,
			InitialInterval:            time.Millisecond,
			MaxInterval:                2 * time.Millisecond,
			AttemptTimeout:             time.Second,
			BreakerConsecutiveFailures: 50,
			BreakerOpenTimeout:         time.Minute,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	policy := config.NewStaticRefundPolicyHolder(testPolicy())

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerrepo.Provide(),
		Clock: clk,
	})
	reconciliationSvc := reconciliationservice.NewService(reconciliationservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      reconciliationrepo.Provide(),
		LedgerSvc: ledgerSvc,
		Clock:     clk,
	})
	sandbox := gateway.NewSandbox()

	f := &fixture{
		db:             db,
		node:           node,
		clock:          clk,
		policy:         policy,
		sandbox:        sandbox,
		gateway:        gateway.NewResilient(sandbox, policy, zap.NewNop(), nil),
		repo:           refundrepo.Provide(),
		ledger:         ledgerSvc,
		reconciliation: reconciliationSvc,
	}
	f.svc = f.newService()
	return f
}

// newService builds a fresh orchestrator over the same store, as a restarted
// process would.
func (f *fixture) newService() refunddomain.Service {
	return refundservice.NewService(refundservice.Params{
		DB:                f.db,
		Log:               zap.NewNop(),
		GenID:             f.node,
		Repo:              f.repo,
		Gateway:           f.gateway,
		ReconciliationSvc: f.reconciliation,
		Policy:            f.policy,
		Clock:             f.clock,
	})
}

func snapshot(captured, fee int64) refunddomain.BookingSnapshot {
	paymentID := "pi_123"
	return refunddomain.BookingSnapshot{
		ID:                    "bk_1",
		CustomerID:            "cus_1",
		PaymentID:             &paymentID,
		CapturedAmountCents:   captured,
		NonRefundableFeeCents: fee,
		Currency:              "usd",
	}
}

func withCurrency(booking refunddomain.BookingSnapshot, currency string) refunddomain.BookingSnapshot {
	booking.Currency = currency
	return booking
}

// barrierGateway holds each call until a second one arrives or wait elapses.
type barrierGateway struct {
	next     refunddomain.Gateway
	wait     time.Duration
	mu       sync.Mutex
	arrivals int
	both     chan struct{}
}

func newBarrierGateway(next refunddomain.Gateway, wait time.Duration) *barrierGateway {
	return &barrierGateway{next: next, wait: wait, both: make(chan struct{})}
}

func (g *barrierGateway) Refund(ctx context.Context, req refunddomain.GatewayRequest) (refunddomain.GatewayResponse, error) {
	g.mu.Lock()
	g.arrivals++
	if g.arrivals == 2 {
		close(g.both)
	}
	g.mu.Unlock()

	select {
	case <-g.both:
	case <-time.After(g.wait):
	case <-ctx.Done():
		return refunddomain.GatewayResponse{}, ctx.Err()
	}
	return g.next.Refund(ctx, req)
}

// rejectingReconciliation fails every ledger append with a validation error.
type rejectingReconciliation struct {
	reconciliationdomain.Service
}

func (rejectingReconciliation) ReconcileIntent(ctx context.Context, intent *reconciliationdomain.CreditIntent) (reconciliationdomain.Outcome, error) {
	return "", ledgerdomain.ErrInvalidCurrency
}

func TestProcessRefundCashCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ProcessRefund(ctx, snapshot(5000, 0), refunddomain.Options{
		IdempotencyKey: "bk_1:cancelled",
		Trigger:        "cancelled",
	})
	require.NoError(t, err)

	assert.Equal(t, refunddomain.StatusCompleted, res.Status)
	assert.Equal(t, refunddomain.MethodCash, res.Method)
	require.NotNil(t, res.AmountCents)
	assert.Equal(t, int64(5000), *res.AmountCents)
	require.NotNil(t, res.TransactionID)
	assert.True(t, strings.HasPrefix(*res.TransactionID, "re_"))
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, f.sandbox.Calls())

	record, err := f.svc.GetRecord(ctx, "bk_1", "bk_1:cancelled")
	require.NoError(t, err)
	assert.Equal(t, "USD", record.Currency)
	assert.NotNil(t, record.CompletedAt)
}

func TestProcessRefundReplayAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := refunddomain.Options{IdempotencyKey: "bk_1:cancelled", Trigger: "cancelled"}

	first, err := f.svc.ProcessRefund(ctx, snapshot(5000, 0), opts)
	require.NoError(t, err)

	restarted := f.newService()
	second, err := restarted.ProcessRefund(ctx, snapshot(5000, 0), opts)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.AmountCents, *second.AmountCents)
	assert.Equal(t, *first.TransactionID, *second.TransactionID)
	assert.Equal(t, 1, f.sandbox.Calls(), "replay must not call the gateway")
}

func TestProcessRefundWithholdsFeeUnlessForced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ProcessRefund(ctx, snapshot(5000, 500), refunddomain.Options{IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, refunddomain.StatusCompleted, res.Status)
	assert.Equal(t, int64(4500), *res.AmountCents)

	res, err = f.svc.ProcessRefund(ctx, snapshot(5000, 500), refunddomain.Options{IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, refunddomain.StatusSkipped, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, refundservice.SkipReasonNothingRefundable, *res.Error)

	res, err = f.svc.ProcessRefund(ctx, snapshot(5000, 500), refunddomain.Options{
		IdempotencyKey: "k3",
		Force:          true,
		AdminID:        "admin_1",
		Reason:         "goodwill",
	})
	require.NoError(t, err)
	require.Equal(t, refunddomain.StatusCompleted, res.Status)
	assert.Equal(t, int64(500), *res.AmountCents)

	records, err := f.svc.ListRecords(ctx, "bk_1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[2].Forced)
	require.NotNil(t, records[2].RequestedBy)
	assert.Equal(t, "admin_1", *records[2].RequestedBy)
}

func TestProcessRefundSkipsWhenNothingCaptured(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ProcessRefund(context.Background(), snapshot(0, 0), refunddomain.Options{IdempotencyKey: "k"})
	require.NoError(t, err)

	assert.Equal(t, refunddomain.StatusSkipped, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, refundservice.SkipReasonNothingCaptured, *res.Error)
	assert.Equal(t, 0, f.sandbox.Calls())
}

func TestProcessRefundRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.sandbox.FailNext(
		refunddomain.NewTransientError("timeout", "upstream timeout"),
		refunddomain.NewTransientError("rate_limited", "slow down"),
	)

	res, err := f.svc.ProcessRefund(context.Background(), snapshot(5000, 0), refunddomain.Options{IdempotencyKey: "k"})
	require.NoError(t, err)

	assert.Equal(t, refunddomain.StatusCompleted, res.Status)
	assert.Equal(t, 3, f.sandbox.Calls())
}

func TestProcessRefundPermanentDeclineIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.sandbox.FailNext(refunddomain.NewDeclineError("card_declined", "issuer declined"))

	res, err := f.svc.ProcessRefund(context.Background(), snapshot(5000, 0), refunddomain.Options{IdempotencyKey: "k"})
	require.NoError(t, err)

	assert.Equal(t, refunddomain.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, "card_declined")
	assert.Equal(t, 1, f.sandbox.Calls())
}

func TestProcessRefundExhaustedRetriesFail(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.sandbox.FailNext(refunddomain.NewTransientError("unavailable", "503"))
	}

	res, err := f.svc.ProcessRefund(context.Background(), snapshot(5000, 0), refunddomain.Options{IdempotencyKey: "k"})
	require.NoError(t, err)

	assert.Equal(t, refunddomain.StatusFailed, res.Status)
	assert.Equal(t, 3, f.sandbox.Calls())
}

func TestProcessRefundFailedRecordRetriedAfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := refunddomain.Options{IdempotencyKey: "k"}
	f.sandbox.FailNext(refunddomain.NewDeclineError("processor_error", "try later"))

	res, err := f.svc.ProcessRefund(ctx, snapshot(5000, 0), opts)
	require.NoError(t, err)
	require.Equal(t, refunddomain.StatusFailed, res.Status)

	res, err = f.svc.ProcessRefund(ctx, snapshot(5000, 0), opts)
	require.NoError(t, err)
	assert.Equal(t, refunddomain.StatusFailed, res.Status)
	assert.True(t, res.Replayed)
	assert.Equal(t, 1, f.sandbox.Calls())

	f.clock.Advance(16 * time.Minute)
	res, err = f.svc.ProcessRefund(ctx, snapshot(5000, 0), opts)
	require.NoError(t, err)
	assert.Equal(t, refunddomain.StatusCompleted, res.Status)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, f.sandbox.Calls())

	record, err := f.svc.GetRecord(ctx, "bk_1", "k")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Attempts)
	assert.Nil(t, record.Error)
}

func TestProcessRefundReclaimsStaleProcessingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.clock.Now()
	amount := int64(5000)
	require.NoError(t, f.repo.Insert(ctx, f.db, &refunddomain.Record{
		ID:             f.node.Generate(),
		BookingID:      "bk_1",
		IdempotencyKey: "k",
		Status:         refunddomain.StatusProcessing,
		Method:         refunddomain.MethodCash,
		AmountCents:    &amount,
		Currency:       "USD",
		Attempts:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))

	res, err := f.svc.ProcessRefund(ctx, snapshot(5000, 0), refunddomain.Options{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, refunddomain.StatusProcessing, res.Status)
	assert.Equal(t, 0, f.sandbox.Calls())

	f.clock.Advance(6 * time.Minute)
	res, err = f.svc.ProcessRefund(ctx, snapshot(5000, 0), refunddomain.Options{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, refunddomain.StatusCompleted, res.Status)
	assert.Equal(t, int64(5000), *res.AmountCents)
	assert.Equal(t, 1, f.sandbox.Calls())
}

func TestProcessRefundCreditPathAppendsLedgerOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := refunddomain.Options{IdempotencyKey: "bk_1:no_show", Trigger: "no_show"}

	res, err := f.svc.ProcessRefund(ctx, snapshot(3000, 0), opts)
	require.NoError(t, err)

	assert.Equal(t, refunddomain.StatusCompleted, res.Status)
	assert.Equal(t, refunddomain.MethodCredit, res.Method)
	require.NotNil(t, res.CreditIntentID)
	assert.Nil(t, res.TransactionID)
	assert.Equal(t, 0, f.sandbox.Calls())

	intentID, err := snowflake.ParseString(*res.CreditIntentID)
	require.NoError(t, err)
	intent, err := f.reconciliation.GetIntent(ctx, intentID)
	require.NoError(t, err)
	assert.True(t, intent.Reconciled())
	require.NotNil(t, intent.ExpiresAt)
	assert.True(t, f.clock.Now().AddDate(0, 0, 30).Equal(*intent.ExpiresAt))

	replay, err := f.svc.ProcessRefund(ctx, snapshot(3000, 0), opts)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, *res.CreditIntentID, *replay.CreditIntentID)

	balance, err := f.ledger.GetBalance(ctx, ledgerdomain.OwnerTypeCustomer, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance.AmountCents)
	assert.Equal(t, int64(1), balance.EntryCount)
}

func TestProcessRefundExplicitMethodOverridesPolicy(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ProcessRefund(context.Background(), snapshot(1200, 0), refunddomain.Options{
		IdempotencyKey: "k",
		Trigger:        "cancelled",
		Method:         refunddomain.MethodCredit,
	})
	require.NoError(t, err)
	assert.Equal(t, refunddomain.MethodCredit, res.Method)
	assert.Equal(t, 0, f.sandbox.Calls())
}

func TestProcessRefundMissingPaymentReferenceFails(t *testing.T) {
	f := newFixture(t)
	booking := snapshot(5000, 0)
	booking.PaymentID = nil

	res, err := f.svc.ProcessRefund(context.Background(), booking, refunddomain.Options{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, refunddomain.StatusFailed, res.Status)
	assert.Equal(t, 0, f.sandbox.Calls())
}

func TestProcessRefundConcurrentSameKeySingleEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 6
	var wg sync.WaitGroup
	results := make([]refunddomain.Result, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ProcessRefund(ctx, snapshot(5000, 0), refunddomain.Options{IdempotencyKey: "same"})
		}(i)
	}
	wg.Wait()

	completed := 0
	for i := range results {
		require.NoError(t, errs[i])
		switch results[i].Status {
		case refunddomain.StatusCompleted:
			completed++
		case refunddomain.StatusProcessing:
		default:
			t.Fatalf("unexpected status %s", results[i].Status)
		}
	}
	assert.GreaterOrEqual(t, completed, 1)
	assert.Equal(t, 1, f.sandbox.Calls())

	records, err := f.svc.ListRecords(ctx, "bk_1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestProcessRefundValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		booking refunddomain.BookingSnapshot
		opts    refunddomain.Options
		want    error
	}{
		{name: "missing booking", booking: refunddomain.BookingSnapshot{}, opts: refunddomain.Options{IdempotencyKey: "k"}, want: refunddomain.ErrInvalidBooking},
		{name: "missing key", booking: snapshot(100, 0), opts: refunddomain.Options{}, want: refunddomain.ErrInvalidIdempotencyKey},
		{name: "force without admin", booking: snapshot(100, 0), opts: refunddomain.Options{IdempotencyKey: "k", Force: true}, want: refunddomain.ErrForceRequiresAdmin},
		{name: "unknown method", booking: snapshot(100, 0), opts: refunddomain.Options{IdempotencyKey: "k", Method: "wire"}, want: refunddomain.ErrInvalidMethod},
		{name: "malformed currency", booking: withCurrency(snapshot(100, 0), "usdx"), opts: refunddomain.Options{IdempotencyKey: "k", Trigger: "no_show"}, want: ledgerdomain.ErrInvalidCurrency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.ProcessRefund(ctx, tc.booking, tc.opts)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	records, err := f.svc.ListRecords(ctx, "bk_1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProcessRefundConcurrentKeysNeverExceedCaptured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway = newBarrierGateway(f.sandbox, 400*time.Millisecond)
	f.svc = f.newService()

	keys := []string{"bk_1:cancelled", "bk_1:no_show"}
	var wg sync.WaitGroup
	results := make([]refunddomain.Result, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ProcessRefund(ctx, snapshot(5000, 0), refunddomain.Options{
				IdempotencyKey: key,
				Method:         refunddomain.MethodCash,
			})
		}(i, key)
	}
	wg.Wait()

	var refunded int64
	skipped := 0
	for i := range results {
		require.NoError(t, errs[i])
		switch results[i].Status {
		case refunddomain.StatusCompleted:
			refunded += *results[i].AmountCents
		case refunddomain.StatusSkipped:
			skipped++
			require.NotNil(t, results[i].Error)
			assert.Equal(t, refundservice.SkipReasonNothingRefundable, *results[i].Error)
		default:
			t.Fatalf("unexpected status %s", results[i].Status)
		}
	}
	assert.Equal(t, int64(5000), refunded)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 1, f.sandbox.Calls())

	reserved, err := f.repo.Reserved(ctx, f.db, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), reserved)
}

func TestProcessRefundFailedRecordReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sandbox.FailNext(refunddomain.NewDeclineError("card_declined", "issuer declined"))

	res, err := f.svc.ProcessRefund(ctx, snapshot(5000, 0), refunddomain.Options{IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, refunddomain.StatusFailed, res.Status)

	reserved, err := f.repo.Reserved(ctx, f.db, "bk_1")
	require.NoError(t, err)
	assert.Zero(t, reserved)

	res, err = f.svc.ProcessRefund(ctx, snapshot(5000, 0), refunddomain.Options{IdempotencyKey: "k2"})
	require.NoError(t, err)
	require.Equal(t, refunddomain.StatusCompleted, res.Status)
	assert.Equal(t, int64(5000), *res.AmountCents)

	// the first key comes back after its window and finds nothing left
	f.clock.Advance(16 * time.Minute)
	res, err = f.svc.ProcessRefund(ctx, snapshot(5000, 0), refunddomain.Options{IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, refunddomain.StatusSkipped, res.Status)
	assert.Nil(t, res.AmountCents)
	assert.Equal(t, 2, f.sandbox.Calls())
}

func TestProcessRefundCreditRejectedByLedgerFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reconciliation = rejectingReconciliation{Service: f.reconciliation}
	f.svc = f.newService()

	res, err := f.svc.ProcessRefund(ctx, snapshot(3000, 0), refunddomain.Options{
		IdempotencyKey: "bk_1:no_show",
		Trigger:        "no_show",
	})
	require.NoError(t, err)

	assert.Equal(t, refunddomain.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, ledgerdomain.ErrInvalidCurrency.Error(), *res.Error)
	require.NotNil(t, res.CreditIntentID)

	reserved, err := f.repo.Reserved(ctx, f.db, "bk_1")
	require.NoError(t, err)
	assert.Zero(t, reserved)
}
