package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/bookingcore/internal/audit/domain"
	"github.com/smallbiznis/bookingcore/internal/clock"
	"github.com/smallbiznis/bookingcore/internal/config"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/bookingcore/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/bookingcore/internal/reconciliation/domain"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
	"github.com/smallbiznis/bookingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	SkipReasonNothingCaptured   = "no captured payment"
	SkipReasonNothingRefundable = "nothing left to refund"

	errMissingPaymentReference = "missing_payment_reference"

	reserveAttempts = 5
)

var (
	errReservationContended = errors.New("refund_reservation_contended")
	errRecordMoved          = errors.New("refund_record_moved")
)

type Params struct {
	fx.In

	DB                *gorm.DB
	Log               *zap.Logger
	GenID             *snowflake.Node
	Repo              refunddomain.Repository
	Gateway           refunddomain.Gateway
	ReconciliationSvc reconciliationdomain.Service
	Policy            *config.RefundPolicyHolder
	AuditSvc          auditdomain.Service `optional:"true"`
	Clock             clock.Clock         `optional:"true"`
	ObsMetrics        *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db                *gorm.DB
	log               *zap.Logger
	genID             *snowflake.Node
	repo              refunddomain.Repository
	gateway           refunddomain.Gateway
	reconciliationSvc reconciliationdomain.Service
	policy            *config.RefundPolicyHolder
	auditSvc          auditdomain.Service
	clock             clock.Clock
	obsMetrics        *obsmetrics.Metrics
}

func NewService(p Params) refunddomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:                p.DB,
		log:               p.Log.Named("refund.service"),
		genID:             p.GenID,
		repo:              p.Repo,
		gateway:           p.Gateway,
		reconciliationSvc: p.ReconciliationSvc,
		policy:            p.Policy,
		auditSvc:          p.AuditSvc,
		clock:             clk,
		obsMetrics:        p.ObsMetrics,
	}
}

// ProcessRefund issues at most one refund effect per (booking, key). Business
// outcomes are reported in the result; errors mean malformed input or an
// unavailable store.
func (s *Service) ProcessRefund(ctx context.Context, booking refunddomain.BookingSnapshot, opts refunddomain.Options) (refunddomain.Result, error) {
	booking.ID = strings.TrimSpace(booking.ID)
	if booking.ID == "" {
		return refunddomain.Result{}, refunddomain.ErrInvalidBooking
	}
	opts.IdempotencyKey = strings.TrimSpace(opts.IdempotencyKey)
	if opts.IdempotencyKey == "" {
		return refunddomain.Result{}, refunddomain.ErrInvalidIdempotencyKey
	}
	opts.AdminID = strings.TrimSpace(opts.AdminID)
	if opts.Force && opts.AdminID == "" {
		return refunddomain.Result{}, refunddomain.ErrForceRequiresAdmin
	}
	opts.Method = refunddomain.Method(strings.ToLower(strings.TrimSpace(string(opts.Method))))
	if opts.Method != "" && !opts.Method.Valid() {
		return refunddomain.Result{}, refunddomain.ErrInvalidMethod
	}
	currency, err := ledgerdomain.NormalizeCurrency(booking.Currency)
	if err != nil {
		return refunddomain.Result{}, err
	}

	policy := s.policy.Get()
	existing, err := s.repo.FindByKey(ctx, s.db, booking.ID, opts.IdempotencyKey)
	if err != nil {
		return refunddomain.Result{}, fmt.Errorf("lookup refund record: %w", err)
	}
	if existing != nil {
		return s.resume(ctx, booking, existing, policy)
	}

	now := s.clock.Now().UTC()
	record := &refunddomain.Record{
		ID:             s.genID.Generate(),
		BookingID:      booking.ID,
		IdempotencyKey: opts.IdempotencyKey,
		Status:         refunddomain.StatusProcessing,
		Currency:       currency,
		Attempts:       1,
		Forced:         opts.Force,
		RequestedBy:    optionalString(opts.AdminID),
		Reason:         optionalString(opts.Reason),
		Trigger:        optionalString(opts.Trigger),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if booking.CapturedAmountCents <= 0 {
		skipReason := SkipReasonNothingCaptured
		record.Status = refunddomain.StatusSkipped
		record.Error = &skipReason
		record.CompletedAt = &now
	} else {
		record.Method = selectMethod(opts, policy)
	}

	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		if db.IsUniqueViolation(err, refunddomain.UniqueBookingKeyConstraint, "booking_id", "idempotency_key") {
			winner, findErr := s.repo.FindByKey(ctx, s.db, booking.ID, opts.IdempotencyKey)
			if findErr != nil {
				return refunddomain.Result{}, fmt.Errorf("lookup refund record: %w", findErr)
			}
			if winner != nil {
				return s.resume(ctx, booking, winner, policy)
			}
		}
		return refunddomain.Result{}, fmt.Errorf("insert refund record: %w", err)
	}

	if record.Status == refunddomain.StatusSkipped {
		s.obsMetrics.RecordRefund(ctx, string(record.Status), "", 0)
		s.log.Info("refund skipped",
			zap.String("booking_id", booking.ID),
			zap.String("refund_record_id", record.ID.String()),
			zap.String("reason", derefString(record.Error)),
		)
		return record.Result(false), nil
	}

	return s.reserveAndExecute(ctx, booking, record, policy)
}

// resume applies the idempotency rules to a record that already exists for
// the key.
func (s *Service) resume(ctx context.Context, booking refunddomain.BookingSnapshot, record *refunddomain.Record, policy config.RefundPolicy) (refunddomain.Result, error) {
	now := s.clock.Now().UTC()

	var notAfter time.Time
	switch record.Status {
	case refunddomain.StatusCompleted, refunddomain.StatusSkipped:
		return record.Result(true), nil
	case refunddomain.StatusFailed:
		notAfter = now.Add(-policy.FailedRetryAfter)
	default:
		notAfter = now.Add(-policy.StaleProcessingAfter)
	}
	if record.UpdatedAt.After(notAfter) {
		return record.Result(true), nil
	}

	claimed, err := s.repo.Claim(ctx, s.db, record.ID, record.Status, notAfter, now)
	if err != nil {
		return refunddomain.Result{}, fmt.Errorf("claim refund record: %w", err)
	}
	if !claimed {
		current, err := s.repo.FindByID(ctx, s.db, record.ID)
		if err != nil {
			return refunddomain.Result{}, fmt.Errorf("reload refund record: %w", err)
		}
		if current == nil {
			return refunddomain.Result{}, refunddomain.ErrRecordNotFound
		}
		return current.Result(true), nil
	}

	s.log.Info("refund record reclaimed",
		zap.String("booking_id", record.BookingID),
		zap.String("refund_record_id", record.ID.String()),
		zap.String("from_status", string(record.Status)),
		zap.Int("attempt", record.Attempts+1),
	)
	if record.Status == refunddomain.StatusFailed {
		// the failed attempt released its reservation
		record.AmountCents = nil
	}
	record.Status = refunddomain.StatusProcessing
	record.Attempts++
	record.Error = nil
	record.UpdatedAt = now
	if !record.Method.Valid() {
		record.Method = refunddomain.Method(policy.MethodFor(derefString(record.Trigger)))
	}

	if record.AmountCents == nil {
		return s.reserveAndExecute(ctx, booking, record, policy)
	}
	return s.execute(ctx, booking, record, policy)
}

func (s *Service) reserveAndExecute(ctx context.Context, booking refunddomain.BookingSnapshot, record *refunddomain.Record, policy config.RefundPolicy) (refunddomain.Result, error) {
	amount, err := s.reserve(ctx, booking, record)
	if err != nil {
		return refunddomain.Result{}, err
	}
	if amount == 0 {
		skipReason := SkipReasonNothingRefundable
		record.Status = refunddomain.StatusSkipped
		record.Method = ""
		record.Error = &skipReason
		return s.finish(ctx, record)
	}
	record.AmountCents = &amount
	return s.execute(ctx, booking, record, policy)
}

// reserve moves the refundable remainder of the booking onto the record in
// one transaction, so records under different keys never promise the same
// money twice. The non-refundable fee is withheld unless the refund is
// forced. Zero means nothing is left.
func (s *Service) reserve(ctx context.Context, booking refunddomain.BookingSnapshot, record *refunddomain.Record) (int64, error) {
	limit := booking.CapturedAmountCents
	if !record.Forced {
		limit -= max(booking.NonRefundableFeeCents, 0)
	}

	var amount int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		if err := s.repo.EnsureReservation(ctx, tx, record.BookingID, now); err != nil {
			return err
		}
		for attempt := 0; attempt < reserveAttempts; attempt++ {
			reserved, err := s.repo.Reserved(ctx, tx, record.BookingID)
			if err != nil {
				return err
			}
			amount = limit - reserved
			if amount <= 0 {
				amount = 0
				return nil
			}
			ok, err := s.repo.Reserve(ctx, tx, record.BookingID, reserved, amount, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			set, err := s.repo.SetAmount(ctx, tx, record.ID, amount, now)
			if err != nil {
				return err
			}
			if !set {
				return errRecordMoved
			}
			return nil
		}
		return errReservationContended
	})
	if err != nil {
		return 0, fmt.Errorf("reserve refund amount: %w", err)
	}
	return amount, nil
}

func (s *Service) execute(ctx context.Context, booking refunddomain.BookingSnapshot, record *refunddomain.Record, policy config.RefundPolicy) (refunddomain.Result, error) {
	switch record.Method {
	case refunddomain.MethodCredit:
		s.refundCredit(ctx, booking, record, policy)
	default:
		record.Method = refunddomain.MethodCash
		s.refundCash(ctx, booking, record)
	}
	return s.finish(ctx, record)
}

func (s *Service) refundCash(ctx context.Context, booking refunddomain.BookingSnapshot, record *refunddomain.Record) {
	paymentID := strings.TrimSpace(derefString(booking.PaymentID))
	if paymentID == "" {
		s.fail(record, errMissingPaymentReference)
		return
	}

	resp, err := s.gateway.Refund(ctx, refunddomain.GatewayRequest{
		PaymentID:      paymentID,
		AmountCents:    *record.AmountCents,
		Currency:       record.Currency,
		IdempotencyKey: gatewayKey(record),
		Reason:         derefString(record.Reason),
		Metadata: map[string]string{
			"booking_id":       record.BookingID,
			"refund_record_id": record.ID.String(),
		},
	})
	if err != nil {
		s.log.Warn("gateway refund failed",
			zap.String("booking_id", record.BookingID),
			zap.String("refund_record_id", record.ID.String()),
			zap.Bool("transient", refunddomain.IsTransient(err)),
			zap.Error(err),
		)
		s.fail(record, err.Error())
		return
	}

	s.complete(record)
	if resp.TransactionID != "" {
		transactionID := resp.TransactionID
		record.TransactionID = &transactionID
	}
}

// refundCredit creates a customer credit keyed by the record id, so a
// reclaimed record reuses the intent created by the earlier attempt.
func (s *Service) refundCredit(ctx context.Context, booking refunddomain.BookingSnapshot, record *refunddomain.Record, policy config.RefundPolicy) {
	reason := ledgerdomain.ReasonRefunded
	bookingID := record.BookingID
	var expiresAt *time.Time
	if policy.CreditExpiryDays > 0 {
		value := s.clock.Now().UTC().AddDate(0, 0, policy.CreditExpiryDays)
		expiresAt = &value
	}

	intent, _, err := s.reconciliationSvc.CreateIntent(ctx, reconciliationdomain.CreateIntentRequest{
		OwnerType:   ledgerdomain.OwnerTypeCustomer,
		OwnerID:     booking.CustomerID,
		BookingID:   &bookingID,
		AmountCents: *record.AmountCents,
		Currency:    record.Currency,
		ReasonCode:  &reason,
		ExpiresAt:   expiresAt,
		Metadata: map[string]any{
			"refund_record_id": record.ID.String(),
			"idempotency_key":  record.IdempotencyKey,
		},
		SourceRef: "refund:" + record.ID.String(),
	})
	if err != nil {
		s.log.Warn("credit intent creation failed",
			zap.String("booking_id", record.BookingID),
			zap.String("refund_record_id", record.ID.String()),
			zap.Error(err),
		)
		s.fail(record, err.Error())
		return
	}

	intentID := intent.ID.String()
	record.CreditIntentID = &intentID

	// The intent is durable; a failed append is picked up by the sweeper
	// unless the ledger will never accept it.
	if _, err := s.reconciliationSvc.ReconcileIntent(ctx, intent); err != nil {
		if ledgerdomain.IsValidationError(err) {
			s.log.Warn("credit intent rejected by ledger",
				zap.String("booking_id", record.BookingID),
				zap.String("credit_intent_id", intentID),
				zap.Error(err),
			)
			s.fail(record, err.Error())
			return
		}
		s.log.Warn("credit intent reconciliation deferred",
			zap.String("credit_intent_id", intentID),
			zap.Error(err),
		)
	}

	s.complete(record)
}

func (s *Service) finish(ctx context.Context, record *refunddomain.Record) (refunddomain.Result, error) {
	now := s.clock.Now().UTC()
	record.UpdatedAt = now
	if record.Status == refunddomain.StatusSkipped && record.CompletedAt == nil {
		record.CompletedAt = &now
	}

	var finished bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		finished, err = s.repo.Finish(ctx, tx, record)
		if err != nil || !finished {
			return err
		}
		if record.Status == refunddomain.StatusFailed && record.AmountCents != nil {
			return s.repo.Release(ctx, tx, record.BookingID, *record.AmountCents, now)
		}
		return nil
	})
	if err != nil {
		return refunddomain.Result{}, fmt.Errorf("finish refund record: %w", err)
	}
	if !finished {
		current, err := s.repo.FindByID(ctx, s.db, record.ID)
		if err != nil {
			return refunddomain.Result{}, fmt.Errorf("reload refund record: %w", err)
		}
		if current == nil {
			return refunddomain.Result{}, refunddomain.ErrRecordNotFound
		}
		s.log.Warn("refund record finished by another worker",
			zap.String("refund_record_id", record.ID.String()),
			zap.String("status", string(current.Status)),
		)
		return current.Result(true), nil
	}

	var amount int64
	if record.AmountCents != nil {
		amount = *record.AmountCents
	}
	s.obsMetrics.RecordRefund(ctx, string(record.Status), string(record.Method), amount)
	s.log.Info("refund processed",
		zap.String("booking_id", record.BookingID),
		zap.String("refund_record_id", record.ID.String()),
		zap.String("status", string(record.Status)),
		zap.String("method", string(record.Method)),
		zap.Int64("amount_cents", amount),
		zap.Int("attempts", record.Attempts),
	)

	if record.Forced {
		s.auditForced(ctx, record)
	}
	return record.Result(false), nil
}

func (s *Service) auditForced(ctx context.Context, record *refunddomain.Record) {
	if s.auditSvc == nil {
		return
	}
	targetID := record.ID.String()
	metadata := map[string]any{
		"booking_id": record.BookingID,
		"status":     string(record.Status),
		"method":     string(record.Method),
		"reason":     derefString(record.Reason),
	}
	if record.AmountCents != nil {
		metadata["amount_cents"] = *record.AmountCents
	}
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeAdmin, record.RequestedBy, auditdomain.ActionRefundForced, auditdomain.TargetTypeRefundRecord, &targetID, metadata); err != nil {
		s.log.Warn("failed to write forced refund audit log", zap.Error(err))
	}
}

func (s *Service) GetRecord(ctx context.Context, bookingID, idempotencyKey string) (*refunddomain.Record, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return nil, refunddomain.ErrInvalidBooking
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return nil, refunddomain.ErrInvalidIdempotencyKey
	}
	record, err := s.repo.FindByKey(ctx, s.db, bookingID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, refunddomain.ErrRecordNotFound
	}
	return record, nil
}

func (s *Service) ListRecords(ctx context.Context, bookingID string) ([]refunddomain.Record, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return nil, refunddomain.ErrInvalidBooking
	}
	records, err := s.repo.ListByBooking(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []refunddomain.Record{}
	}
	return records, nil
}

func (s *Service) complete(record *refunddomain.Record) {
	now := s.clock.Now().UTC()
	record.Status = refunddomain.StatusCompleted
	record.Error = nil
	record.CompletedAt = &now
}

func (s *Service) fail(record *refunddomain.Record, message string) {
	record.Status = refunddomain.StatusFailed
	record.Error = &message
}

func selectMethod(opts refunddomain.Options, policy config.RefundPolicy) refunddomain.Method {
	if opts.Method != "" {
		return opts.Method
	}
	return refunddomain.Method(policy.MethodFor(opts.Trigger))
}

// gatewayKey is stable across reclaims of the same record.
func gatewayKey(record *refunddomain.Record) string {
	return record.BookingID + ":" + record.IdempotencyKey
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
