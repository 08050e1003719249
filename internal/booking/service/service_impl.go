package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/bookingcore/internal/audit/domain"
	"github.com/smallbiznis/bookingcore/internal/authorization"
	bookingdomain "github.com/smallbiznis/bookingcore/internal/booking/domain"
	"github.com/smallbiznis/bookingcore/internal/clock"
	"github.com/smallbiznis/bookingcore/internal/config"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	"github.com/smallbiznis/bookingcore/internal/notification"
	obsmetrics "github.com/smallbiznis/bookingcore/internal/observability/metrics"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	notifyTimeout = 5 * time.Second

	SkipReasonCancellationWindow = "cancellation too close to appointment time"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       bookingdomain.Repository
	RefundSvc  refunddomain.Service
	Authz      authorization.Service
	Policy     *config.RefundPolicyHolder
	Notifier   notification.Notifier `optional:"true"`
	AuditSvc   auditdomain.Service   `optional:"true"`
	Clock      clock.Clock           `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       bookingdomain.Repository
	refundSvc  refunddomain.Service
	authz      authorization.Service
	policy     *config.RefundPolicyHolder
	notifier   notification.Notifier
	auditSvc   auditdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) bookingdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.NewLogNotifier(p.Log)
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("booking.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		refundSvc:  p.RefundSvc,
		authz:      p.Authz,
		policy:     p.Policy,
		notifier:   notifier,
		auditSvc:   p.AuditSvc,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req bookingdomain.CreateRequest) (*bookingdomain.Booking, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, bookingdomain.ErrInvalidCustomer
	}
	providerID := strings.TrimSpace(req.ProviderID)
	if providerID == "" {
		return nil, bookingdomain.ErrInvalidProvider
	}
	if req.CapturedAmountCents < 0 || req.NonRefundableFeeCents < 0 {
		return nil, bookingdomain.ErrInvalidAmount
	}
	currency, err := ledgerdomain.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	booking := &bookingdomain.Booking{
		ID:                    s.genID.Generate(),
		CustomerID:            customerID,
		ProviderID:            providerID,
		Status:                bookingdomain.StatusRequested,
		PaymentID:             optionalString(req.PaymentID),
		CapturedAmountCents:   req.CapturedAmountCents,
		NonRefundableFeeCents: req.NonRefundableFeeCents,
		Currency:              currency,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if req.ScheduledAt != nil {
		scheduledAt := req.ScheduledAt.UTC()
		booking.ScheduledAt = &scheduledAt
	}

	if err := s.repo.Insert(ctx, s.db, booking); err != nil {
		return nil, fmt.Errorf("insert booking: %w", err)
	}
	return booking, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*bookingdomain.Booking, error) {
	if id == 0 {
		return nil, bookingdomain.ErrInvalidBookingID
	}
	booking, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, bookingdomain.ErrBookingNotFound
	}
	return booking, nil
}

// Transition moves a booking to target. The refund, when one applies, runs
// before the status change and gates it; the change itself is a
// compare-and-swap on status and version.
func (s *Service) Transition(ctx context.Context, id snowflake.ID, target bookingdomain.Status, opts bookingdomain.TransitionOptions) (bookingdomain.TransitionResult, error) {
	if id == 0 {
		return bookingdomain.TransitionResult{}, bookingdomain.ErrInvalidBookingID
	}
	target = bookingdomain.Status(strings.ToLower(strings.TrimSpace(string(target))))
	if !target.Valid() {
		return bookingdomain.TransitionResult{}, bookingdomain.ErrInvalidStatus
	}
	override, err := normalizeOverride(opts.Override)
	if err != nil {
		return bookingdomain.TransitionResult{}, err
	}
	kind := bookingdomain.ChangeKindStandard
	if override != nil {
		kind = bookingdomain.ChangeKindAdminOverride
	}

	booking, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return bookingdomain.TransitionResult{}, fmt.Errorf("load booking: %w", err)
	}
	if booking == nil {
		return s.reject(ctx, target, kind, bookingdomain.ErrorCodeNotFound, "booking not found", nil, nil), nil
	}

	from := booking.Status
	if from == target || (override == nil && !bookingdomain.CanTransition(from, target)) {
		return s.reject(ctx, target, kind, bookingdomain.ErrorCodeInvalidTransition,
			fmt.Sprintf("cannot transition from %s to %s", from, target), booking, nil), nil
	}

	if override != nil {
		if err := s.authz.Authorize(ctx, override.ActorID, authorization.ObjectBooking, authorization.ActionBookingOverride); err != nil {
			if errors.Is(err, authorization.ErrForbidden) {
				return s.reject(ctx, target, kind, bookingdomain.ErrorCodeForbidden,
					"actor is not allowed to override booking transitions", booking, nil), nil
			}
			return bookingdomain.TransitionResult{}, err
		}
	}

	refundResult, err := s.refundFor(ctx, booking, target, opts, override)
	if err != nil {
		return bookingdomain.TransitionResult{}, err
	}
	if refundResult != nil {
		switch refundResult.Status {
		case refunddomain.StatusCompleted, refunddomain.StatusSkipped:
		case refunddomain.StatusFailed:
			if override == nil {
				return s.reject(ctx, target, kind, bookingdomain.ErrorCodeRefundFailed,
					"refund failed: "+derefString(refundResult.Error), booking, refundResult), nil
			}
			s.log.Warn("committing override despite failed refund",
				zap.String("booking_id", booking.ID.String()),
				zap.String("actor_id", override.ActorID),
			)
		default:
			return s.reject(ctx, target, kind, bookingdomain.ErrorCodeRefundPending,
				"refund is still processing", booking, refundResult), nil
		}
	}

	now := s.clock.Now().UTC()
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" && override != nil {
		reason = override.Reason
	}

	update := bookingdomain.StatusUpdate{
		ID:              booking.ID,
		FromStatus:      from,
		ToStatus:        target,
		ExpectedVersion: booking.Version,
		UpdatedAt:       now,
	}
	switch target {
	case bookingdomain.StatusCancelled:
		update.CancelledAt = &now
		update.CancellationReason = optionalString(reason)
	case bookingdomain.StatusCompleted:
		update.CompletedAt = &now
	}

	change := &bookingdomain.StateChange{
		ID:         s.genID.Generate(),
		BookingID:  booking.ID,
		FromStatus: from,
		ToStatus:   target,
		Kind:       kind,
		Reason:     optionalString(reason),
		Version:    booking.Version + 1,
		CreatedAt:  now,
	}
	if override != nil {
		actorID := override.ActorID
		change.ActorID = &actorID
	}
	if refundResult != nil {
		status := string(refundResult.Status)
		change.RefundStatus = &status
		change.RefundAmountCents = refundResult.AmountCents
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.UpdateStatus(ctx, tx, update)
		if err != nil {
			return err
		}
		if !updated {
			return bookingdomain.ErrOptimisticConflict
		}
		return s.repo.InsertStateChange(ctx, tx, change)
	})
	if err != nil {
		if errors.Is(err, bookingdomain.ErrOptimisticConflict) {
			return s.reject(ctx, target, kind, bookingdomain.ErrorCodeOptimisticLockConflict,
				"booking was modified concurrently", booking, refundResult), nil
		}
		return bookingdomain.TransitionResult{}, fmt.Errorf("commit transition: %w", err)
	}

	booking.Status = target
	booking.Version++
	booking.UpdatedAt = now
	if update.CancelledAt != nil {
		booking.CancelledAt = update.CancelledAt
		if update.CancellationReason != nil {
			booking.CancellationReason = update.CancellationReason
		}
	}
	if update.CompletedAt != nil {
		booking.CompletedAt = update.CompletedAt
	}

	s.obsMetrics.RecordTransition(ctx, string(target), "success", string(kind))
	s.log.Info("booking transitioned",
		zap.String("booking_id", booking.ID.String()),
		zap.String("from_status", string(from)),
		zap.String("to_status", string(target)),
		zap.String("kind", string(kind)),
		zap.Int64("version", booking.Version),
	)
	if override != nil {
		s.auditOverride(ctx, booking, from, override, refundResult)
	}
	s.notifyAsync(ctx, booking, from, reason, override != nil, refundResult)

	return bookingdomain.TransitionResult{
		Success:      true,
		Booking:      booking,
		RefundResult: refundResult,
	}, nil
}

func (s *Service) GetTransitionHistory(ctx context.Context, id snowflake.ID) ([]bookingdomain.StateChange, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	changes, err := s.repo.ListStateChanges(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if changes == nil {
		changes = []bookingdomain.StateChange{}
	}
	return changes, nil
}

// RefundBooking runs a refund outside a transition, e.g. a goodwill refund
// on a completed booking.
func (s *Service) RefundBooking(ctx context.Context, id snowflake.ID, opts refunddomain.Options) (refunddomain.Result, error) {
	booking, err := s.Get(ctx, id)
	if err != nil {
		return refunddomain.Result{}, err
	}
	if opts.Force {
		if err := s.authz.Authorize(ctx, opts.AdminID, authorization.ObjectRefund, authorization.ActionRefundForce); err != nil {
			if errors.Is(err, authorization.ErrInvalidActor) {
				return refunddomain.Result{}, refunddomain.ErrForceRequiresAdmin
			}
			return refunddomain.Result{}, err
		}
	}
	if strings.TrimSpace(opts.Trigger) == "" {
		opts.Trigger = "manual"
	}
	return s.refundSvc.ProcessRefund(ctx, booking.RefundSnapshot(), opts)
}

func (s *Service) refundFor(
	ctx context.Context,
	booking *bookingdomain.Booking,
	target bookingdomain.Status,
	opts bookingdomain.TransitionOptions,
	override *bookingdomain.AdminOverride,
) (*refunddomain.Result, error) {
	if !target.Refundable() || booking.CapturedAmountCents <= 0 || opts.SkipRefund {
		return nil, nil
	}

	if override == nil && target == bookingdomain.StatusCancelled && s.withinCancellationWindow(booking) {
		reason := SkipReasonCancellationWindow
		s.log.Info("refund skipped inside cancellation window",
			zap.String("booking_id", booking.ID.String()),
		)
		return &refunddomain.Result{Status: refunddomain.StatusSkipped, Error: &reason}, nil
	}

	key := strings.TrimSpace(opts.IdempotencyKey)
	if key == "" {
		key = fmt.Sprintf("%s:%s", booking.ID, target)
	}
	refundOpts := refunddomain.Options{
		Reason:         strings.TrimSpace(opts.Reason),
		IdempotencyKey: key,
		Method:         opts.RefundMethod,
		Trigger:        string(target),
	}
	if override != nil {
		refundOpts.Force = true
		refundOpts.AdminID = override.ActorID
		if refundOpts.Reason == "" {
			refundOpts.Reason = override.Reason
		}
	}

	res, err := s.refundSvc.ProcessRefund(ctx, booking.RefundSnapshot(), refundOpts)
	if err != nil {
		return nil, fmt.Errorf("process refund: %w", err)
	}
	return &res, nil
}

func (s *Service) withinCancellationWindow(booking *bookingdomain.Booking) bool {
	hours := s.policy.Get().CancellationWindowHours
	if hours <= 0 || booking.ScheduledAt == nil {
		return false
	}
	cutoff := booking.ScheduledAt.Add(-time.Duration(hours) * time.Hour)
	return !s.clock.Now().Before(cutoff)
}

func (s *Service) reject(
	ctx context.Context,
	target bookingdomain.Status,
	kind bookingdomain.ChangeKind,
	code string,
	message string,
	booking *bookingdomain.Booking,
	refundResult *refunddomain.Result,
) bookingdomain.TransitionResult {
	s.obsMetrics.RecordTransition(ctx, string(target), strings.ToLower(code), string(kind))
	fields := []zap.Field{
		zap.String("to_status", string(target)),
		zap.String("error_code", code),
	}
	if booking != nil {
		fields = append(fields,
			zap.String("booking_id", booking.ID.String()),
			zap.String("from_status", string(booking.Status)),
		)
	}
	s.log.Info("booking transition rejected", fields...)
	return bookingdomain.TransitionResult{
		Success:      false,
		ErrorCode:    code,
		Error:        message,
		Booking:      booking,
		RefundResult: refundResult,
	}
}

func (s *Service) auditOverride(ctx context.Context, booking *bookingdomain.Booking, from bookingdomain.Status, override *bookingdomain.AdminOverride, refundResult *refunddomain.Result) {
	if s.auditSvc == nil {
		return
	}
	targetID := booking.ID.String()
	actorID := override.ActorID
	metadata := map[string]any{
		"from_status": string(from),
		"to_status":   string(booking.Status),
		"reason":      override.Reason,
		"version":     booking.Version,
	}
	if refundResult != nil {
		metadata["refund_status"] = string(refundResult.Status)
		if refundResult.AmountCents != nil {
			metadata["refund_amount_cents"] = *refundResult.AmountCents
		}
	}
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeAdmin, &actorID, auditdomain.ActionBookingOverride, auditdomain.TargetTypeBooking, &targetID, metadata); err != nil {
		s.log.Warn("failed to write override audit log", zap.Error(err))
	}
}

// notifyAsync never blocks or fails the transition.
func (s *Service) notifyAsync(ctx context.Context, booking *bookingdomain.Booking, from bookingdomain.Status, reason string, override bool, refundResult *refunddomain.Result) {
	event := notification.Event{
		Kind:       notification.KindBookingTransitioned,
		BookingID:  booking.ID.String(),
		CustomerID: booking.CustomerID,
		ProviderID: booking.ProviderID,
		FromStatus: string(from),
		ToStatus:   string(booking.Status),
		Reason:     reason,
		Override:   override,
		Currency:   booking.Currency,
		OccurredAt: booking.UpdatedAt,
	}
	if refundResult != nil {
		event.RefundStatus = string(refundResult.Status)
		event.RefundMethod = string(refundResult.Method)
		if refundResult.AmountCents != nil {
			event.RefundAmount = FormatAmount(*refundResult.AmountCents)
		}
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		notifyCtx, cancel := context.WithTimeout(detached, notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(notifyCtx, event); err != nil {
			s.obsMetrics.RecordNotification(notifyCtx, event.Kind, "error")
			s.log.Warn("booking notification failed",
				zap.String("booking_id", event.BookingID),
				zap.Error(err),
			)
			return
		}
		s.obsMetrics.RecordNotification(notifyCtx, event.Kind, "sent")
	}()
}

// FormatAmount renders minor units as a fixed two-decimal string.
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func normalizeOverride(in *bookingdomain.AdminOverride) (*bookingdomain.AdminOverride, error) {
	if in == nil {
		return nil, nil
	}
	out := &bookingdomain.AdminOverride{
		ActorID: strings.TrimSpace(in.ActorID),
		Reason:  strings.TrimSpace(in.Reason),
	}
	if out.ActorID == "" || out.Reason == "" {
		return nil, bookingdomain.ErrInvalidOverride
	}
	return out, nil
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
