package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	auditdomain "github.com/smallbiznis/bookingcore/internal/audit/domain"
	"github.com/smallbiznis/bookingcore/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/bookingcore/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/bookingcore/internal/reconciliation/domain"
	"github.com/smallbiznis/bookingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultBatchLimit = 100
	maxBatchLimit     = 1000

	sourceRefConstraint = "credit_intents_source_ref_key"
	reversalConstraint  = "credit_intents_reverses_intent_id_key"
)

// RetryPolicy bounds per-intent retries of transient store errors.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       reconciliationdomain.Repository
	LedgerSvc  ledgerdomain.Service
	AuditSvc   auditdomain.Service `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
	Retry      *RetryPolicy        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       reconciliationdomain.Repository
	ledgerSvc  ledgerdomain.Service
	auditSvc   auditdomain.Service
	clock      clock.Clock
	retry      RetryPolicy
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) reconciliationdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	retry := DefaultRetryPolicy()
	if p.Retry != nil {
		retry = *p.Retry
	}
	if retry.MaxTries == 0 {
		retry.MaxTries = 1
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconciliation.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		ledgerSvc:  p.LedgerSvc,
		auditSvc:   p.AuditSvc,
		clock:      clk,
		retry:      retry,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateIntent(ctx context.Context, req reconciliationdomain.CreateIntentRequest) (*reconciliationdomain.CreditIntent, bool, error) {
	ownerType := ledgerdomain.OwnerType(strings.ToLower(strings.TrimSpace(string(req.OwnerType))))
	if !ownerType.Valid() {
		return nil, false, reconciliationdomain.ErrInvalidOwnerType
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, false, reconciliationdomain.ErrInvalidOwnerID
	}
	if req.AmountCents == 0 {
		return nil, false, reconciliationdomain.ErrInvalidAmount
	}
	if req.ReasonCode != nil {
		if err := ledgerdomain.ValidateAmountSign(*req.ReasonCode, req.AmountCents); err != nil {
			return nil, false, err
		}
	}
	currency, err := ledgerdomain.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, false, err
	}

	sourceRef := strings.TrimSpace(req.SourceRef)
	if sourceRef != "" {
		existing, err := s.repo.FindBySourceRef(ctx, s.db, sourceRef)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	intent := &reconciliationdomain.CreditIntent{
		ID:          s.genID.Generate(),
		OwnerType:   ownerType,
		OwnerID:     ownerID,
		BookingID:   req.BookingID,
		AmountCents: req.AmountCents,
		Currency:    currency,
		ReasonCode:  req.ReasonCode,
		Metadata:    copyMetadata(req.Metadata),
		ExpiresAt:   utcPointer(req.ExpiresAt),
		CreatedAt:   s.clock.Now().UTC(),
	}
	if sourceRef != "" {
		intent.SourceRef = &sourceRef
	}

	if err := s.repo.Insert(ctx, s.db, intent); err != nil {
		if sourceRef != "" && db.IsUniqueViolation(err, sourceRefConstraint, "source_ref") {
			existing, findErr := s.repo.FindBySourceRef(ctx, s.db, sourceRef)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("insert credit intent: %w", err)
	}
	return intent, true, nil
}

func (s *Service) GetIntent(ctx context.Context, id snowflake.ID) (*reconciliationdomain.CreditIntent, error) {
	if id == 0 {
		return nil, reconciliationdomain.ErrInvalidIntent
	}
	intent, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, reconciliationdomain.ErrIntentNotFound
	}
	return intent, nil
}

func (s *Service) ListIntents(ctx context.Context, filter reconciliationdomain.ListIntentsFilter) ([]reconciliationdomain.CreditIntent, error) {
	filter.Limit = clampLimit(filter.Limit)
	return s.repo.List(ctx, s.db, filter)
}

// ReconcileIntent performs exactly one ledger append for the intent and then
// stamps reconciled_at. There is no wrapping transaction: if the stamp is lost
// the next pass resolves through the ledger's duplicate path.
func (s *Service) ReconcileIntent(ctx context.Context, intent *reconciliationdomain.CreditIntent) (reconciliationdomain.Outcome, error) {
	if intent == nil || intent.ID == 0 {
		return "", reconciliationdomain.ErrInvalidIntent
	}
	if intent.Reconciled() {
		s.obsMetrics.RecordReconciliation(ctx, string(reconciliationdomain.OutcomeSkipped))
		return reconciliationdomain.OutcomeSkipped, nil
	}

	metadata := map[string]any{}
	for k, v := range intent.Metadata {
		metadata[k] = v
	}
	res, err := s.ledgerSvc.AppendLedgerEntry(ctx, ledgerdomain.AppendRequest{
		OwnerType:      intent.OwnerType,
		OwnerID:        intent.OwnerID,
		BookingID:      intent.BookingID,
		CreditIntentID: intent.ID,
		AmountCents:    intent.AmountCents,
		Currency:       intent.Currency,
		ReasonCode:     intent.Reason(),
		Metadata:       metadata,
		ExpiresAt:      intent.ExpiresAt,
	})
	if err != nil {
		s.obsMetrics.RecordReconciliation(ctx, "error")
		return "", err
	}

	now := s.clock.Now().UTC()
	marked, err := s.repo.MarkReconciled(ctx, s.db, intent.ID, now)
	if err != nil {
		s.obsMetrics.RecordReconciliation(ctx, "error")
		return "", fmt.Errorf("mark intent reconciled: %w", err)
	}
	if marked {
		intent.ReconciledAt = &now
	}

	outcome := reconciliationdomain.OutcomeProcessed
	if res.Duplicate {
		outcome = reconciliationdomain.OutcomeSkipped
	}
	s.obsMetrics.RecordReconciliation(ctx, string(outcome))
	return outcome, nil
}

// ReconcileBatch reconciles each intent independently. A failing intent is
// reported in Errors and does not stop the rest of the batch.
func (s *Service) ReconcileBatch(ctx context.Context, intents []reconciliationdomain.CreditIntent) reconciliationdomain.Result {
	result := reconciliationdomain.Result{Errors: []reconciliationdomain.IntentError{}}
	for i := range intents {
		intent := intents[i]
		outcome, err := s.reconcileWithRetry(ctx, &intent)
		if err != nil {
			s.log.Warn("intent reconciliation failed",
				zap.String("intent_id", intent.ID.String()),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, reconciliationdomain.IntentError{
				IntentID: intent.ID.String(),
				Error:    err.Error(),
			})
			continue
		}
		switch outcome {
		case reconciliationdomain.OutcomeProcessed:
			result.Processed++
		default:
			result.Skipped++
		}
	}
	return result
}

func (s *Service) ReconcilePending(ctx context.Context, limit int) (reconciliationdomain.Result, error) {
	intents, err := s.repo.ListPending(ctx, s.db, clampLimit(limit))
	if err != nil {
		return reconciliationdomain.Result{}, fmt.Errorf("list pending intents: %w", err)
	}
	return s.ReconcileBatch(ctx, intents), nil
}

// CreateForfeitureIntent reverses a reconciled intent. A second call for the
// same original returns the existing reversal with ErrForfeitureExists.
func (s *Service) CreateForfeitureIntent(ctx context.Context, original *reconciliationdomain.CreditIntent, reason string) (*reconciliationdomain.CreditIntent, error) {
	if original == nil || original.ID == 0 {
		return nil, reconciliationdomain.ErrInvalidIntent
	}
	stored, err := s.repo.FindByID(ctx, s.db, original.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, reconciliationdomain.ErrIntentNotFound
	}
	if !stored.Reconciled() || stored.AmountCents <= 0 || stored.ReversesIntentID != nil {
		return nil, reconciliationdomain.ErrOriginalNotForfeitable
	}

	metadata := map[string]any{reconciliationdomain.MetadataForfeitureOf: stored.ID.String()}
	if reason = strings.TrimSpace(reason); reason != "" {
		metadata[reconciliationdomain.MetadataReason] = reason
	}
	intent, err := s.createReversal(ctx, stored, -stored.AmountCents, ledgerdomain.ReasonForfeited, metadata)
	if err != nil {
		return intent, err
	}

	if s.auditSvc != nil {
		targetID := stored.ID.String()
		if auditErr := s.auditSvc.AuditLog(ctx, "", nil, auditdomain.ActionIntentForfeited, auditdomain.TargetTypeCreditIntent, &targetID, map[string]any{
			"forfeiture_intent_id": intent.ID.String(),
			"amount_cents":         intent.AmountCents,
			"reason":               reason,
		}); auditErr != nil {
			s.log.Warn("failed to write forfeiture audit log", zap.Error(auditErr))
		}
	}
	return intent, nil
}

// SweepExpired creates one expiry reversal per expired intent, clamped so an
// owner's balance never goes below zero, then reconciles it.
func (s *Service) SweepExpired(ctx context.Context, now time.Time, limit int) (reconciliationdomain.SweepResult, error) {
	result := reconciliationdomain.SweepResult{Errors: []reconciliationdomain.IntentError{}}
	candidates, err := s.repo.ListExpiryCandidates(ctx, s.db, now.UTC(), clampLimit(limit))
	if err != nil {
		return result, fmt.Errorf("list expiry candidates: %w", err)
	}
	result.Candidates = len(candidates)

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		original := candidates[i]
		outcome, created, err := s.expireOne(ctx, &original)
		if created {
			result.Created++
		}
		if err != nil {
			if errors.Is(err, reconciliationdomain.ErrForfeitureExists) {
				result.Skipped++
				continue
			}
			result.Errors = append(result.Errors, reconciliationdomain.IntentError{
				IntentID: original.ID.String(),
				Error:    err.Error(),
			})
			continue
		}
		switch outcome {
		case reconciliationdomain.OutcomeProcessed:
			result.Reconciled++
		case reconciliationdomain.OutcomeSkipped:
			result.Skipped++
		}
	}
	return result, nil
}

func (s *Service) expireOne(ctx context.Context, original *reconciliationdomain.CreditIntent) (reconciliationdomain.Outcome, bool, error) {
	balances, err := s.ledgerSvc.GetBalances(ctx, original.OwnerType, original.OwnerID)
	if err != nil {
		return "", false, err
	}
	var available int64
	for _, balance := range balances {
		if balance.Currency == original.Currency {
			available = balance.AmountCents
		}
	}
	amount := min(original.AmountCents, max(available, 0))

	intent, err := s.createReversal(ctx, original, -amount, ledgerdomain.ReasonExpired, map[string]any{
		reconciliationdomain.MetadataExpiryOf: original.ID.String(),
		"original_amount_cents":               original.AmountCents,
	})
	if err != nil {
		return "", false, err
	}
	s.auditExpiry(ctx, original, intent)
	if intent.AmountCents == 0 {
		// Nothing left to expire; the marker only removes the candidate.
		return "", true, nil
	}

	outcome, err := s.reconcileWithRetry(ctx, intent)
	if err != nil {
		return "", true, err
	}
	return outcome, true, nil
}

func (s *Service) auditExpiry(ctx context.Context, original, reversal *reconciliationdomain.CreditIntent) {
	if s.auditSvc == nil {
		return
	}
	targetID := original.ID.String()
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeSystem, nil, auditdomain.ActionIntentExpired, auditdomain.TargetTypeCreditIntent, &targetID, map[string]any{
		"expiry_intent_id":      reversal.ID.String(),
		"amount_cents":          reversal.AmountCents,
		"original_amount_cents": original.AmountCents,
		"owner_type":            string(original.OwnerType),
		"owner_id":              original.OwnerID,
	}); err != nil {
		s.log.Warn("failed to write expiry audit log", zap.Error(err))
	}
}

func (s *Service) createReversal(
	ctx context.Context,
	original *reconciliationdomain.CreditIntent,
	amount int64,
	reason ledgerdomain.ReasonCode,
	metadata map[string]any,
) (*reconciliationdomain.CreditIntent, error) {
	existing, err := s.repo.FindReversal(ctx, s.db, original.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, reconciliationdomain.ErrForfeitureExists
	}

	originalID := original.ID
	reasonCode := reason
	intent := &reconciliationdomain.CreditIntent{
		ID:               s.genID.Generate(),
		OwnerType:        original.OwnerType,
		OwnerID:          original.OwnerID,
		BookingID:        original.BookingID,
		AmountCents:      amount,
		Currency:         original.Currency,
		ReasonCode:       &reasonCode,
		ReversesIntentID: &originalID,
		Metadata:         copyMetadata(metadata),
		CreatedAt:        s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, intent); err != nil {
		if db.IsUniqueViolation(err, reversalConstraint, "reverses_intent_id") {
			existing, findErr := s.repo.FindReversal(ctx, s.db, original.ID)
			if findErr != nil {
				return nil, findErr
			}
			return existing, reconciliationdomain.ErrForfeitureExists
		}
		return nil, fmt.Errorf("insert reversal intent: %w", err)
	}
	return intent, nil
}

func (s *Service) reconcileWithRetry(ctx context.Context, intent *reconciliationdomain.CreditIntent) (reconciliationdomain.Outcome, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.InitialInterval
	policy.MaxInterval = s.retry.MaxInterval

	return backoff.Retry(ctx, func() (reconciliationdomain.Outcome, error) {
		outcome, err := s.ReconcileIntent(ctx, intent)
		if err != nil && isPermanent(err) {
			return "", backoff.Permanent(err)
		}
		return outcome, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.retry.MaxTries),
	)
}

func isPermanent(err error) bool {
	return ledgerdomain.IsValidationError(err) ||
		errors.Is(err, reconciliationdomain.ErrInvalidIntent) ||
		errors.Is(err, context.Canceled)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultBatchLimit
	case limit > maxBatchLimit:
		return maxBatchLimit
	default:
		return limit
	}
}


func copyMetadata(in map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range in {
		out[k] = v
	}
	return out
}

func utcPointer(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}
