package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookingcore/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/bookingcore/internal/observability/metrics"
	"github.com/smallbiznis/bookingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxListLimit = 500

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) AppendLedgerEntry(ctx context.Context, req ledgerdomain.AppendRequest) (ledgerdomain.AppendResult, error) {
	entry, err := s.buildEntry(req)
	if err != nil {
		return ledgerdomain.AppendResult{}, err
	}

	err = s.repo.Insert(ctx, s.db, entry)
	if err == nil {
		s.obsMetrics.RecordLedgerAppend(ctx, string(entry.ReasonCode), "inserted")
		return ledgerdomain.AppendResult{Success: true, Entry: entry}, nil
	}
	if !db.IsUniqueViolation(err, ledgerdomain.UniqueCreditIntentConstraint, "credit_intent_id") {
		s.obsMetrics.RecordLedgerAppend(ctx, string(entry.ReasonCode), "error")
		return ledgerdomain.AppendResult{}, fmt.Errorf("append ledger entry: %w", err)
	}

	existing, findErr := s.repo.FindByCreditIntentID(ctx, s.db, entry.CreditIntentID)
	if findErr != nil {
		return ledgerdomain.AppendResult{}, fmt.Errorf("load existing ledger entry: %w", findErr)
	}
	if existing == nil {
		return ledgerdomain.AppendResult{}, fmt.Errorf("ledger entry for intent %s reported duplicate but not found", entry.CreditIntentID)
	}

	s.log.Debug("ledger append replayed",
		zap.String("credit_intent_id", entry.CreditIntentID.String()),
		zap.String("entry_id", existing.ID.String()),
	)
	s.obsMetrics.RecordLedgerAppend(ctx, string(existing.ReasonCode), "duplicate")
	return ledgerdomain.AppendResult{Success: true, Entry: existing, Duplicate: true}, nil
}

func (s *Service) GetBalance(ctx context.Context, ownerType ledgerdomain.OwnerType, ownerID string) (ledgerdomain.Balance, error) {
	ownerType, ownerID, err := normalizeOwner(ownerType, ownerID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	balances, err := s.repo.SumByOwner(ctx, s.db, ownerType, ownerID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	switch len(balances) {
	case 0:
		return ledgerdomain.Balance{
			OwnerType: ownerType,
			OwnerID:   ownerID,
			Currency:  ledgerdomain.DefaultCurrency,
		}, nil
	case 1:
		return balances[0], nil
	default:
		return ledgerdomain.Balance{}, ledgerdomain.ErrMixedCurrencies
	}
}

func (s *Service) GetBalances(ctx context.Context, ownerType ledgerdomain.OwnerType, ownerID string) ([]ledgerdomain.Balance, error) {
	ownerType, ownerID, err := normalizeOwner(ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	return s.repo.SumByOwner(ctx, s.db, ownerType, ownerID)
}

func normalizeOwner(ownerType ledgerdomain.OwnerType, ownerID string) (ledgerdomain.OwnerType, string, error) {
	ownerType = ledgerdomain.OwnerType(strings.ToLower(strings.TrimSpace(string(ownerType))))
	if !ownerType.Valid() {
		return "", "", ledgerdomain.ErrInvalidOwnerType
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", "", ledgerdomain.ErrInvalidOwnerID
	}
	return ownerType, ownerID, nil
}

func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListRequest) ([]ledgerdomain.Entry, error) {
	req.OwnerType = ledgerdomain.OwnerType(strings.ToLower(strings.TrimSpace(string(req.OwnerType))))
	if !req.OwnerType.Valid() {
		return nil, ledgerdomain.ErrInvalidOwnerType
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return nil, ledgerdomain.ErrInvalidOwnerID
	}
	if req.Limit <= 0 || req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}
	return s.repo.ListByOwner(ctx, s.db, req)
}

func (s *Service) buildEntry(req ledgerdomain.AppendRequest) (*ledgerdomain.Entry, error) {
	ownerType := ledgerdomain.OwnerType(strings.ToLower(strings.TrimSpace(string(req.OwnerType))))
	if !ownerType.Valid() {
		return nil, ledgerdomain.ErrInvalidOwnerType
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, ledgerdomain.ErrInvalidOwnerID
	}
	if req.CreditIntentID == 0 {
		return nil, ledgerdomain.ErrInvalidCreditIntent
	}
	reason := ledgerdomain.ReasonCode(strings.ToLower(strings.TrimSpace(string(req.ReasonCode))))
	if err := ledgerdomain.ValidateAmountSign(reason, req.AmountCents); err != nil {
		return nil, err
	}

	currency, err := ledgerdomain.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}

	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		value := req.ExpiresAt.UTC()
		expiresAt = &value
	}

	return &ledgerdomain.Entry{
		ID:             s.genID.Generate(),
		OwnerType:      ownerType,
		OwnerID:        ownerID,
		BookingID:      req.BookingID,
		CreditIntentID: req.CreditIntentID,
		AmountCents:    req.AmountCents,
		Currency:       currency,
		ReasonCode:     reason,
		Metadata:       metadata,
		ExpiresAt:      expiresAt,
		CreatedAt:      s.clock.Now().UTC(),
	}, nil
}

