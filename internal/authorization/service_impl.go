package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/bookingcore/internal/audit/domain"
	"github.com/smallbiznis/bookingcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	Config   config.Config       `optional:"true"`
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads the RBAC model and persists policies in casbin_rule.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) (Service, error) {
	s := &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
	for _, actor := range p.Config.AdminActors {
		if err := s.AssignRole(context.Background(), actor, RoleAdmin); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ServiceImpl) Authorize(ctx context.Context, actorID string, object string, action string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(subject(actorID), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor_id", actorID),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.audit(ctx, ActionAuthorizationDenied, actorID, object, action)
		return ErrForbidden
	}
	if shouldAuditGrant(action) {
		s.audit(ctx, ActionAuthorizationGranted, actorID, object, action)
	}
	return nil
}

func (s *ServiceImpl) AssignRole(ctx context.Context, actorID string, role string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return ErrInvalidRole
	}
	has, err := s.enforcer.HasGroupingPolicy(subject(actorID), roleName(role))
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject(actorID), roleName(role))
	return err
}

func (s *ServiceImpl) RevokeRole(ctx context.Context, actorID string, role string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return ErrInvalidRole
	}
	_, err := s.enforcer.RemoveGroupingPolicy(subject(actorID), roleName(role))
	return err
}

func (s *ServiceImpl) audit(ctx context.Context, auditAction string, actorID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := object + ":" + action
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeUser, &actorID, auditAction, "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
	}); err != nil {
		s.log.Warn("failed to write authorization audit log", zap.Error(err))
	}
}

func subject(actorID string) string {
	return "actor:" + actorID
}

func roleName(role string) string {
	return "role:" + role
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionBookingOverride, ActionRefundForce, ActionCreditIntentForfeit:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{roleName(RoleAdmin), ObjectBooking, ActionBookingOverride},
		{roleName(RoleAdmin), ObjectRefund, ActionRefundForce},
		{roleName(RoleAdmin), ObjectCreditIntent, ActionCreditIntentForfeit},
		{roleName(RoleAdmin), ObjectReconciliation, ActionReconciliationRun},

		{roleName(RoleSystem), ObjectReconciliation, ActionReconciliationRun},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
