package authorization

import (
	"context"
	"errors"
)

const (
	ObjectBooking        = "booking"
	ObjectRefund         = "refund"
	ObjectCreditIntent   = "credit_intent"
	ObjectReconciliation = "reconciliation"
)

const (
	ActionBookingOverride      = "booking.override"
	ActionRefundForce          = "refund.force"
	ActionCreditIntentForfeit  = "credit_intent.forfeit"
	ActionReconciliationRun    = "reconciliation.run"
	ActionAuthorizationDenied  = "authorization.denied"
	ActionAuthorizationGranted = "authorization.granted"
)

const (
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

type Service interface {
	Authorize(ctx context.Context, actorID string, object string, action string) error
	AssignRole(ctx context.Context, actorID string, role string) error
	RevokeRole(ctx context.Context, actorID string, role string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrForbidden     = errors.New("forbidden")
)
