package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/bookingcore/pkg/db/pagination"
)

const (
	ActionBookingOverride = "booking.admin_override"
	ActionRefundForced    = "refund.forced"
	ActionIntentForfeited = "credit_intent.forfeited"
	ActionIntentExpired   = "credit_intent.expired"

	TargetTypeBooking      = "booking"
	TargetTypeRefundRecord = "refund_record"
	TargetTypeCreditIntent = "credit_intent"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	AuditLog(ctx context.Context, actorType ActorType, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
