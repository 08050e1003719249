package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/bookingcore/internal/booking/domain"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
)

type createBookingRequest struct {
	CustomerID            string     `json:"customer_id"`
	ProviderID            string     `json:"provider_id"`
	PaymentID             string     `json:"payment_id"`
	CapturedAmountCents   int64      `json:"captured_amount_cents"`
	NonRefundableFeeCents int64      `json:"non_refundable_fee_cents"`
	Currency              string     `json:"currency"`
	ScheduledAt           *time.Time `json:"scheduled_at"`
}

type adminOverrideRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

type transitionRequest struct {
	TargetStatus   string                `json:"target_status"`
	Reason         string                `json:"reason"`
	SkipRefund     bool                  `json:"skip_refund"`
	IdempotencyKey string                `json:"idempotency_key"`
	RefundMethod   string                `json:"refund_method"`
	AdminOverride  *adminOverrideRequest `json:"admin_override"`
}

type refundRequest struct {
	Force          bool   `json:"force"`
	Reason         string `json:"reason"`
	AdminID        string `json:"admin_id"`
	Method         string `json:"method"`
	IdempotencyKey string `json:"idempotency_key"`
}

type refundResponse struct {
	refunddomain.Result
	Amount string `json:"amount,omitempty"`
}

func (s *Server) CreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	booking, err := s.bookingSvc.Create(c.Request.Context(), bookingdomain.CreateRequest{
		CustomerID:            req.CustomerID,
		ProviderID:            req.ProviderID,
		PaymentID:             req.PaymentID,
		CapturedAmountCents:   req.CapturedAmountCents,
		NonRefundableFeeCents: req.NonRefundableFeeCents,
		Currency:              req.Currency,
		ScheduledAt:           req.ScheduledAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": booking})
}

func (s *Server) GetBooking(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id", bookingdomain.ErrInvalidBookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	booking, err := s.bookingSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": booking})
}

// TransitionBooking returns the typed result for every business outcome; only
// malformed requests surface as error payloads.
func (s *Server) TransitionBooking(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id", bookingdomain.ErrInvalidBookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.TargetStatus) == "" {
		AbortWithError(c, newValidationError("target_status", "required", "target_status is required"))
		return
	}

	opts := bookingdomain.TransitionOptions{
		Reason:         req.Reason,
		SkipRefund:     req.SkipRefund,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		RefundMethod:   refunddomain.Method(strings.ToLower(strings.TrimSpace(req.RefundMethod))),
	}
	if req.AdminOverride != nil {
		opts.Override = &bookingdomain.AdminOverride{
			ActorID: req.AdminOverride.ActorID,
			Reason:  req.AdminOverride.Reason,
		}
	}

	result, err := s.bookingSvc.Transition(c.Request.Context(), id, bookingdomain.Status(req.TargetStatus), opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(transitionStatusCode(result), gin.H{"data": result})
}

func (s *Server) GetBookingHistory(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id", bookingdomain.ErrInvalidBookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	changes, err := s.bookingSvc.GetTransitionHistory(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": changes})
}

func (s *Server) RefundBooking(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id", bookingdomain.ErrInvalidBookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	key := idempotencyKey(c, req.IdempotencyKey)
	if key == "" {
		AbortWithError(c, refunddomain.ErrInvalidIdempotencyKey)
		return
	}

	result, err := s.bookingSvc.RefundBooking(c.Request.Context(), id, refunddomain.Options{
		Force:          req.Force,
		Reason:         req.Reason,
		AdminID:        req.AdminID,
		IdempotencyKey: key,
		Method:         refunddomain.Method(strings.ToLower(strings.TrimSpace(req.Method))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := refundResponse{Result: result}
	if result.AmountCents != nil {
		resp.Amount = formatAmount(*result.AmountCents)
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListBookingRefunds(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id", bookingdomain.ErrInvalidBookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ctx := c.Request.Context()

	if _, err := s.bookingSvc.Get(ctx, id); err != nil {
		AbortWithError(c, err)
		return
	}
	records, err := s.refundSvc.ListRecords(ctx, id.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}

func transitionStatusCode(result bookingdomain.TransitionResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorCode {
	case bookingdomain.ErrorCodeNotFound:
		return http.StatusNotFound
	case bookingdomain.ErrorCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusConflict
	}
}
