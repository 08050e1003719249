package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/bookingcore/internal/audit/domain"
	"github.com/smallbiznis/bookingcore/internal/authorization"
	obscontext "github.com/smallbiznis/bookingcore/internal/observability/context"
	reconciliationdomain "github.com/smallbiznis/bookingcore/internal/reconciliation/domain"
	"go.uber.org/zap"
)

const defaultReconcileLimit = 100

type runReconciliationRequest struct {
	ActorID string `json:"actor_id"`
	Limit   int    `json:"limit"`
}

type forfeitIntentRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

type forfeitIntentResponse struct {
	Intent   *reconciliationdomain.CreditIntent `json:"intent"`
	Outcome  reconciliationdomain.Outcome       `json:"outcome"`
	Replayed bool                               `json:"replayed"`
}

func (s *Server) RunReconciliation(c *gin.Context) {
	var req runReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	ctx := c.Request.Context()
	if err := s.authz.Authorize(ctx, req.ActorID, authorization.ObjectReconciliation, authorization.ActionReconciliationRun); err != nil {
		AbortWithError(c, err)
		return
	}
	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeAdmin), req.ActorID)

	limit := req.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	result, err := s.reconciliationSvc.ReconcilePending(ctx, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) GetCreditIntent(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id", reconciliationdomain.ErrInvalidIntent)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	intent, err := s.reconciliationSvc.GetIntent(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": intent})
}

// ForfeitCreditIntent reverses a granted credit. Repeating the call returns
// the existing reversal and re-runs its reconciliation.
func (s *Server) ForfeitCreditIntent(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id", reconciliationdomain.ErrInvalidIntent)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req forfeitIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	ctx := c.Request.Context()
	if err := s.authz.Authorize(ctx, req.ActorID, authorization.ObjectCreditIntent, authorization.ActionCreditIntentForfeit); err != nil {
		AbortWithError(c, err)
		return
	}
	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeAdmin), req.ActorID)

	original, err := s.reconciliationSvc.GetIntent(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	replayed := false
	forfeit, err := s.reconciliationSvc.CreateForfeitureIntent(ctx, original, req.Reason)
	if err != nil {
		if !errors.Is(err, reconciliationdomain.ErrForfeitureExists) || forfeit == nil {
			AbortWithError(c, err)
			return
		}
		replayed = true
	}

	outcome, err := s.reconciliationSvc.ReconcileIntent(ctx, forfeit)
	if err != nil {
		// The intent is durable; the sweeper applies it later.
		s.log.Warn("forfeiture reconcile deferred",
			zap.String("intent_id", forfeit.ID.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusAccepted, gin.H{"data": forfeitIntentResponse{Intent: forfeit, Replayed: replayed}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": forfeitIntentResponse{
		Intent:   forfeit,
		Outcome:  outcome,
		Replayed: replayed,
	}})
}
