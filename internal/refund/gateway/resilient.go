package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/bookingcore/internal/config"
	obsmetrics "github.com/smallbiznis/bookingcore/internal/observability/metrics"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const breakerName = "refund-gateway"

// Resilient wraps a gateway with a circuit breaker, a per-attempt timeout and
// exponential retry of transient failures. Every attempt reuses the caller's
// idempotency key.
type Resilient struct {
	inner      refunddomain.Gateway
	policy     *config.RefundPolicyHolder
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func NewResilient(inner refunddomain.Gateway, policy *config.RefundPolicyHolder, log *zap.Logger, obsMetrics *obsmetrics.Metrics) *Resilient {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("refund.gateway")
	knobs := policy.Get().Gateway

	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     knobs.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= knobs.BreakerConsecutiveFailures
		},
		// Declines mean the processor is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || refunddomain.IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("gateway circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Resilient{
		inner:      inner,
		policy:     policy,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		log:        log,
		obsMetrics: obsMetrics,
	}
}

func (g *Resilient) Refund(ctx context.Context, req refunddomain.GatewayRequest) (refunddomain.GatewayResponse, error) {
	knobs := g.policy.Get().Gateway

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = knobs.InitialInterval
	policy.MaxInterval = knobs.MaxInterval

	attempt := 0
	operation := func() (refunddomain.GatewayResponse, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, knobs.AttemptTimeout)
		defer cancel()

		out, err := g.breaker.Execute(func() (any, error) {
			return g.inner.Refund(attemptCtx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				g.obsMetrics.RecordGatewayCall(ctx, "circuit_open")
				g.log.Warn("gateway circuit open, refund rejected",
					zap.String("idempotency_key", req.IdempotencyKey),
				)
				return refunddomain.GatewayResponse{}, backoff.Permanent(fmt.Errorf("%w: %v", refunddomain.ErrGatewayUnavailable, err))
			}
			if refunddomain.IsPermanent(err) {
				g.obsMetrics.RecordGatewayCall(ctx, "declined")
				return refunddomain.GatewayResponse{}, backoff.Permanent(err)
			}
			g.obsMetrics.RecordGatewayCall(ctx, "transient")
			g.log.Warn("gateway refund attempt failed",
				zap.Int("attempt", attempt),
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err),
			)
			return refunddomain.GatewayResponse{}, err
		}

		g.obsMetrics.RecordGatewayCall(ctx, "success")
		resp, _ := out.(refunddomain.GatewayResponse)
		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(knobs.MaxAttempts),
	)
}

// State exposes the breaker state for health reporting.
func (g *Resilient) State() string {
	return g.breaker.State().String()
}

var _ refunddomain.Gateway = (*Resilient)(nil)
