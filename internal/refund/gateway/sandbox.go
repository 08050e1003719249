package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
)

// Sandbox is an in-process gateway. It issues re_<ulid> transaction ids and
// returns the first response again for a repeated idempotency key.
type Sandbox struct {
	mu        sync.Mutex
	responses map[string]refunddomain.GatewayResponse
	failures  []error
	calls     int
}

func NewSandbox() *Sandbox {
	return &Sandbox{responses: make(map[string]refunddomain.GatewayResponse)}
}

// FailNext queues errors returned by the next calls, in order.
func (s *Sandbox) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Calls returns how many times Refund was invoked.
func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Sandbox) Refund(ctx context.Context, req refunddomain.GatewayRequest) (refunddomain.GatewayResponse, error) {
	if err := ctx.Err(); err != nil {
		return refunddomain.GatewayResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return refunddomain.GatewayResponse{}, err
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		return refunddomain.GatewayResponse{}, refunddomain.NewDeclineError("missing_payment", "payment reference is required")
	}
	if req.AmountCents <= 0 {
		return refunddomain.GatewayResponse{}, refunddomain.NewDeclineError("invalid_amount", "amount must be positive")
	}
	if resp, ok := s.responses[req.IdempotencyKey]; ok {
		return resp, nil
	}

	resp := refunddomain.GatewayResponse{
		Status:        "succeeded",
		TransactionID: "re_" + strings.ToLower(ulid.Make().String()),
	}
	s.responses[req.IdempotencyKey] = resp
	return resp, nil
}

var _ refunddomain.Gateway = (*Sandbox)(nil)
