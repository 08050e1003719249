package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

//go:generate mockgen -source=gateway.go -destination=../mocks/mock_gateway.go -package=mocks

// Gateway is the payment processor's refund contract. Implementations must
// deduplicate on IdempotencyKey.
type Gateway interface {
	Refund(ctx context.Context, req GatewayRequest) (GatewayResponse, error)
}

type GatewayRequest struct {
	PaymentID      string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Reason         string
	Metadata       map[string]string
}

type GatewayResponse struct {
	Status        string
	TransactionID string
}

// GatewayError is returned by gateways for classified failures.
type GatewayError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway error: %s", e.Code)
	}
	return fmt.Sprintf("gateway error: %s: %s", e.Code, e.Message)
}

func NewDeclineError(code, message string) error {
	return &GatewayError{Code: code, Message: message}
}

func NewTransientError(code, message string) error {
	return &GatewayError{Code: code, Message: message, Transient: true}
}

// IsTransient reports whether a retry may succeed. Timeouts are always
// transient; unclassified errors are treated as transient because the
// gateway deduplicates on the idempotency key.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

// ErrGatewayUnavailable is returned while the gateway circuit is open.
var ErrGatewayUnavailable = errors.New("gateway_unavailable")
