package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/bookingcore/internal/config"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
	"github.com/smallbiznis/bookingcore/internal/refund/gateway"
	"github.com/smallbiznis/bookingcore/internal/refund/mocks"
	"go.uber.org/zap"
)

func policyHolder(maxAttempts uint, trip uint32) *config.RefundPolicyHolder {
	policy := config.DefaultRefundPolicy()
	policy.Gateway = config.GatewayPolicy{
		MaxAttempts:                maxAttempts,
		InitialInterval:            time.Millisecond,
		MaxInterval:                2 * time.Millisecond,
		AttemptTimeout:             20 * time.Millisecond,
		BreakerConsecutiveFailures: trip,
		BreakerOpenTimeout:         time.Minute,
	}
	return config.NewStaticRefundPolicyHolder(policy)
}

func request() refunddomain.GatewayRequest {
	return refunddomain.GatewayRequest{
		PaymentID:      "pi_1",
		AmountCents:    2500,
		Currency:       "USD",
		IdempotencyKey: "bk_1:cancelled",
	}
}

func TestResilientRetriesTransientWithSameKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockGateway(ctrl)

	var keys []string
	record := func(_ context.Context, req refunddomain.GatewayRequest) {
		keys = append(keys, req.IdempotencyKey)
	}
	gomock.InOrder(
		inner.EXPECT().Refund(gomock.Any(), gomock.Any()).Do(record).
			Return(refunddomain.GatewayResponse{}, refunddomain.NewTransientError("timeout", "")),
		inner.EXPECT().Refund(gomock.Any(), gomock.Any()).Do(record).
			Return(refunddomain.GatewayResponse{Status: "succeeded", TransactionID: "re_1"}, nil),
	)

	gw := gateway.NewResilient(inner, policyHolder(4, 10), zap.NewNop(), nil)
	resp, err := gw.Refund(context.Background(), request())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.TransactionID != "re_1" {
		t.Fatalf("expected re_1, got %q", resp.TransactionID)
	}
	if len(keys) != 2 || keys[0] != keys[1] || keys[0] != "bk_1:cancelled" {
		t.Fatalf("expected the same key on every attempt, got %v", keys)
	}
}

func TestResilientDoesNotRetryDecline(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockGateway(ctrl)
	inner.EXPECT().Refund(gomock.Any(), gomock.Any()).
		Return(refunddomain.GatewayResponse{}, refunddomain.NewDeclineError("card_declined", "")).
		Times(1)

	gw := gateway.NewResilient(inner, policyHolder(4, 10), zap.NewNop(), nil)
	_, err := gw.Refund(context.Background(), request())
	if !refunddomain.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	var gwErr *refunddomain.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != "card_declined" {
		t.Fatalf("expected card_declined, got %v", err)
	}
}

func TestResilientOpensCircuitAfterConsecutiveFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockGateway(ctrl)
	inner.EXPECT().Refund(gomock.Any(), gomock.Any()).
		Return(refunddomain.GatewayResponse{}, refunddomain.NewTransientError("unavailable", "503")).
		Times(2)

	gw := gateway.NewResilient(inner, policyHolder(1, 2), zap.NewNop(), nil)
	for i := 0; i < 2; i++ {
		if _, err := gw.Refund(context.Background(), request()); err == nil {
			t.Fatalf("expected attempt %d to fail", i)
		}
	}

	_, err := gw.Refund(context.Background(), request())
	if !errors.Is(err, refunddomain.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway unavailable, got %v", err)
	}
	if gw.State() != "open" {
		t.Fatalf("expected open breaker, got %s", gw.State())
	}
}

func TestResilientDeclinesDoNotTripCircuit(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockGateway(ctrl)
	inner.EXPECT().Refund(gomock.Any(), gomock.Any()).
		Return(refunddomain.GatewayResponse{}, refunddomain.NewDeclineError("insufficient_funds", "")).
		Times(3)

	gw := gateway.NewResilient(inner, policyHolder(1, 2), zap.NewNop(), nil)
	for i := 0; i < 3; i++ {
		_, err := gw.Refund(context.Background(), request())
		if errors.Is(err, refunddomain.ErrGatewayUnavailable) {
			t.Fatalf("declines must not open the circuit")
		}
	}
	if gw.State() != "closed" {
		t.Fatalf("expected closed breaker, got %s", gw.State())
	}
}

func TestResilientAttemptTimeoutIsTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockGateway(ctrl)
	inner.EXPECT().Refund(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ refunddomain.GatewayRequest) (refunddomain.GatewayResponse, error) {
			<-ctx.Done()
			return refunddomain.GatewayResponse{}, ctx.Err()
		}).
		Times(2)

	gw := gateway.NewResilient(inner, policyHolder(2, 10), zap.NewNop(), nil)
	_, err := gw.Refund(context.Background(), request())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSandboxDeduplicatesByKey(t *testing.T) {
	sandbox := gateway.NewSandbox()
	ctx := context.Background()

	first, err := sandbox.Refund(ctx, request())
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	second, err := sandbox.Refund(ctx, request())
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if first.TransactionID != second.TransactionID {
		t.Fatalf("expected same transaction id, got %s and %s", first.TransactionID, second.TransactionID)
	}

	other := request()
	other.IdempotencyKey = "bk_2:cancelled"
	third, err := sandbox.Refund(ctx, other)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if third.TransactionID == first.TransactionID {
		t.Fatalf("expected a new transaction id for a new key")
	}
	if sandbox.Calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", sandbox.Calls())
	}
}

func TestSandboxScriptedFailures(t *testing.T) {
	sandbox := gateway.NewSandbox()
	sandbox.FailNext(refunddomain.NewDeclineError("card_declined", ""))

	if _, err := sandbox.Refund(context.Background(), request()); !refunddomain.IsPermanent(err) {
		t.Fatalf("expected scripted decline, got %v", err)
	}
	if _, err := sandbox.Refund(context.Background(), request()); err != nil {
		t.Fatalf("expected success after scripted failure, got %v", err)
	}
}
