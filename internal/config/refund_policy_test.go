package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRefundPolicyDefaultsWhenFileMissing(t *testing.T) {
	holder, err := NewRefundPolicyHolder(Config{RefundPolicyDir: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	policy := holder.Get()
	if got := policy.MethodFor("no_show"); got != "credit" {
		t.Fatalf("expected credit for no_show, got %s", got)
	}
	if got := policy.MethodFor("cancelled"); got != "cash" {
		t.Fatalf("expected cash for cancelled, got %s", got)
	}
	if got := policy.MethodFor("unknown"); got != "cash" {
		t.Fatalf("expected cash fallback, got %s", got)
	}
}

func TestRefundPolicyReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`refund:
  methods:
    cancelled: credit
  cancellationWindowHours: 24
  failedRetryAfter: 1m
  gateway:
    maxAttempts: 2
`)
	if err := os.WriteFile(filepath.Join(dir, "refund_policy.yml"), content, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	holder, err := NewRefundPolicyHolder(Config{RefundPolicyDir: dir}, zap.NewNop())
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	policy := holder.Get()
	if got := policy.MethodFor("cancelled"); got != "credit" {
		t.Fatalf("expected credit, got %s", got)
	}
	if policy.CancellationWindowHours != 24 {
		t.Fatalf("expected window 24, got %d", policy.CancellationWindowHours)
	}
	if policy.FailedRetryAfter != time.Minute {
		t.Fatalf("expected failedRetryAfter 1m, got %s", policy.FailedRetryAfter)
	}
	if policy.Gateway.MaxAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", policy.Gateway.MaxAttempts)
	}
	if policy.StaleProcessingAfter != DefaultRefundPolicy().StaleProcessingAfter {
		t.Fatalf("expected default stale window, got %s", policy.StaleProcessingAfter)
	}
}

func TestRefundPolicyRejectsUnknownMethod(t *testing.T) {
	dir := t.TempDir()
	content := []byte("refund:\n  methods:\n    cancelled: voucher\n")
	if err := os.WriteFile(filepath.Join(dir, "refund_policy.yml"), content, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := NewRefundPolicyHolder(Config{RefundPolicyDir: dir}, zap.NewNop()); err == nil {
		t.Fatalf("expected validation error")
	}
}
