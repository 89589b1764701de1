package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		backendCallsTotal == nil || authAttemptsTotal == nil || fileBytesTotal == nil ||
		rateLimitDelaySeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveBackendCall(t *testing.T) {
	Init()

	ObserveBackendCall("metrics-test", "submit", nil)
	ObserveBackendCall("metrics-test", "submit", errors.New("boom"))
	ObserveBackendCall("metrics-test", "submit", errors.New("boom"))

	if val := testutil.ToFloat64(backendCallsTotal.WithLabelValues("metrics-test", "submit", ResultOK)); val != 1 {
		t.Errorf("expected 1 ok submit, got %f", val)
	}
	if val := testutil.ToFloat64(backendCallsTotal.WithLabelValues("metrics-test", "submit", ResultError)); val != 2 {
		t.Errorf("expected 2 failed submits, got %f", val)
	}
}

func TestObserveAuth(t *testing.T) {
	Init()

	ObserveAuth("metrics-test", true)
	ObserveAuth("metrics-test", false)

	if val := testutil.ToFloat64(authAttemptsTotal.WithLabelValues("metrics-test", ResultOK)); val != 1 {
		t.Errorf("expected 1 accepted attempt, got %f", val)
	}
	if val := testutil.ToFloat64(authAttemptsTotal.WithLabelValues("metrics-test", ResultError)); val != 1 {
		t.Errorf("expected 1 rejected attempt, got %f", val)
	}
}

func TestAddFileBytesIgnoresNonPositive(t *testing.T) {
	Init()

	before := testutil.ToFloat64(fileBytesTotal.WithLabelValues("metrics-test"))
	AddFileBytes("metrics-test", 0)
	AddFileBytes("metrics-test", -5)
	AddFileBytes("metrics-test", 128)

	if val := testutil.ToFloat64(fileBytesTotal.WithLabelValues("metrics-test")); val != before+128 {
		t.Errorf("expected %f bytes, got %f", before+128, val)
	}
}

func TestObserveHTTPRequestRecordsDuration(t *testing.T) {
	Init()

	ObserveHTTPRequest("PATCH", "/metrics-test", 204, 30*time.Millisecond)
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("PATCH", "204")); val != 1 {
		t.Errorf("expected 1 PATCH 204, got %f", val)
	}
}

func TestObserveRateLimitDelay(t *testing.T) {
	Init()

	ObserveRateLimitDelay("metrics-test", 150*time.Millisecond)
	ObserveRateLimitDelay("metrics-test", 300*time.Millisecond)

	if n := testutil.CollectAndCount(rateLimitDelaySeconds, "hpcgw_backend_ratelimit_delay_seconds"); n < 1 {
		t.Errorf("expected at least one delay series, got %d", n)
	}
}
