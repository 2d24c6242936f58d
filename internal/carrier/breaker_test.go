package carrier

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

func TestCircuitBreakerExecute(t *testing.T) {
	cb := NewCircuitBreaker(2, 20*time.Millisecond, nil)
	if cb.logger == nil {
		t.Fatal("expected default logger")
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed state, got %v", cb.State())
	}

	// Successful call keeps breaker closed.
	if err := cb.Execute("ok", func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two failures open the breaker.
	if err := cb.Execute("fail-1", func() error { return errors.New("boom") }); err == nil {
		t.Fatal("expected first failure")
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("breaker should still be closed after first failure, got %v", cb.State())
	}
	if err := cb.Execute("fail-2", func() error { return errors.New("boom") }); err == nil {
		t.Fatal("expected second failure")
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("breaker should be open, got %v", cb.State())
	}

	// Open breaker rejects immediately with a transient error.
	called := false
	err := cb.Execute("blocked", func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, domain.ErrCarrierUnavailable) {
		t.Fatalf("expected open breaker error, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not call the operation")
	}

	// After reset timeout, breaker goes half-open and closes on success.
	cb.lastFailure = time.Now().Add(-time.Second)
	if err := cb.Execute("half-open-success", func() error { return nil }); err != nil {
		t.Fatalf("unexpected error in half-open: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed state after half-open success, got %v", cb.State())
	}

	// Half-open failure re-opens.
	cb.state = CircuitOpen
	cb.lastFailure = time.Now().Add(-time.Second)
	if err := cb.Execute("half-open-fail", func() error { return errors.New("still failing") }); err == nil {
		t.Fatal("expected error in half-open failure")
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state after half-open failure, got %v", cb.State())
	}
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour, log.New().WithField("test", "breaker"))

	if err := cb.Execute("cancelled", func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("cancellation must not open breaker, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond, nil)
	_ = cb.Execute("fail", func() error { return errors.New("boom") })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %v", cb.State())
	}
	cb.lastFailure = time.Now().Add(-time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute("trial", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	called := false
	if err := cb.Execute("concurrent", func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected concurrent call to be rejected during trial, got %v", err)
	}
	if called {
		t.Fatal("concurrent call must not reach the carrier during trial")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed state after trial success, got %v", cb.State())
	}
	if err := cb.Execute("after-trial", func() error { return nil }); err != nil {
		t.Fatalf("closed breaker must admit calls: %v", err)
	}
}

func TestCircuitBreakerCancelledTrialFreesSlot(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond, nil)
	_ = cb.Execute("fail", func() error { return errors.New("boom") })
	cb.lastFailure = time.Now().Add(-time.Second)

	if err := cb.Execute("cancelled-trial", func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cancelled trial, got %v", cb.State())
	}
	if err := cb.Execute("next-trial", func() error { return nil }); err != nil {
		t.Fatalf("next trial must be admitted: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed state, got %v", cb.State())
	}
}

func TestBreakerClientPassesDeclinesThrough(t *testing.T) {
	mock := NewMockClient()
	mock.Eligibility = domain.EligibilityResponse{CarrierResult: domain.CarrierResult{Status: "99", Message: "not eligible"}}
	client := NewBreakerClient(mock, NewCircuitBreaker(1, time.Hour, nil))

	for i := 0; i < 3; i++ {
		resp, err := client.CheckEligibility(context.Background(), "tok", domain.EligibilityRequest{})
		if err != nil {
			t.Fatalf("decline must not be an error: %v", err)
		}
		if resp.Success() {
			t.Fatal("expected declined response")
		}
	}
	if mock.Calls().Eligibility != 3 {
		t.Fatalf("expected 3 calls, got %d", mock.Calls().Eligibility)
	}
}

func TestBreakerClientOpensOnTransportErrors(t *testing.T) {
	mock := NewMockClient()
	mock.EligibilityErrs = []error{domain.ErrCarrierUnavailable}
	client := NewBreakerClient(mock, NewCircuitBreaker(1, time.Hour, nil))

	if _, err := client.CheckEligibility(context.Background(), "tok", domain.EligibilityRequest{}); !errors.Is(err, domain.ErrCarrierUnavailable) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := client.InitiatePayment(context.Background(), "tok", "TX123", domain.EligibilityRequest{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open breaker for every endpoint, got %v", err)
	}
	if mock.Calls().Payment != 0 {
		t.Fatal("payment must not be called while breaker is open")
	}
}
