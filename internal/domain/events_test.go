package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

func TestNewTransactionEvent(t *testing.T) {
	tx := domain.NewTransaction("user-1", "pkg-1", time.Now())
	tx = tx.Apply(domain.TransactionStatusCheckingEligibility, domain.TransitionFields{StartAttempt: true}, time.Now())

	msg, err := domain.NewTransactionEvent(tx, domain.TransactionStatusPending)
	if err != nil {
		t.Fatalf("NewTransactionEvent failed: %v", err)
	}
	if msg.AggregateID != tx.ID || msg.AggregateType != domain.OutboxAggregateTransaction {
		t.Fatalf("unexpected aggregate: %+v", msg)
	}
	if msg.EventType != domain.EventTypePurchaseStatusChanged {
		t.Fatalf("unexpected event type: %s", msg.EventType)
	}

	var payload domain.TransactionEvent
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.From != domain.TransactionStatusPending || payload.Status != domain.TransactionStatusCheckingEligibility {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEventTypeFor(t *testing.T) {
	cases := []struct {
		from, to domain.TransactionStatus
		want     string
	}{
		{"", domain.TransactionStatusPending, domain.EventTypePurchaseCreated},
		{domain.TransactionStatusInitiatingPayment, domain.TransactionStatusSuccess, domain.EventTypePurchaseSucceeded},
		{domain.TransactionStatusCheckingEligibility, domain.TransactionStatusFailedEligibilityCheck, domain.EventTypePurchaseFailed},
		{domain.TransactionStatusPending, domain.TransactionStatusCheckingEligibility, domain.EventTypePurchaseStatusChanged},
	}
	for _, tc := range cases {
		if got := domain.EventTypeFor(tc.from, tc.to); got != tc.want {
			t.Errorf("EventTypeFor(%s, %s) = %s, want %s", tc.from, tc.to, got, tc.want)
		}
	}
}
