package purchase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

func TestStatusService_GetStatus(t *testing.T) {
	f := newFixture(t, 6)
	status := NewStatusService(f.store)
	tx := f.createTransaction(t)

	view, err := status.GetStatus(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view.Status != domain.TransactionStatusPending || view.Terminal {
		t.Fatalf("unexpected pending view: %+v", view)
	}

	if err := f.orchestrator.Run(context.Background(), tx.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	view, err = status.GetStatus(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !view.Terminal || view.Status != domain.TransactionStatusSuccess || view.Attempt != 1 {
		t.Fatalf("unexpected final view: %+v", view)
	}
	if view.PaymentArtifact != "QR_DATA" || view.ExternalReference != "TX123" {
		t.Fatalf("unexpected carrier data in view: %+v", view)
	}
	if view.UpdatedAt.Before(view.CreatedAt) {
		t.Fatalf("updated_at before created_at: %+v", view)
	}
}

func TestStatusService_NotFoundAndValidation(t *testing.T) {
	status := NewStatusService(newFixture(t, 6).store)

	if _, err := status.GetStatus(context.Background(), "missing"); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
	if _, err := status.GetStatus(context.Background(), ""); !errors.Is(err, domain.ErrTransactionIDRequired) {
		t.Fatalf("expected ErrTransactionIDRequired, got %v", err)
	}
	if _, err := status.ListByUser(context.Background(), "", 0); !errors.Is(err, domain.ErrUserIDRequired) {
		t.Fatalf("expected ErrUserIDRequired, got %v", err)
	}
	if _, err := status.History(context.Background(), "missing"); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound for history, got %v", err)
	}
}

func TestStatusService_ListByUserAndHistory(t *testing.T) {
	f := newFixture(t, 6)
	status := NewStatusService(f.store)
	f.carrier.Eligibility = domain.EligibilityResponse{CarrierResult: domain.CarrierResult{Status: "1", Message: "no"}}

	first := f.createTransaction(t)
	_ = f.orchestrator.Run(context.Background(), first.ID)

	second, err := f.store.Create(context.Background(), domain.NewTransaction(testUserID, testPackageID, time.Now().Add(time.Second)))
	if err != nil {
		t.Fatalf("create after terminal: %v", err)
	}

	views, err := status.ListByUser(context.Background(), testUserID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 || views[0].TransactionID != second.ID {
		t.Fatalf("expected newest first, got %+v", views)
	}
	if views[1].Reason != "no" {
		t.Fatalf("expected failure reason in view, got %q", views[1].Reason)
	}

	history, err := status.History(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[2].To != domain.TransactionStatusFailedEligibilityCheck {
		t.Fatalf("unexpected history: %+v", history)
	}
}
