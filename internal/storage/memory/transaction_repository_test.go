package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/storage/memory"
)

func newTransaction() domain.Transaction {
	return domain.NewTransaction("user-1", "pkg-1", time.Now())
}

func TestStore_CreateGet(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	tx := newTransaction()

	if _, err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, err := store.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != domain.TransactionStatusPending {
		t.Fatalf("expected PENDING, got %s", stored.Status)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestStore_CreateConflictForActivePair(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first := newTransaction()
	if _, err := store.Create(ctx, first); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	second := newTransaction()
	if _, err := store.Create(ctx, second); !errors.Is(err, domain.ErrTransactionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	other := domain.NewTransaction("user-1", "pkg-2", time.Now())
	if _, err := store.Create(ctx, other); err != nil {
		t.Fatalf("different package must not conflict: %v", err)
	}
}

func TestStore_CreateAllowedAfterTerminal(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first := newTransaction()
	if _, err := store.Create(ctx, first); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.Transition(ctx, first.ID, domain.TransactionStatusFailedPrecondition, domain.TransitionFields{FailureReason: "no token"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	if _, err := store.Create(ctx, newTransaction()); err != nil {
		t.Fatalf("create after terminal must succeed: %v", err)
	}
}

func TestStore_ConcurrentCreateExactlyOneWins(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	const attempts = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, newTransaction())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrTransactionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != attempts-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", attempts-1, succeeded, conflicts)
	}
}

func TestStore_TransitionRules(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	tx := newTransaction()
	if _, err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := store.Transition(ctx, tx.ID, domain.TransactionStatusSuccess, domain.TransitionFields{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := store.Transition(ctx, "missing", domain.TransactionStatusCheckingEligibility, domain.TransitionFields{}); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	steps := []struct {
		to     domain.TransactionStatus
		fields domain.TransitionFields
	}{
		{domain.TransactionStatusCheckingEligibility, domain.TransitionFields{StartAttempt: true}},
		{domain.TransactionStatusWaitingForEligibility, domain.TransitionFields{ExternalReference: "TX123"}},
		{domain.TransactionStatusInitiatingPayment, domain.TransitionFields{}},
		{domain.TransactionStatusSuccess, domain.TransitionFields{PaymentArtifact: "QR_DATA"}},
	}
	var last domain.Transaction
	for _, step := range steps {
		var err error
		last, err = store.Transition(ctx, tx.ID, step.to, step.fields)
		if err != nil {
			t.Fatalf("transition to %s failed: %v", step.to, err)
		}
	}
	if last.ExternalReference != "TX123" || last.PaymentArtifact != "QR_DATA" || last.Attempt != 1 {
		t.Fatalf("unexpected final transaction: %+v", last)
	}

	// Конечный статус неизменен.
	if _, err := store.Transition(ctx, tx.ID, domain.TransactionStatusFailedPrecondition, domain.TransitionFields{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected terminal transaction to reject writes, got %v", err)
	}

	history, err := store.History(ctx, tx.ID)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	want := []domain.TransactionStatus{
		domain.TransactionStatusPending,
		domain.TransactionStatusCheckingEligibility,
		domain.TransactionStatusWaitingForEligibility,
		domain.TransactionStatusInitiatingPayment,
		domain.TransactionStatusSuccess,
	}
	if len(history) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(history))
	}
	for i, change := range history {
		if change.To != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, change.To, want[i])
		}
	}

	pending, err := store.Outbox().PullPending(ctx, 100)
	if err != nil {
		t.Fatalf("pull pending failed: %v", err)
	}
	if len(pending) != len(want) {
		t.Fatalf("expected %d outbox messages, got %d", len(want), len(pending))
	}
	if pending[0].EventType != domain.EventTypePurchaseCreated || pending[len(pending)-1].EventType != domain.EventTypePurchaseSucceeded {
		t.Fatalf("unexpected outbox order: first=%s last=%s", pending[0].EventType, pending[len(pending)-1].EventType)
	}
}

func TestStore_ListByUserAndActive(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	a := domain.NewTransaction("user-1", "pkg-1", time.Now().Add(-time.Hour))
	b := domain.NewTransaction("user-1", "pkg-2", time.Now())
	c := domain.NewTransaction("user-2", "pkg-1", time.Now())
	for _, tx := range []domain.Transaction{a, b, c} {
		if _, err := store.Create(ctx, tx); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	list, err := store.ListByUser(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != b.ID {
		t.Fatalf("expected newest first for user-1, got %+v", list)
	}

	limited, err := store.ListByUser(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	stale, err := store.ListActive(ctx, time.Now().Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != a.ID {
		t.Fatalf("expected only the stale transaction, got %+v", stale)
	}
}
