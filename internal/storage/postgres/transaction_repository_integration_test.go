package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

func TestTransactionRepository_PostgresLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewTransactionRepository(store)
	ctx := context.Background()

	created, err := repo.Create(ctx, domain.NewTransaction("user-1", "pkg-1", time.Now()))
	require.NoError(t, err)

	_, err = repo.Create(ctx, domain.NewTransaction("user-1", "pkg-1", time.Now()))
	require.ErrorIs(t, err, domain.ErrTransactionConflict)

	steps := []struct {
		to     domain.TransactionStatus
		fields domain.TransitionFields
	}{
		{domain.TransactionStatusCheckingEligibility, domain.TransitionFields{StartAttempt: true}},
		{domain.TransactionStatusWaitingForEligibility, domain.TransitionFields{ExternalReference: "ref-1"}},
		{domain.TransactionStatusInitiatingPayment, domain.TransitionFields{}},
		{domain.TransactionStatusSuccess, domain.TransitionFields{PaymentArtifact: "qris://pay"}},
	}
	for _, step := range steps {
		_, err := repo.Transition(ctx, created.ID, step.to, step.fields)
		require.NoError(t, err, "transition to %s", step.to)
	}

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusSuccess, got.Status)
	assert.Equal(t, "ref-1", got.ExternalReference)
	assert.Equal(t, "qris://pay", got.PaymentArtifact)
	assert.Equal(t, 1, got.Attempt)

	_, err = repo.Transition(ctx, created.ID, domain.TransactionStatusFailedPrecondition, domain.TransitionFields{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	history, err := repo.History(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, domain.TransactionStatusPending, history[0].To)
	assert.Equal(t, domain.TransactionStatusSuccess, history[4].To)

	// После терминального статуса пара снова свободна.
	again, err := repo.Create(ctx, domain.NewTransaction("user-1", "pkg-1", time.Now()))
	require.NoError(t, err)

	list, err := repo.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)

	active, err := repo.ListActive(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, again.ID, active[0].ID)
}

func TestTransactionRepository_PostgresConcurrentCreate(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewTransactionRepository(store)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Create(context.Background(), domain.NewTransaction("user-2", "pkg-2", time.Now()))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrTransactionConflict):
				conflicts++
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
}

func TestTransactionRepository_PostgresNotFound(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewTransactionRepository(store)
	ctx := context.Background()

	_, err := repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)

	_, err = repo.Transition(ctx, "missing", domain.TransactionStatusCheckingEligibility, domain.TransitionFields{})
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)

	_, err = repo.History(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestCatalogRepository_Postgres(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewCatalogRepository(store)
	ctx := context.Background()

	_, err := store.DB().ExecContext(ctx, `
		INSERT INTO users (id, token_id, msisdn) VALUES ('u-1', 'tok-1', '628111');
		INSERT INTO packages (id, package_name, pvr_code, keyword, discount_price, normal_price)
		VALUES ('p-1', 'Combo 10GB', 'PVR10', 'BELI $MSISDN$', 10000, 15000);
	`)
	require.NoError(t, err)

	user, err := repo.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", user.TokenID)

	pkg, err := repo.GetPackage(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "PVR10", pkg.OfferCode)
	assert.EqualValues(t, 10000, pkg.DiscountPrice)

	_, err = repo.GetUser(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = repo.GetPackage(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrPackageNotFound)
}
