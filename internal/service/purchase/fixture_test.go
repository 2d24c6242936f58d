package purchase

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pps/internal/carrier"
	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/storage/memory"
)

const (
	testUserID    = "user-1"
	testPackageID = "pkg-1"
	testToken     = "token-1"
)

var errNetwork = fmt.Errorf("%w: connection reset by peer", domain.ErrCarrierUnavailable)

type fixture struct {
	store   *memory.Store
	catalog interface {
		domain.CatalogRepository
		PutUser(domain.User)
		PutPackage(domain.Package)
	}
	carrier      *carrier.MockClient
	orchestrator *Orchestrator
	logger       *log.Entry
}

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func newFixture(t *testing.T, pollAttempts int) *fixture {
	t.Helper()

	store := memory.NewStore()
	catalog := memory.NewCatalogRepository()
	catalog.PutUser(domain.User{ID: testUserID, TokenID: testToken, MSISDN: "08123456789"})
	catalog.PutPackage(domain.Package{
		ID:            testPackageID,
		Name:          "Internet 10GB",
		OfferCode:     "OFFER_$MSISDN$",
		Keyword:       "NET10",
		DiscountPrice: 45000,
		NormalPrice:   50000,
	})

	mock := carrier.NewMockClient()
	logger := testLogger()
	poller := NewPoller(mock, PollerConfig{MaxAttempts: pollAttempts, Interval: 0}, logger, nil)

	return &fixture{
		store:        store,
		catalog:      catalog,
		carrier:      mock,
		orchestrator: NewOrchestrator(store, catalog, mock, poller, logger, nil),
		logger:       logger,
	}
}

func (f *fixture) createTransaction(t *testing.T) domain.Transaction {
	t.Helper()

	tx, err := f.store.Create(context.Background(), domain.NewTransaction(testUserID, testPackageID, time.Now()))
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return tx
}

func (f *fixture) mustGet(t *testing.T, id string) domain.Transaction {
	t.Helper()

	tx, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get transaction %s: %v", id, err)
	}
	return tx
}

func (f *fixture) historyStatuses(t *testing.T, id string) []domain.TransactionStatus {
	t.Helper()

	changes, err := f.store.History(context.Background(), id)
	if err != nil {
		t.Fatalf("history %s: %v", id, err)
	}
	statuses := make([]domain.TransactionStatus, 0, len(changes))
	for _, change := range changes {
		statuses = append(statuses, change.To)
	}
	return statuses
}

func equalStatuses(a, b []domain.TransactionStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func noSleep(context.Context, time.Duration) error { return nil }
