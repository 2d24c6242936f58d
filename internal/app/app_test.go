package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/health"
	"github.com/vladislavdragonenkov/pps/internal/service/purchase"
)

func newTestService(t *testing.T) *service {
	t.Helper()

	cfg := DefaultConfig()
	cfg.CatalogFile = writeCatalog(t)
	cfg.EligibilityInterval = 0
	cfg.TaskRetryDelay = 0
	cfg.Workers = 2

	svc, err := newService(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	t.Cleanup(svc.close)
	return svc
}

func TestService_PurchaseFlow(t *testing.T) {
	svc := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.scheduler.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	req := httptest.NewRequest(http.MethodPost, "/v1/purchases", strings.NewReader(`{"user_id":"user-1","package_id":"pkg-1"}`))
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var sub purchase.Submission
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	if !sub.Queued {
		t.Fatalf("expected queued submission, got %+v", sub)
	}

	var view purchase.StatusView
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec = httptest.NewRecorder()
		svc.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transactions/"+sub.TransactionID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if view.Terminal {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if view.Status != domain.TransactionStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", view.Status, view.Reason)
	}
	if view.ExternalReference != "TX123" || view.PaymentArtifact != "QR_DATA" {
		t.Fatalf("unexpected view: %+v", view)
	}

	// Событие перехода публикуется outbox worker'ом в лог.
	if result := svc.outbox.ProcessOnce(context.Background()); result.Sent == 0 {
		t.Fatalf("expected outbox events to be sent, got %+v", result)
	}
}

func TestService_DuplicateSubmitConflicts(t *testing.T) {
	svc := newTestService(t)

	body := `{"user_id":"user-1","package_id":"pkg-1"}`
	first := httptest.NewRecorder()
	svc.router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/v1/purchases", strings.NewReader(body)))
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	svc.router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/v1/purchases", strings.NewReader(body)))
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 for active pair, got %d", second.Code)
	}
}

func TestMetricsMux_Endpoints(t *testing.T) {
	svc := newTestService(t)
	mux := metricsMux(svc.health)

	cases := []struct {
		path string
		code int
	}{
		{path: "/metrics", code: http.StatusOK},
		{path: "/healthz", code: http.StatusOK},
		{path: "/livez", code: http.StatusOK},
		{path: "/readyz", code: http.StatusOK},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.code {
			t.Errorf("%s: expected %d, got %d", tc.path, tc.code, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var response health.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	for _, name := range []string{"queue", "outbox"} {
		if _, ok := response.Checks[name]; !ok {
			t.Errorf("expected %s check in health response", name)
		}
	}
}

func TestNewGRPCServer_RegistersHealth(t *testing.T) {
	server, healthServer := newGRPCServer(testLogger())
	defer server.Stop()

	if _, ok := server.GetServiceInfo()["grpc.health.v1.Health"]; !ok {
		t.Fatal("expected grpc health service to be registered")
	}
	healthServer.Shutdown()
}
