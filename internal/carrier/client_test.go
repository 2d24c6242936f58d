package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(Options{BaseURL: srv.URL + "/", Timeout: time.Second})
	require.NoError(t, err)
	return client
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Options{})
	require.Error(t, err)
}

func TestHTTPClientCheckEligibility(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+endpointCheckEligibility, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "tok-1", r.Header.Get(HeaderTokenID))
		assert.NotEmpty(t, r.Header.Get(HeaderRequestID))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"status":"0","message":"ok","transid":"TX123"}`))
	})

	resp, err := client.CheckEligibility(context.Background(), "tok-1", domain.EligibilityRequest{
		OfferID:       "PVR-628123",
		Keyword:       "BELI",
		PackageName:   "Combo",
		DiscountPrice: 10000,
		NormalPrice:   15000,
		TargetMSISDN:  "628123",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, "TX123", resp.ExternalReference)

	assert.Equal(t, "PVR-628123", got["offerid"])
	assert.Equal(t, "QRIS", got["paymentchannel"])
	assert.Equal(t, "buy", got["operationtype"])
	assert.Equal(t, "cvm", got["transtype"])
	assert.Equal(t, "628123", got["tomsisdn"])
	assert.EqualValues(t, 10000, got["discountprice"])
}

func TestHTTPClientDeclineIsNotError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"99","message":"not eligible"}`))
	})

	resp, err := client.CheckEligibility(context.Background(), "tok", domain.EligibilityRequest{})
	require.NoError(t, err)
	assert.False(t, resp.Success())
	assert.Equal(t, "not eligible", resp.Message)
	assert.Empty(t, resp.ExternalReference)
}

func TestHTTPClientNumericStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":0,"data":{"msisdn":"628111"}}`))
	})

	resp, err := client.GetProfile(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, "628111", resp.MSISDN)
}

func TestHTTPClientEligibilityStatusAndPayment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "TX123", body["transid"])

		switch r.URL.Path {
		case "/" + endpointCheckEligibilityStatus:
			_, _ = w.Write([]byte(`{"status":"0","data":{"eligibility":{"eligible":true}}}`))
		case "/" + endpointInitiatePayment:
			_, _ = w.Write([]byte(`{"status":"0","data":{"SendPaymentResp":{"actionData":"QR_DATA"}}}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	status, err := client.CheckEligibilityStatus(ctx, "tok", "TX123")
	require.NoError(t, err)
	assert.True(t, status.Confirmed())

	pay, err := client.InitiatePayment(ctx, "tok", "TX123", domain.EligibilityRequest{})
	require.NoError(t, err)
	assert.Equal(t, "QR_DATA", pay.PaymentArtifact)
}

func TestHTTPClientTransportErrorsAreTransient(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http 503",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":`))
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client, err := NewHTTPClient(Options{BaseURL: srv.URL, Timeout: 100 * time.Millisecond})
			require.NoError(t, err)

			_, err = client.CheckEligibility(context.Background(), "tok", domain.EligibilityRequest{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrCarrierUnavailable), "got %v", err)
		})
	}
}

func TestHTTPClientCancellationDoesNotOpenBreaker(t *testing.T) {
	started := make(chan struct{}, 3)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-r.Context().Done()
	})
	breaker := NewCircuitBreaker(3, time.Hour, nil)
	guarded := NewBreakerClient(client, breaker)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-started
			cancel()
		}()
		_, err := guarded.CheckEligibility(ctx, "tok", domain.EligibilityRequest{OfferID: "OFFER_1"})
		cancel()
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, domain.ErrCarrierUnavailable)
	}
	assert.Equal(t, CircuitClosed, breaker.State())
}

func TestHTTPClientCustomSigner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "signed", r.Header.Get("X-Signature"))
		_, _ = w.Write([]byte(`{"status":"0"}`))
	}))
	defer srv.Close()

	signer := RequestSignerFunc(func(req *http.Request, _ string, body []byte) error {
		if len(body) == 0 {
			return errors.New("empty body")
		}
		req.Header.Set("X-Signature", "signed")
		return nil
	})
	client, err := NewHTTPClient(Options{BaseURL: srv.URL, Signer: signer})
	require.NoError(t, err)

	_, err = client.GetProfile(context.Background(), "tok")
	require.NoError(t, err)
}
