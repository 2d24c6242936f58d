// Package carrier реализует транспорт к API оператора связи.
package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/version"
)

const (
	defaultTimeout      = 30 * time.Second
	maxResponseBodySize = 1 << 20
)

// Options настраивает HTTP-клиент оператора.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient переопределяет транспорт; Timeout в этом случае не применяется.
	HTTPClient *http.Client
	Signer     RequestSigner
	Logger     *log.Entry
}

// HTTPClient — реализация domain.CarrierClient поверх JSON API оператора.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	signer  RequestSigner
	logger  *log.Entry
}

// NewHTTPClient создаёт клиента. BaseURL обязателен.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("carrier base url is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	signer := opts.Signer
	if signer == nil {
		signer = TokenSigner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "carrier-client")
	}

	return &HTTPClient{
		baseURL: baseURL,
		http:    httpClient,
		signer:  signer,
		logger:  logger,
	}, nil
}

func (c *HTTPClient) GetProfile(ctx context.Context, token string) (domain.ProfileResponse, error) {
	var resp profileResponse
	if err := c.post(ctx, endpointProfile, token, struct{}{}, &resp); err != nil {
		return domain.ProfileResponse{}, err
	}
	return domain.ProfileResponse{
		CarrierResult: result(resp.envelope),
		MSISDN:        strings.TrimSpace(resp.Data.MSISDN),
	}, nil
}

func (c *HTTPClient) CheckEligibility(ctx context.Context, token string, req domain.EligibilityRequest) (domain.EligibilityResponse, error) {
	payload := checkEligibilityPayload{
		DiscountPrice: req.DiscountPrice,
		Keyword:       req.Keyword,
		NormalPrice:   req.NormalPrice,
		OfferID:       req.OfferID,
		OperationType: domain.CarrierOperationBuy,
		PackageName:   req.PackageName,
		PaymentChan:   domain.CarrierPaymentChannel,
		ToMSISDN:      req.TargetMSISDN,
		TransType:     domain.CarrierTransactionType,
	}

	var resp checkEligibilityResponse
	if err := c.post(ctx, endpointCheckEligibility, token, payload, &resp); err != nil {
		return domain.EligibilityResponse{}, err
	}
	return domain.EligibilityResponse{
		CarrierResult:     result(resp.envelope),
		ExternalReference: strings.TrimSpace(resp.TransID),
	}, nil
}

func (c *HTTPClient) CheckEligibilityStatus(ctx context.Context, token, externalReference string) (domain.EligibilityStatusResponse, error) {
	var resp checkEligibilityStatusResponse
	payload := checkEligibilityStatusPayload{TransID: externalReference}
	if err := c.post(ctx, endpointCheckEligibilityStatus, token, payload, &resp); err != nil {
		return domain.EligibilityStatusResponse{}, err
	}
	return domain.EligibilityStatusResponse{
		CarrierResult: result(resp.envelope),
		Eligibility:   resp.Data.Eligibility,
	}, nil
}

func (c *HTTPClient) InitiatePayment(ctx context.Context, token, externalReference string, req domain.EligibilityRequest) (domain.PaymentResponse, error) {
	payload := initiatePaymentPayload{
		DiscountPrice: req.DiscountPrice,
		Keyword:       req.Keyword,
		NormalPrice:   req.NormalPrice,
		OfferID:       req.OfferID,
		OperationType: domain.CarrierOperationBuy,
		PackageName:   req.PackageName,
		PaymentChan:   domain.CarrierPaymentChannel,
		ToMSISDN:      req.TargetMSISDN,
		TransID:       externalReference,
		TransType:     domain.CarrierTransactionType,
	}

	var resp initiatePaymentResponse
	if err := c.post(ctx, endpointInitiatePayment, token, payload, &resp); err != nil {
		return domain.PaymentResponse{}, err
	}
	return domain.PaymentResponse{
		CarrierResult:   result(resp.envelope),
		PaymentArtifact: strings.TrimSpace(resp.Data.SendPaymentResp.ActionData),
	}, nil
}

func result(e envelope) domain.CarrierResult {
	return domain.CarrierResult{Status: e.statusString(), Message: e.Message}
}

// post отправляет JSON и декодирует ответ. Любая ошибка транспорта или формата
// оборачивается в domain.ErrCarrierUnavailable.
func (c *HTTPClient) post(ctx context.Context, endpoint, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if err := c.signer.Sign(req, token, body); err != nil {
		return fmt.Errorf("sign %s request: %w", endpoint, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrCarrierUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %w", domain.ErrCarrierUnavailable, endpoint, err)
	}

	c.logger.WithFields(log.Fields{
		"endpoint":    endpoint,
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("Carrier request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned http %d", domain.ErrCarrierUnavailable, endpoint, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrCarrierUnavailable, endpoint, err)
	}
	return nil
}

var _ domain.CarrierClient = (*HTTPClient)(nil)
