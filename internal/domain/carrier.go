package domain

import (
	"context"
	"encoding/json"
	"strings"
)

// CarrierStatusOK — код успешного ответа API оператора.
const CarrierStatusOK = "0"

// Значения полей запроса, общие для всех покупок.
const (
	CarrierOperationBuy     = "buy"
	CarrierPaymentChannel   = "QRIS"
	CarrierTransactionType  = "cvm"
	CarrierMSISDNCountryPfx = "62"
)

// CarrierResult — общая часть ответа оператора.
type CarrierResult struct {
	Status  string
	Message string
}

// Success сообщает, что оператор вернул успешный статус.
func (r CarrierResult) Success() bool {
	return strings.TrimSpace(r.Status) == CarrierStatusOK
}

// ProfileResponse — ответ на запрос профиля абонента.
type ProfileResponse struct {
	CarrierResult
	MSISDN string
}

// EligibilityRequest — данные для проверки доступности и инициации оплаты.
type EligibilityRequest struct {
	OfferID       string
	Keyword       string
	PackageName   string
	DiscountPrice int64
	NormalPrice   int64
	TargetMSISDN  string
}

// NewEligibilityRequest строит запрос из справочника пакета и номера абонента.
func NewEligibilityRequest(pkg Package, msisdn string) EligibilityRequest {
	return EligibilityRequest{
		OfferID:       pkg.OfferFor(msisdn),
		Keyword:       pkg.Keyword,
		PackageName:   pkg.Name,
		DiscountPrice: pkg.DiscountPrice,
		NormalPrice:   pkg.NormalPrice,
		TargetMSISDN:  msisdn,
	}
}

// EligibilityResponse — ответ на проверку доступности.
type EligibilityResponse struct {
	CarrierResult
	ExternalReference string
}

// EligibilityStatusResponse — ответ на опрос статуса доступности.
type EligibilityStatusResponse struct {
	CarrierResult
	Eligibility json.RawMessage
}

// Confirmed сообщает, что доступность подтверждена: успешный статус и непустой payload.
func (r EligibilityStatusResponse) Confirmed() bool {
	if !r.Success() {
		return false
	}
	payload := strings.TrimSpace(string(r.Eligibility))
	return payload != "" && payload != "null" && payload != "{}" && payload != "[]"
}

// PaymentResponse — ответ на инициацию оплаты.
type PaymentResponse struct {
	CarrierResult
	PaymentArtifact string
}

// CarrierClient описывает транспорт к API оператора.
// Сетевые ошибки и некорректные ответы возвращаются как error, обёрнутые в ErrCarrierUnavailable.
// Неуспешный статус оператора ошибкой не считается.
type CarrierClient interface {
	GetProfile(ctx context.Context, token string) (ProfileResponse, error)
	CheckEligibility(ctx context.Context, token string, req EligibilityRequest) (EligibilityResponse, error)
	CheckEligibilityStatus(ctx context.Context, token, externalReference string) (EligibilityStatusResponse, error)
	InitiatePayment(ctx context.Context, token, externalReference string, req EligibilityRequest) (PaymentResponse, error)
}

// NormalizeMSISDN приводит номер к международному формату оператора.
func NormalizeMSISDN(msisdn string) string {
	msisdn = strings.TrimSpace(msisdn)
	msisdn = strings.TrimPrefix(msisdn, "+")
	if msisdn == "" {
		return ""
	}
	if strings.HasPrefix(msisdn, CarrierMSISDNCountryPfx) {
		return msisdn
	}
	msisdn = strings.TrimPrefix(msisdn, "0")
	return CarrierMSISDNCountryPfx + msisdn
}
