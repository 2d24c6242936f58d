package carrier

import "encoding/json"

// Эндпоинты API оператора относительно базового URL.
const (
	endpointProfile                = "api/v2/profile/get"
	endpointCheckEligibility       = "api/v2/cvm/checkeligible"
	endpointCheckEligibilityStatus = "api/v2/esb/checkeligiblestatus"
	endpointInitiatePayment        = "api/v2/esb/initiatepayment"
)

type checkEligibilityPayload struct {
	BillAccount   string `json:"billaccount"`
	DiscountPrice int64  `json:"discountprice"`
	Keyword       string `json:"keyword"`
	Name          string `json:"name"`
	NormalPrice   int64  `json:"normalprice"`
	OfferID       string `json:"offerid"`
	OperationType string `json:"operationtype"`
	PackageName   string `json:"packagename"`
	PaymentChan   string `json:"paymentchannel"`
	ShortCode     string `json:"shortcode"`
	ToMSISDN      string `json:"tomsisdn"`
	TransID       string `json:"transid"`
	TransType     string `json:"transtype"`
	Validity      string `json:"validity"`
	WalletMSISDN  string `json:"walletmsisdn"`
}

type checkEligibilityStatusPayload struct {
	TransID string `json:"transid"`
}

type initiatePaymentPayload struct {
	BalanceReceive float64 `json:"balancereceive"`
	Validity       string  `json:"validity"`
	DiscountPrice  int64   `json:"discountprice"`
	Due            float64 `json:"due"`
	DueDate        string  `json:"duedate"`
	Keyword        string  `json:"keyword"`
	Name           string  `json:"name"`
	NormalPrice    int64   `json:"normalprice"`
	OfferID        string  `json:"offerid"`
	OperationType  string  `json:"operationtype"`
	PackageName    string  `json:"packagename"`
	PaymentChan    string  `json:"paymentchannel"`
	ShortCode      string  `json:"shortcode"`
	ToMSISDN       string  `json:"tomsisdn"`
	TransID        string  `json:"transid"`
	TransType      string  `json:"transtype"`
	WalletMSISDN   string  `json:"walletmsisdn"`
}

// envelope — общая часть ответов; status приходит строкой "0" при успехе.
type envelope struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
}

type profileResponse struct {
	envelope
	Data struct {
		MSISDN string `json:"msisdn"`
	} `json:"data"`
}

type checkEligibilityResponse struct {
	envelope
	TransID string `json:"transid"`
}

type checkEligibilityStatusResponse struct {
	envelope
	Data struct {
		Eligibility json.RawMessage `json:"eligibility"`
	} `json:"data"`
}

type initiatePaymentResponse struct {
	envelope
	Data struct {
		SendPaymentResp struct {
			ActionData string `json:"actionData"`
		} `json:"SendPaymentResp"`
	} `json:"data"`
}

// statusString принимает статус и строкой, и числом.
func (e envelope) statusString() string {
	var s string
	if err := json.Unmarshal(e.Status, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(e.Status, &n); err == nil {
		return n.String()
	}
	return ""
}
