package carrier

import (
	"net/http"
	"strconv"
	"time"
)

// Заголовки, которые ожидает API оператора.
const (
	HeaderTokenID   = "X-Imi-Tokenid"
	HeaderRequestID = "X-Imi-Uid"
)

// RequestSigner добавляет к запросу заголовки аутентификации оператора.
// Подпись тела, если она нужна, реализуется отдельным signer и передаётся в Options.
type RequestSigner interface {
	Sign(req *http.Request, token string, body []byte) error
}

// RequestSignerFunc позволяет использовать функцию как RequestSigner.
type RequestSignerFunc func(req *http.Request, token string, body []byte) error

func (f RequestSignerFunc) Sign(req *http.Request, token string, body []byte) error {
	return f(req, token, body)
}

// TokenSigner передаёт сессию пользователя и идентификатор запроса без подписи тела.
type TokenSigner struct {
	Now func() time.Time
}

func (s TokenSigner) Sign(req *http.Request, token string, _ []byte) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	req.Header.Set(HeaderTokenID, token)
	req.Header.Set(HeaderRequestID, strconv.FormatInt(now().UnixMilli(), 10))
	return nil
}
