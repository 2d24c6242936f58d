package domain

import "strings"

// MSISDNPlaceholder подставляется в код предложения оператора вместо номера абонента.
const MSISDNPlaceholder = "$MSISDN$"

// Package — справочные данные пакета, нужные для запросов к оператору.
type Package struct {
	ID   string
	Name string
	// OfferCode — идентификатор предложения оператора, может содержать MSISDNPlaceholder.
	OfferCode     string
	Keyword       string
	DiscountPrice int64
	NormalPrice   int64
}

// OfferFor возвращает код предложения для конкретного номера.
func (p Package) OfferFor(msisdn string) string {
	return strings.ReplaceAll(p.OfferCode, MSISDNPlaceholder, msisdn)
}

// User — справочные данные пользователя.
type User struct {
	ID string
	// TokenID — установленная сессия пользователя у оператора.
	TokenID string
	// MSISDN — номер абонента, если уже известен. Иначе запрашивается у оператора.
	MSISDN string
}

// HasCredential сообщает, что для пользователя можно вызывать API оператора.
func (u User) HasCredential() bool {
	return strings.TrimSpace(u.TokenID) != ""
}
