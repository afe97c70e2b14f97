package utils

// validator.go - проверка входных данных при регистрации клиента
//
// Проверки здесь только синтаксические. Действительность ключей определяет
// первый запрос к бирже: 401/403 переводит клиента в INVALID.

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyAPIKey       = errors.New("api key is required")
	ErrInvalidAPIKey     = errors.New("api key contains invalid characters")
	ErrEmptyAPISecret    = errors.New("api secret is required")
	ErrAPISecretTooLong  = errors.New("api secret is too long")
	ErrPassphraseTooLong = errors.New("passphrase is too long")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInvalidSubaccount = errors.New("invalid subaccount name")
	ErrEmptyExchangeTag  = errors.New("exchange tag is required")
)

const (
	maxAPIKeyLen     = 256
	maxAPISecretLen  = 512
	maxPassphraseLen = 64
	maxSubaccountLen = 64
)

var (
	apiKeyRe     = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	symbolRe     = regexp.MustCompile(`^[A-Za-z0-9]{1,20}([\-_/:][A-Za-z0-9]{1,20}){0,2}$`)
	subaccountRe = regexp.MustCompile(`^[\w\- .]+$`)
)

// ValidateAPIKey проверяет формат API ключа
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrEmptyAPIKey
	}
	if len(key) > maxAPIKeyLen || !apiKeyRe.MatchString(key) {
		return ErrInvalidAPIKey
	}
	return nil
}

// ValidateAPISecret проверяет наличие секрета
func ValidateAPISecret(secret string) error {
	if secret == "" {
		return ErrEmptyAPISecret
	}
	if len(secret) > maxAPISecretLen {
		return ErrAPISecretTooLong
	}
	return nil
}

// ValidateAPIPassphrase проверяет passphrase (пустая допустима, обязательность решает реестр бирж)
func ValidateAPIPassphrase(passphrase string) error {
	if len(passphrase) > maxPassphraseLen {
		return ErrPassphraseTooLong
	}
	return nil
}

// ValidateSubaccount проверяет имя субаккаунта FTX
func ValidateSubaccount(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > maxSubaccountLen || !subaccountRe.MatchString(name) {
		return ErrInvalidSubaccount
	}
	return nil
}

// ValidateSymbol проверяет формат символа (BTCUSDT, BTC-USDT-SWAP, XBTUSD)
func ValidateSymbol(symbol string) error {
	if len(symbol) < 2 || !symbolRe.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// NormalizeExchange приводит тег биржи к каноническому виду (binance-futures)
func NormalizeExchange(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return strings.ReplaceAll(tag, "_", "-")
}

// ValidationErrors набор ошибок по полям
type ValidationErrors []FieldError

// FieldError ошибка конкретного поля
type FieldError struct {
	Field   string
	Message string
}

// Add добавляет ошибку поля
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// AddError добавляет ошибку, если она не nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

// HasErrors есть ли ошибки
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}
