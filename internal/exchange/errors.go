package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Kind класс ошибки биржи
type Kind string

const (
	// KindUserInput ключи недействительны, не хватает passphrase, неизвестная биржа.
	// Клиент переводится в INVALID, запросы больше не выполняются.
	KindUserInput Kind = "user_input"
	// KindRateLimited 429: повтор после окна лимитера
	KindRateLimited Kind = "rate_limited"
	// KindUnavailable 5xx или сетевая ошибка: ограниченное число повторов
	KindUnavailable Kind = "unavailable"
	// KindSchemaMismatch в ответе нет нужных полей: запись пропускается
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindInternal ошибка программы (404 на подписанном запросе и т.п.)
	KindInternal Kind = "internal"
)

var (
	ErrUnknownExchange   = errors.New("unknown exchange")
	ErrMissingPassphrase = errors.New("passphrase is required")
	ErrUnexpectedExtra   = errors.New("exchange does not accept this credential field")
	ErrSessionClosed     = errors.New("session closed")
	ErrWorkerInvalid     = errors.New("worker credentials are invalid")
)

// Error классифицированная ошибка биржи
type Error struct {
	Exchange   string
	Kind       Kind
	Status     int    // HTTP статус, 0 для ошибок транспорта и WS
	Code       string // код ошибки биржи
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (status=%d code=%s): %s", e.Exchange, e.Kind, e.Status, e.Code, msg)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status=%d): %s", e.Exchange, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Exchange, e.Kind, msg)
}

// Unwrap возвращает исходную ошибку для errors.Is() и errors.As()
func (e *Error) Unwrap() error {
	return e.Err
}

// RetryDelay подсказка Retry-After для retry.Do
func (e *Error) RetryDelay() time.Duration {
	return e.RetryAfter
}

// Retryable повторяются только временные ошибки
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnavailable
}

// NewError создает ошибку заданного класса
func NewError(exchange string, kind Kind, message string) *Error {
	return &Error{Exchange: exchange, Kind: kind, Message: message}
}

// Classify класс ошибки по HTTP статусу
func Classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUserInput
	case status == http.StatusNotFound:
		return KindInternal
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return KindRateLimited
	case status >= 500:
		return KindUnavailable
	default:
		return KindInternal
	}
}

// statusError ошибка по HTTP статусу и телу ответа
func statusError(exchange string, resp *http.Response, code, message string) *Error {
	e := &Error{
		Exchange: exchange,
		Kind:     Classify(resp.StatusCode),
		Status:   resp.StatusCode,
		Code:     code,
		Message:  message,
	}
	if e.Kind == KindRateLimited {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return e
}

// transportError ошибка до получения ответа
func transportError(exchange string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			return err
		}
	}
	return &Error{Exchange: exchange, Kind: KindUnavailable, Err: err}
}

// schemaError ответ не содержит ожидаемых полей
func schemaError(exchange, what string, err error) *Error {
	return &Error{Exchange: exchange, Kind: KindSchemaMismatch, Message: what, Err: err}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// KindOf класс ошибки; пустой для неклассифицированных ошибок
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsPermanent ошибка ключей: клиент становится INVALID
func IsPermanent(err error) bool {
	return KindOf(err) == KindUserInput
}

// IsTransient ошибка, которую имеет смысл повторить
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindRateLimited || k == KindUnavailable
}
