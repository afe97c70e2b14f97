package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config параметры повторов.
//
// Задержки растут экспоненциально от InitialDelay до MaxDelay с разбросом
// JitterFactor. Подсказка биржи (Retry-After) может только удлинить паузу.
type Config struct {
	MaxRetries   int // попыток всего, включая первую; <= 0 без ограничения
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0..1

	// RetryIf решает, повторять ли ошибку. nil означает IsRetryable
	RetryIf func(error) bool

	// OnRetry вызывается перед паузой с номером следующей попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig для REST запросов к биржам: 4 попытки, 500ms, 1s, 2s
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.2,
	}
}

// SyncConfig для цикла синхронизации клиента
func SyncConfig(maxRetries int) Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialDelay = 2 * time.Second
	cfg.MaxDelay = time.Minute
	return cfg
}

// policy конфиг с заполненными значениями по умолчанию и состоянием backoff
type policy struct {
	cfg Config
	bo  *backoff.ExponentialBackOff
}

func newPolicy(cfg Config) *policy {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	cfg.JitterFactor = min(max(cfg.JitterFactor, 0), 1)
	if cfg.RetryIf == nil {
		cfg.RetryIf = IsRetryable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = cfg.JitterFactor
	bo.Reset()
	return &policy{cfg: cfg, bo: bo}
}

// exhausted true, если попытка attempt (с нуля) была последней
func (p *policy) exhausted(attempt int) bool {
	return p.cfg.MaxRetries > 0 && attempt+1 >= p.cfg.MaxRetries
}

// next пауза перед следующей попыткой с учетом подсказки в err
func (p *policy) next(err error) time.Duration {
	d := p.bo.NextBackOff()
	if d == backoff.Stop {
		d = p.cfg.MaxDelay
	}
	var h DelayHinter
	if errors.As(err, &h) && h.RetryDelay() > d {
		d = h.RetryDelay()
	}
	return d
}

// DelayHinter ошибка, которая знает, сколько ждать перед повтором (Retry-After)
type DelayHinter interface {
	RetryDelay() time.Duration
}

// Do выполняет operation, пока она не завершится успешно, не вернет
// неповторяемую ошибку или не кончатся попытки.
//
//	err := retry.Do(ctx, func() error {
//	    return worker.KeepAlive(ctx)
//	}, retry.DefaultConfig())
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult как Do, но возвращает результат операции.
// После отмены ctx возвращается последняя ошибка операции, если она была.
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	var zero T
	p := newPolicy(cfg)

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	for attempt := 0; ; attempt++ {
		result, err := operation()
		if err == nil {
			return result, nil
		}
		if !p.cfg.RetryIf(err) || p.exhausted(attempt) {
			return zero, err
		}

		delay := p.next(err)
		if p.cfg.OnRetry != nil {
			p.cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		}
	}
}

// RetryableError ошибка, которая сама знает, можно ли ее повторять
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable false для nil, ошибок контекста и ошибок с Retryable() == false
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var r RetryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// PermanentError ошибка, которую повторять бессмысленно
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent помечает err как неповторяемую. nil остается nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
