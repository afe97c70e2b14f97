package exchange

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"tradetracker/internal/models"
)

const binanceInvalidKey = `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`

// 401 защелкивает воркер: один вызов OnInvalid и больше ни одного запроса
func TestWorker_InvalidKeyLatches(t *testing.T) {
	srv, hits := countingServer(t, http.StatusUnauthorized, binanceInvalidKey)
	w, err := NewBinanceFutures(testOptions(t, srv))
	if err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	w.OnInvalid(func(error) { calls.Add(1) })

	_, err = w.GetBalance(context.Background(), time.Now())
	if !IsPermanent(err) {
		t.Fatalf("GetBalance err = %v, want user input", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, permanent errors must not be retried", hits.Load())
	}

	_, err = w.MarkPrice(context.Background(), "BTCUSDT")
	if !IsPermanent(err) {
		t.Errorf("second call err = %v", err)
	}
	err = w.Synchronize(context.Background(), models.SyncCursor{}, time.Now(), func(Record) error { return nil })
	if !IsPermanent(err) {
		t.Errorf("Synchronize err = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, invalid worker must not reach the exchange", hits.Load())
	}
	if calls.Load() != 1 {
		t.Errorf("OnInvalid called %d times, want 1", calls.Load())
	}
}

func TestWorker_OnInvalidAfterTheFact(t *testing.T) {
	srv, _ := countingServer(t, http.StatusForbidden, `{"code":-2015,"msg":"denied"}`)
	w, _ := NewBinanceFutures(testOptions(t, srv))
	w.MarkPrice(context.Background(), "BTCUSDT")

	var calls atomic.Int32
	w.OnInvalid(func(error) { calls.Add(1) })
	if calls.Load() != 1 {
		t.Errorf("late handler should fire once, got %d", calls.Load())
	}
}

func TestWorker_UnavailableIsRetried(t *testing.T) {
	srv, hits := countingServer(t, http.StatusServiceUnavailable, `<html>maintenance</html>`)
	w, _ := NewBinanceFutures(testOptions(t, srv))
	var invalid atomic.Bool
	w.OnInvalid(func(error) { invalid.Store(true) })

	_, err := w.MarkPrice(context.Background(), "BTCUSDT")
	if KindOf(err) != KindUnavailable {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3 attempts", hits.Load())
	}
	if invalid.Load() {
		t.Error("outage must not invalidate credentials")
	}
}

func TestWorker_RateLimitDrainsLimiter(t *testing.T) {
	srv, _ := countingServer(t, http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`)
	opts := testOptions(t, srv)
	opts.Retry = fastRetry(1)
	w, _ := NewBinanceFutures(opts)

	_, err := w.MarkPrice(context.Background(), "BTCUSDT")
	if KindOf(err) != KindRateLimited {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if w.(*BinanceFutures).Limiter().Allow() {
		t.Error("limiter should be drained after 429")
	}
}

func TestWorker_SchemaMismatch(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK, `{"markPrice": 5`)
	w, _ := NewBinanceFutures(testOptions(t, srv))
	_, err := w.MarkPrice(context.Background(), "BTCUSDT")
	if KindOf(err) != KindSchemaMismatch {
		t.Errorf("err = %v, want schema mismatch", err)
	}
}
