package exchange

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tradetracker/pkg/crypto"
	"tradetracker/pkg/retry"
	"tradetracker/pkg/utils"
)

func sealed(t *testing.T, v string) *crypto.Sealed {
	t.Helper()
	key, err := crypto.DeriveKey("test-encryption-secret")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	s, err := crypto.Seal([]byte(v), key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return s
}

func fastRetry(attempts int) *retry.Config {
	return &retry.Config{
		MaxRetries:   attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1,
	}
}

func fastSession() SessionConfig {
	return SessionConfig{
		PingInterval:     100 * time.Millisecond,
		HandshakeTimeout: time.Second,
		AuthTimeout:      time.Second,
		WriteTimeout:     time.Second,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
		SendRate:         1000,
		SendBurst:        100,
	}
}

// testOptions опции воркера против тестового сервера
func testOptions(t *testing.T, srv *httptest.Server) Options {
	t.Helper()
	opts := Options{
		ClientID: 7,
		Credentials: Credentials{
			APIKey:     "test-key",
			Secret:     sealed(t, "test-secret"),
			Passphrase: sealed(t, "test-pass"),
		},
		Retry:   fastRetry(3),
		Session: fastSession(),
		Logger:  utils.NewNopLogger(),
	}
	if srv != nil {
		opts.RESTURL = srv.URL
		opts.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http")
		opts.HTTP = WrapHTTPClient(srv.Client())
	}
	return opts
}

// countingServer отвечает status/body на любой запрос и считает запросы
func countingServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
