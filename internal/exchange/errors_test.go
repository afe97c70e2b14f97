package exchange

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindUserInput},
		{http.StatusForbidden, KindUserInput},
		{http.StatusNotFound, KindInternal},
		{http.StatusTooManyRequests, KindRateLimited},
		{418, KindRateLimited},
		{http.StatusInternalServerError, KindUnavailable},
		{http.StatusServiceUnavailable, KindUnavailable},
		{http.StatusBadRequest, KindInternal},
	}
	for _, tt := range tests {
		if got := Classify(tt.status); got != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindUserInput, false},
		{KindRateLimited, true},
		{KindUnavailable, true},
		{KindSchemaMismatch, false},
		{KindInternal, false},
	}
	for _, tt := range tests {
		e := &Error{Exchange: "x", Kind: tt.kind}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestError_WrapAndKindOf(t *testing.T) {
	inner := errors.New("boom")
	e := &Error{Exchange: TagBitmex, Kind: KindUnavailable, Err: inner, RetryAfter: 3 * time.Second}
	wrapped := errors.Join(errors.New("context"), e)

	if KindOf(wrapped) != KindUnavailable {
		t.Errorf("KindOf = %q", KindOf(wrapped))
	}
	if !errors.Is(e, inner) {
		t.Error("Error should unwrap to inner error")
	}
	if e.RetryDelay() != 3*time.Second {
		t.Errorf("RetryDelay = %v", e.RetryDelay())
	}
	if !IsTransient(wrapped) || IsPermanent(wrapped) {
		t.Error("unavailable error should be transient")
	}
	if KindOf(inner) != "" {
		t.Error("plain error has no kind")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
}
