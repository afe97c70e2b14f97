package utils

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantErr error
	}{
		{"valid 16 chars", "1234567890123456", nil},
		{"valid with dashes", "abcd-1234-5678-efgh", nil},
		{"valid with underscores", "abcd_1234_5678_efgh", nil},
		{"short key is syntactically fine", "invalid", nil},
		{"empty", "", ErrEmptyAPIKey},
		{"special chars", "abcd!@#$efgh1234", ErrInvalidAPIKey},
		{"too long", strings.Repeat("a", 300), ErrInvalidAPIKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.apiKey)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateAPIKey(%q) error = %v, want %v", tt.apiKey, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAPISecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"valid", "abcd1234!@#$%^&*", false},
		{"empty", "", true},
		{"too long", strings.Repeat("s", 600), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPISecret(tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPISecret() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAPIPassphrase(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		wantErr    bool
	}{
		{"empty allowed", "", false},
		{"valid with special", "P@ssw0rd!", false},
		{"too long", string(make([]byte, 100)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIPassphrase(tt.passphrase)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIPassphrase() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSubaccount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"empty means main account", "", false},
		{"plain", "scalping", false},
		{"with space", "my sub-1", false},
		{"slash rejected", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubaccount(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSubaccount(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		wantErr bool
	}{
		{"binance", "BTCUSDT", false},
		{"bitmex inverse", "XBTUSD", false},
		{"okx swap", "BTC-USDT-SWAP", false},
		{"kucoin", "XBTUSDTM", false},
		{"ftx perp", "BTC-PERP", false},
		{"empty", "", true},
		{"single char", "B", true},
		{"spaces", "BTC USDT", true},
		{"special chars", "BTC@USDT", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSymbol(%q) error = %v, wantErr %v", tt.symbol, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeExchange(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"bybit-linear", "bybit-linear"},
		{"BINANCE_FUTURES", "binance-futures"},
		{"  Kucoin-Futures  ", "kucoin-futures"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeExchange(tt.input); got != tt.expected {
				t.Errorf("NormalizeExchange(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors

	errs.AddError("api_key", nil)
	if errs.HasErrors() {
		t.Fatal("AddError(nil) should not add error")
	}

	errs.Add("exchange", "unknown tag")
	errs.AddError("api_secret", ErrEmptyAPISecret)

	if len(errs) != 2 {
		t.Fatalf("len = %d, want 2", len(errs))
	}
	msg := errs.Error()
	if !strings.Contains(msg, "exchange: unknown tag") || !strings.Contains(msg, "api_secret") {
		t.Errorf("Error() = %q", msg)
	}
}
