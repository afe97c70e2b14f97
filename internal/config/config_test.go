package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef-secret"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Tracker.FetchingInterval != time.Hour {
		t.Errorf("FetchingInterval = %v, want 1h", cfg.Tracker.FetchingInterval)
	}
	if cfg.Tracker.RektThreshold != 0.5 {
		t.Errorf("RektThreshold = %v, want 0.5", cfg.Tracker.RektThreshold)
	}
	if cfg.Tracker.ListenKeyKeepAlive != 50*time.Minute {
		t.Errorf("ListenKeyKeepAlive = %v", cfg.Tracker.ListenKeyKeepAlive)
	}
	if cfg.Tracker.WSMaxBackoff != 30*time.Second || cfg.Tracker.RESTTimeout != 30*time.Second {
		t.Errorf("timeouts = %v / %v", cfg.Tracker.WSMaxBackoff, cfg.Tracker.RESTTimeout)
	}
	if cfg.Tracker.Testing || cfg.Tracker.HedgeMode {
		t.Error("Testing and HedgeMode should default to false")
	}
	if cfg.Currency.Quote != "USDT" || cfg.Currency.DustThreshold != 0.05 {
		t.Errorf("currency = %+v", cfg.Currency)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr = %s", cfg.Server.Addr())
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", testSecret)
	t.Setenv("FETCHING_INTERVAL_HOURS", "4")
	t.Setenv("REKT_THRESHOLD", "10")
	t.Setenv("TESTING", "true")
	t.Setenv("CURRENCY_PRECISION", "btc:8, SOL:3")
	t.Setenv("CURRENCY_ALIASES", "xbt:btc")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:3000, https://example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tracker.FetchingInterval != 4*time.Hour || cfg.Tracker.RektThreshold != 10 || !cfg.Tracker.Testing {
		t.Errorf("tracker = %+v", cfg.Tracker)
	}
	if cfg.Currency.Precision["BTC"] != 8 || cfg.Currency.Precision["SOL"] != 3 {
		t.Errorf("precision = %v", cfg.Currency.Precision)
	}
	if cfg.Currency.Aliases["XBT"] != "BTC" {
		t.Errorf("aliases = %v", cfg.Currency.Aliases)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://example.com" {
		t.Errorf("origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoad_CurrencyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "currencies.yaml")
	content := "precision:\n  ETH: 5\n  DOGE: 0\naliases:\n  WBTC: btc\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENCRYPTION_SECRET", testSecret)
	t.Setenv("CURRENCY_FILE", path)
	t.Setenv("CURRENCY_PRECISION", "ETH:6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Currency.Precision["ETH"] != 6 {
		t.Errorf("env should override the file: ETH = %d", cfg.Currency.Precision["ETH"])
	}
	if cfg.Currency.Precision["DOGE"] != 0 {
		t.Errorf("DOGE = %d", cfg.Currency.Precision["DOGE"])
	}
	if cfg.Currency.Aliases["WBTC"] != "BTC" {
		t.Errorf("aliases = %v", cfg.Currency.Aliases)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing secret", map[string]string{"ENCRYPTION_SECRET": ""}, "ENCRYPTION_SECRET is required"},
		{"short secret", map[string]string{"ENCRYPTION_SECRET": "short"}, "at least"},
		{"bad port", map[string]string{"SERVER_PORT": "70000"}, "SERVER_PORT"},
		{"bad interval", map[string]string{"FETCHING_INTERVAL_HOURS": "0"}, "FETCHING_INTERVAL_HOURS"},
		{"negative rekt", map[string]string{"REKT_THRESHOLD": "-1"}, "REKT_THRESHOLD"},
		{"bad precision entry", map[string]string{"CURRENCY_PRECISION": "BTC"}, "CURRENCY_PRECISION"},
		{"bad precision digits", map[string]string{"CURRENCY_PRECISION": "BTC:x"}, "CURRENCY_PRECISION"},
		{"missing currency file", map[string]string{"CURRENCY_FILE": "/nonexistent/currencies.yaml"}, "CURRENCY_FILE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENCRYPTION_SECRET", testSecret)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs(" btc:6 ,, eth:4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got["BTC"] != "6" || got["ETH"] != "4" {
		t.Errorf("parsePairs = %v", got)
	}
}
