package valuation

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

type mockTicker struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int
}

func (m *mockTicker) Price(_ context.Context, base, quote string, _ time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	p, ok := m.prices[base+quote]
	if !ok {
		return 0, ErrNoPrice
	}
	return p, nil
}

func TestCurrencies_Normalize(t *testing.T) {
	c := DefaultCurrencies()
	tests := []struct {
		in, want string
	}{
		{"xbt", "BTC"},
		{"XBT", "BTC"},
		{"btc", "BTC"},
		{"$", "USD"},
		{" usdt ", "USDT"},
		{"ETH", "ETH"},
	}
	for _, tt := range tests {
		if got := c.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if !c.Same("XBT", "btc") {
		t.Error("XBT and BTC should be the same currency")
	}
}

func TestCurrencies_Precision(t *testing.T) {
	c := DefaultCurrencies()
	tests := []struct {
		ccy  string
		want int
	}{
		{"USD", 2},
		{"$", 2},
		{"BTC", 6},
		{"XBT", 6},
		{"ETH", 4},
		{"%", 2},
		{"DOGE", 3},
	}
	for _, tt := range tests {
		if got := c.Precision(tt.ccy); got != tt.want {
			t.Errorf("Precision(%q) = %d, want %d", tt.ccy, got, tt.want)
		}
	}
}

func TestCurrencies_Overrides(t *testing.T) {
	c := NewCurrencies(map[string]int{"doge": 0, "BTC": 8}, map[string]string{"wbtc": "btc"})
	if c.Precision("DOGE") != 0 || c.Precision("BTC") != 8 {
		t.Errorf("overrides not applied: DOGE=%d BTC=%d", c.Precision("DOGE"), c.Precision("BTC"))
	}
	if c.Normalize("WBTC") != "BTC" {
		t.Errorf("alias not applied: %s", c.Normalize("WBTC"))
	}
	if c.Normalize("XBT") != "BTC" {
		t.Error("default aliases should survive overrides")
	}
}

func TestCurrencies_RoundAndFormat(t *testing.T) {
	c := DefaultCurrencies()
	tests := []struct {
		v     float64
		ccy   string
		round float64
		str   string
	}{
		{1234.5678, "USD", 1234.57, "1234.57"},
		{0.123456789, "BTC", 0.123457, "0.123457"},
		{2.5, "ETH", 2.5, "2.5000"},
		{12.3456, "%", 12.35, "12.35"},
		{1.23456, "SOL", 1.235, "1.235"},
	}
	for _, tt := range tests {
		if got := c.Round(tt.v, tt.ccy); got != tt.round {
			t.Errorf("Round(%v, %s) = %v, want %v", tt.v, tt.ccy, got, tt.round)
		}
		if got := c.Format(tt.v, tt.ccy); got != tt.str {
			t.Errorf("Format(%v, %s) = %q, want %q", tt.v, tt.ccy, got, tt.str)
		}
	}
}

func TestValuator_Value(t *testing.T) {
	ticker := &mockTicker{prices: map[string]float64{
		"BTCUSDT":  20000,
		"ETHUSDT":  1500,
		"SHIBUSDT": 0.00001,
	}}
	v := NewValuator(ticker, nil)

	res, err := v.Value(context.Background(), map[string]float64{
		"USDT": 100,
		"$":    5,
		"XBT":  0.01,
		"ETH":  0.1,
		"SHIB": 1000, // 0.01 USDT - пыль
		"FOO":  3,    // рынка нет
	}, time.Now())
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	want := 100 + 5 + 200 + 150.0
	if math.Abs(res.Total-want) > 1e-9 {
		t.Errorf("Total = %v, want %v", res.Total, want)
	}
	if res.Extra["SHIB"] != 1000 {
		t.Error("dust coin must stay in Extra")
	}
	if res.Extra["BTC"] != 0.01 {
		t.Errorf("XBT should be stored as BTC, extra = %v", res.Extra)
	}
	if len(res.Dust) != 1 || res.Dust[0] != "SHIB" {
		t.Errorf("Dust = %v, want [SHIB]", res.Dust)
	}
	if len(res.NoPrice) != 1 || res.NoPrice[0] != "FOO" {
		t.Errorf("NoPrice = %v, want [FOO]", res.NoPrice)
	}
}

func TestValuator_TickerError(t *testing.T) {
	boom := errors.New("exchange down")
	v := NewValuator(&mockTicker{err: boom}, nil)

	_, err := v.Value(context.Background(), map[string]float64{"BTC": 1, "USDT": 10}, time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestValuator_StableCoinsSkipTicker(t *testing.T) {
	ticker := &mockTicker{}
	v := NewValuator(ticker, nil)

	res, err := v.Value(context.Background(), map[string]float64{"USDT": 10, "USD": 2}, time.Now())
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if res.Total != 12 {
		t.Errorf("Total = %v, want 12", res.Total)
	}
	if ticker.calls != 0 {
		t.Errorf("ticker called %d times for stable coins", ticker.calls)
	}
}

func TestValuator_Convert(t *testing.T) {
	ticker := &mockTicker{prices: map[string]float64{"BNBUSDT": 300, "BTCUSDT": 30000}}
	v := NewValuator(ticker, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		amount   float64
		from, to string
		want     float64
	}{
		{"same", 1, "USDT", "USDT", 1},
		{"stable", 3, "USD", "USDT", 3},
		{"to quote", 0.01, "BNB", "USDT", 3},
		{"cross", 0.1, "BNB", "BTC", 0.001},
		{"alias", 1, "XBT", "BTC", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Convert(ctx, tt.amount, tt.from, tt.to, time.Now())
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Convert = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValuator_BTCQuote(t *testing.T) {
	ticker := &mockTicker{prices: map[string]float64{"USDTBTC": 0.00005}}
	v := NewValuator(ticker, nil, WithQuote("XBT"))

	if v.Quote() != "BTC" {
		t.Fatalf("Quote = %s, want BTC", v.Quote())
	}
	res, err := v.Value(context.Background(), map[string]float64{"XBT": 0.5, "USDT": 2000}, time.Now())
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if math.Abs(res.Total-0.6) > 1e-12 {
		t.Errorf("Total = %v, want 0.6", res.Total)
	}
}
