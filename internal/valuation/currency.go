// Package valuation переводит мультивалютный кошелек в одну сумму
// в валюте расчетов и форматирует суммы по точности валюты.
package valuation

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPrecision точность валюты, не указанной в таблице
const DefaultPrecision = 3

// DefaultDust порог пыли в валюте котировки
const DefaultDust = 0.05

// Currencies таблица точностей и алиасов валют.
// После создания не меняется, поэтому безопасна для конкурентного чтения.
type Currencies struct {
	precision map[string]int
	aliases   map[string]string
	stable    map[string]bool
}

var defaultPrecision = map[string]int{
	"USD":  2,
	"USDT": 2,
	"BTC":  6,
	"ETH":  4,
	"%":    2,
}

var defaultAliases = map[string]string{
	"XBT": "BTC",
	"$":   "USD",
}

// DefaultCurrencies таблица по умолчанию
func DefaultCurrencies() *Currencies {
	return NewCurrencies(nil, nil)
}

// NewCurrencies таблица по умолчанию с переопределениями из конфигурации
func NewCurrencies(precision map[string]int, aliases map[string]string) *Currencies {
	c := &Currencies{
		precision: make(map[string]int, len(defaultPrecision)+len(precision)),
		aliases:   make(map[string]string, len(defaultAliases)+len(aliases)),
		stable:    map[string]bool{"USD": true, "USDT": true},
	}
	for k, v := range defaultPrecision {
		c.precision[k] = v
	}
	for k, v := range defaultAliases {
		c.aliases[k] = v
	}
	for k, v := range precision {
		if v >= 0 {
			c.precision[strings.ToUpper(strings.TrimSpace(k))] = v
		}
	}
	for k, v := range aliases {
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToUpper(strings.TrimSpace(v))
		if k != "" && v != "" && k != v {
			c.aliases[k] = v
		}
	}
	return c
}

// Normalize каноническое имя валюты: верхний регистр, алиасы раскрыты (XBT -> BTC, $ -> USD)
func (c *Currencies) Normalize(coin string) string {
	coin = strings.ToUpper(strings.TrimSpace(coin))
	// цепочки алиасов короткие, ограничиваем глубину на случай цикла в конфиге
	for i := 0; i < 4; i++ {
		next, ok := c.aliases[coin]
		if !ok {
			break
		}
		coin = next
	}
	return coin
}

// Same одна ли это валюта с учетом алиасов
func (c *Currencies) Same(a, b string) bool {
	return c.Normalize(a) == c.Normalize(b)
}

// IsStable валюта оценивается по цене 1 относительно USDT
func (c *Currencies) IsStable(coin string) bool {
	return c.stable[c.Normalize(coin)]
}

// Precision число знаков после запятой для валюты
func (c *Currencies) Precision(ccy string) int {
	if ccy == "%" {
		return c.precision["%"]
	}
	if p, ok := c.precision[c.Normalize(ccy)]; ok {
		return p
	}
	return DefaultPrecision
}

// Round округляет сумму по точности валюты. Только для вывода:
// внутренние расчеты идут с полной точностью.
func (c *Currencies) Round(v float64, ccy string) float64 {
	f, _ := decimal.NewFromFloat(v).Round(int32(c.Precision(ccy))).Float64()
	return f
}

// Format строка с фиксированным числом знаков
func (c *Currencies) Format(v float64, ccy string) string {
	return decimal.NewFromFloat(v).StringFixed(int32(c.Precision(ccy)))
}
