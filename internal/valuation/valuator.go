package valuation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// ErrNoPrice для монеты нет рынка к валюте котировки
var ErrNoPrice = errors.New("no price for pair")

// Ticker источник цен
type Ticker interface {
	Price(ctx context.Context, base, quote string, at time.Time) (float64, error)
}

// Valuation результат оценки кошелька
type Valuation struct {
	Total   float64            // сумма в валюте котировки без пыли
	Extra   map[string]float64 // исходные суммы по монетам, включая пыль
	Prices  map[string]float64 // использованные цены
	Dust    []string           // монеты, отброшенные как пыль
	NoPrice []string           // монеты без рынка
}

// Valuator оценивает кошельки через Ticker
type Valuator struct {
	ticker     Ticker
	currencies *Currencies
	quote      string
	dust       float64
	parallel   int
}

// Option настройка Valuator
type Option func(*Valuator)

// WithQuote валюта котировки (по умолчанию USDT)
func WithQuote(quote string) Option {
	return func(v *Valuator) { v.quote = quote }
}

// WithDust порог пыли
func WithDust(dust float64) Option {
	return func(v *Valuator) {
		if dust >= 0 {
			v.dust = dust
		}
	}
}

// WithParallelism число одновременных запросов цены
func WithParallelism(n int) Option {
	return func(v *Valuator) {
		if n > 0 {
			v.parallel = n
		}
	}
}

// NewValuator создает оценщик
func NewValuator(ticker Ticker, currencies *Currencies, opts ...Option) *Valuator {
	if currencies == nil {
		currencies = DefaultCurrencies()
	}
	v := &Valuator{
		ticker:     ticker,
		currencies: currencies,
		quote:      "USDT",
		dust:       DefaultDust,
		parallel:   4,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.quote = currencies.Normalize(v.quote)
	return v
}

// Quote валюта котировки
func (v *Valuator) Quote() string { return v.quote }

// Currencies таблица валют
func (v *Valuator) Currencies() *Currencies { return v.currencies }

// Value оценивает кошелек {монета -> количество} на момент at.
//
// Монеты с |amount*price| < dust не входят в Total, но остаются в Extra.
// Монеты без рынка (ErrNoPrice) пропускаются; любая другая ошибка цены
// прерывает оценку целиком.
func (v *Valuator) Value(ctx context.Context, wallet map[string]float64, at time.Time) (*Valuation, error) {
	res := &Valuation{
		Extra:  make(map[string]float64, len(wallet)),
		Prices: make(map[string]float64, len(wallet)),
	}
	for coin, amount := range wallet {
		if amount == 0 {
			continue
		}
		res.Extra[v.currencies.Normalize(coin)] += amount
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	p := pool.New().WithMaxGoroutines(v.parallel)
	for coin := range res.Extra {
		coin := coin
		p.Go(func() {
			price, err := v.price(ctx, coin, at)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNoPrice):
				res.NoPrice = append(res.NoPrice, coin)
			case err != nil:
				if firstErr == nil {
					firstErr = fmt.Errorf("price %s/%s: %w", coin, v.quote, err)
				}
			default:
				res.Prices[coin] = price
			}
		})
	}
	p.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	coins := make([]string, 0, len(res.Prices))
	for coin := range res.Prices {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	for _, coin := range coins {
		value := res.Extra[coin] * res.Prices[coin]
		if math.Abs(value) < v.dust {
			res.Dust = append(res.Dust, coin)
			continue
		}
		res.Total += value
	}
	sort.Strings(res.NoPrice)
	return res, nil
}

// Convert переводит сумму из одной валюты в другую по цене на момент at
func (v *Valuator) Convert(ctx context.Context, amount float64, from, to string, at time.Time) (float64, error) {
	from, to = v.currencies.Normalize(from), v.currencies.Normalize(to)
	if amount == 0 || from == to || (v.currencies.IsStable(from) && v.currencies.IsStable(to)) {
		return amount, nil
	}
	if to == v.quote || v.currencies.IsStable(to) {
		price, err := v.price(ctx, from, at)
		if err != nil {
			return 0, err
		}
		return amount * price, nil
	}
	// через валюту котировки
	inQuote, err := v.Convert(ctx, amount, from, v.quote, at)
	if err != nil {
		return 0, err
	}
	toPrice, err := v.price(ctx, to, at)
	if err != nil {
		return 0, err
	}
	if toPrice == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, to)
	}
	return inQuote / toPrice, nil
}

func (v *Valuator) price(ctx context.Context, coin string, at time.Time) (float64, error) {
	if coin == v.quote || (v.currencies.IsStable(coin) && v.currencies.IsStable(v.quote)) {
		return 1, nil
	}
	return v.ticker.Price(ctx, coin, v.quote, at)
}
