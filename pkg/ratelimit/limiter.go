package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter - лимитер со скользящим окном для запросов к REST API бирж
//
// Биржа объявляет лимиты в виде (интервал, максимум, вес по умолчанию):
// например Binance Futures 2400 единиц веса в минуту, KuCoin 30 запросов за 3 секунды.
// Limiter хранит журнал выданных разрешений и гарантирует, что в любом окне
// длиной Interval суммарный вес не превышает Max. В отличие от классического
// token bucket с непрерывным пополнением это исключает всплеск 2*Max на стыке окон.
//
// Пополнение ленивое: устаревшие записи журнала отбрасываются при каждом обращении,
// отдельный таймер для refill не нужен.
//
// Использование:
//
//	l := ratelimit.New(ratelimit.Bucket{Interval: 3 * time.Second, Max: 15, Weight: 1})
//	if err := l.Wait(ctx); err != nil {
//	    return err // контекст отменен
//	}
//	// выполняем запрос
//
//	// на 429 ответ:
//	l.Drain(retryAfter)
type Limiter struct {
	mu           sync.Mutex
	windows      []*window
	blockedUntil time.Time // после 429: до этого момента не выпускаем ничего

	now     func() time.Time
	onGrant func(at time.Time, weight int)
}

// Bucket описание одного лимита биржи
type Bucket struct {
	Interval time.Duration
	Max      int
	Weight   int // вес запроса по умолчанию (0 трактуется как 1)
}

type grant struct {
	at     time.Time
	weight int
}

type window struct {
	Bucket
	log  []grant
	used int
}

// New создает лимитер из одного или нескольких окон.
// Запрос проходит только когда его допускают все окна.
func New(buckets ...Bucket) *Limiter {
	l := &Limiter{now: time.Now}
	for _, b := range buckets {
		if b.Interval <= 0 || b.Max <= 0 {
			continue
		}
		if b.Weight <= 0 {
			b.Weight = 1
		}
		l.windows = append(l.windows, &window{Bucket: b})
	}
	return l
}

// expire отбрасывает записи старше интервала.
// ВАЖНО: вызывается под lock'ом
func (w *window) expire(now time.Time) {
	cutoff := now.Add(-w.Interval)
	i := 0
	for i < len(w.log) && !w.log[i].at.After(cutoff) {
		w.used -= w.log[i].weight
		i++
	}
	if i > 0 {
		w.log = append(w.log[:0], w.log[i:]...)
	}
}

// delay сколько ждать, чтобы вес weight поместился в окно.
// ВАЖНО: вызывается под lock'ом после expire
func (w *window) delay(now time.Time, weight int) time.Duration {
	excess := w.used + weight - w.Max
	if excess <= 0 {
		return 0
	}
	// ждем, пока истечет столько старых записей, чтобы освободить excess
	freed := 0
	for _, g := range w.log {
		freed += g.weight
		if freed >= excess {
			return g.at.Add(w.Interval).Sub(now) + time.Millisecond
		}
	}
	return w.Interval
}

// weightOf вес запроса в этом окне; больше Max окно не вместит никогда,
// поэтому и ожидание, и журнал считают его равным Max
func (w *window) weightOf(weight int) int {
	if weight <= 0 {
		weight = w.Weight
	}
	if weight > w.Max {
		return w.Max
	}
	return weight
}

// reserve пытается выдать разрешение; возвращает время ожидания, если не вышло.
func (l *Limiter) reserve(weight int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now)
	}

	var wait time.Duration
	for _, w := range l.windows {
		w.expire(now)
		if d := w.delay(now, w.weightOf(weight)); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		return wait
	}

	for _, w := range l.windows {
		wt := w.weightOf(weight)
		w.log = append(w.log, grant{at: now, weight: wt})
		w.used += wt
	}
	if l.onGrant != nil {
		l.onGrant(now, weight)
	}
	return 0
}

// Wait блокирует до получения разрешения с весом по умолчанию
func (l *Limiter) Wait(ctx context.Context) error {
	return l.WaitN(ctx, 0)
}

// WaitN блокирует до получения разрешения с весом weight (0 - вес по умолчанию каждого окна)
//
// Возвращает:
//   - nil: разрешение получено, можно выполнять запрос
//   - ctx.Err(): контекст отменен
func (l *Limiter) WaitN(ctx context.Context, weight int) error {
	for {
		wait := l.reserve(weight)
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow неблокирующая попытка получить разрешение
func (l *Limiter) Allow() bool {
	return l.reserve(0) <= 0
}

// Drain опустошает лимитер после ответа 429: до истечения retryAfter
// ни один запрос не выйдет. Если retryAfter не задан, ждем самый длинный интервал.
func (l *Limiter) Drain(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if retryAfter <= 0 {
		for _, w := range l.windows {
			if w.Interval > retryAfter {
				retryAfter = w.Interval
			}
		}
	}
	if until := now.Add(retryAfter); until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
	for _, w := range l.windows {
		w.expire(now)
	}
}

// Used текущий занятый вес в окне i (для метрик и тестов)
func (l *Limiter) Used(i int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i < 0 || i >= len(l.windows) {
		return 0
	}
	w := l.windows[i]
	w.expire(l.now())
	return w.used
}

// Buckets возвращает конфигурацию окон
func (l *Limiter) Buckets() []Bucket {
	out := make([]Bucket, 0, len(l.windows))
	for _, w := range l.windows {
		out = append(out, w.Bucket)
	}
	return out
}
