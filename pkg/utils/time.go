package utils

import (
	"strconv"
	"strings"
	"time"
)

// time.go - утилиты для работы со временем биржевых ответов и расписаний
//
// Биржи отдают время в разных форматах: миллисекунды (Binance, OKX), наносекунды
// (KuCoin), секунды с дробной частью (FTX WS), ISO8601 (Bitmex, Bybit). Все функции
// возвращают время в UTC.

// AlignUp возвращает ближайшую границу интервала d, не раньше t.
// Границы считаются от Unix epoch в UTC, поэтому для d = 1h это начало следующего часа.
//
// Пример:
//
//	AlignUp(14:30:45, time.Hour) = 15:00:00
//	AlignUp(15:00:00, time.Hour) = 15:00:00
func AlignUp(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t.UTC()
	}
	truncated := t.UTC().Truncate(d)
	if truncated.Equal(t) {
		return truncated
	}
	return truncated.Add(d)
}

// NextBoundary возвращает следующую границу строго после t
func NextBoundary(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(d).Add(d)
}

// GetDayStartFrom возвращает начало дня (00:00:00 UTC) для t
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// TimeRange временной интервал [Start, End]
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains проверяет попадание t в интервал (границы включительно)
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && !t.After(tr.End)
}

// Duration длительность интервала
func (tr TimeRange) Duration() time.Duration {
	return tr.End.Sub(tr.Start)
}

// SplitRange режет [from, to] на окна не длиннее step.
// Нужен для эндпоинтов с ограничением окна (Binance userTrades: 7 дней).
func SplitRange(from, to time.Time, step time.Duration) []TimeRange {
	if step <= 0 || !from.Before(to) {
		return []TimeRange{{Start: from, End: to}}
	}
	var out []TimeRange
	for cur := from; cur.Before(to); cur = cur.Add(step) {
		end := cur.Add(step)
		if end.After(to) {
			end = to
		}
		out = append(out, TimeRange{Start: cur, End: end})
	}
	return out
}

// ============================================================
// Утилиты для timestamp
// ============================================================

// FromUnixMillis конвертирует миллисекунды Unix в time.Time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromUnixNanos конвертирует наносекунды Unix в time.Time (KuCoin)
func FromUnixNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// ParseUnixMillis разбирает строку с миллисекундами (OKX отдает ts строкой)
func ParseUnixMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return FromUnixMillis(ms), nil
}

// ParseISOTime разбирает ISO8601 с опциональными долями секунды
func ParseISOTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FormatDuration форматирует продолжительность в компактный вид (для логов)
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
