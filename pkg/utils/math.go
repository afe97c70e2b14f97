package utils

import (
	"math"
	"strconv"
	"strings"
)

// math.go - численные утилиты для агрегации сделок и PnL
//
// Все функции чистые. Внутренние расчеты ведутся в float64 без округления,
// округление применяется только при выводе (см. internal/valuation).

// QtyEpsilon порог, ниже которого остаток позиции считается нулевым.
// Защищает от хвостов вида 1e-17 после серии частичных закрытий.
const QtyEpsilon = 1e-12

// AddToAverage добавляет qty по цене price к средней avg, накопленной на объеме base
func AddToAverage(avg, base, price, qty float64) float64 {
	total := base + qty
	if total <= 0 {
		return price
	}
	return (avg*base + price*qty) / total
}

// LinearPNL PnL линейного контракта (USDT-маржинальный).
// direction: +1 для длинной позиции, -1 для короткой.
func LinearPNL(direction, entry, exit, qty float64) float64 {
	return qty * (exit - entry) * direction
}

// InversePNL PnL инверсного контракта в базовой монете.
// qty задан в котируемой валюте (контракты в USD), результат в монете расчета.
func InversePNL(direction, entry, exit, qty float64) float64 {
	if entry == 0 || exit == 0 {
		return 0
	}
	return qty * (1/entry - 1/exit) * direction
}

// IsZero сравнивает с нулем с учетом QtyEpsilon
func IsZero(x float64) bool {
	return math.Abs(x) < QtyEpsilon
}

// ParseFloat разбирает число из строки биржевого ответа; пустая строка дает 0
func ParseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// MustParseFloat как ParseFloat, но ошибка превращается в 0
func MustParseFloat(s string) float64 {
	v, err := ParseFloat(s)
	if err != nil {
		return 0
	}
	return v
}

// Abs возвращает абсолютное значение
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Min возвращает минимальное из двух значений
func Min(a, b float64) float64 {
	return math.Min(a, b)
}

// Max возвращает максимальное из двух значений
func Max(a, b float64) float64 {
	return math.Max(a, b)
}
