package tracker

import (
	"sort"
	"time"

	"tradetracker/internal/models"
	"tradetracker/pkg/utils"
)

// reverseSuffix добавляется к exec-id открывающей части разворота
const reverseSuffix = ":rev"

// Step одно изменение агрегата, которое нужно сохранить в пачке:
// сделку (upsert), исполнение (привязывается к сделке) и точку PnL.
type Step struct {
	Trade *models.Trade
	Exec  *models.Execution
	Point models.PnlData

	Opened   bool // сделка создана этим шагом
	Finished bool // сделка закрыта этим шагом
}

// Aggregator складывает исполнения клиента в сделки.
//
// Слот открытой сделки ключуется символом, а в hedge-режиме парой
// (символ, сторона позиции). Исполнение в сторону сделки наращивает ее,
// встречное сокращает; остаток сверх открытого объема открывает новую сделку
// в обратную сторону.
//
// Не потокобезопасен: владелец (Syncer) сериализует вызовы.
type Aggregator struct {
	clientID int64
	hedge    bool
	open     map[string]*models.Trade
}

// NewAggregator создает агрегатор, восстанавливая открытые сделки из хранилища
func NewAggregator(clientID int64, hedge bool, trades []*models.Trade) *Aggregator {
	a := &Aggregator{
		clientID: clientID,
		hedge:    hedge,
		open:     make(map[string]*models.Trade, len(trades)),
	}
	for _, t := range trades {
		if t.IsOpen() {
			a.open[t.Key(hedge)] = t
		}
	}
	return a
}

// OpenTrades открытые сделки в порядке ключей
func (a *Aggregator) OpenTrades() []*models.Trade {
	keys := make([]string, 0, len(a.open))
	for k := range a.open {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*models.Trade, 0, len(keys))
	for _, k := range keys {
		out = append(out, a.open[k])
	}
	return out
}

// Open открытая сделка по символу и стороне позиции
func (a *Aggregator) Open(symbol, positionSide string) *models.Trade {
	return a.open[models.TradeKey(symbol, positionSide, a.hedge)]
}

// Apply применяет исполнение и возвращает шаги для сохранения.
// Пустой результат означает, что исполнение не относится ни к одной сделке
// (фандинг без открытой позиции).
func (a *Aggregator) Apply(e *models.Execution) []Step {
	key := models.TradeKey(e.Symbol, e.PositionSide, a.hedge)
	t := a.open[key]

	if e.Type == models.ExecFunding {
		if t == nil {
			return nil
		}
		t.RealizedPnl += realizedOf(e) + e.Rebate
		t.Commission += e.Commission
		return []Step{a.step(t, e, 0, false, false)}
	}

	if t == nil || t.Side == e.Side {
		return []Step{a.increase(key, t, e)}
	}
	return a.reduce(key, t, e)
}

// increase открывает сделку или наращивает открытую
func (a *Aggregator) increase(key string, t *models.Trade, e *models.Execution) Step {
	opened := t == nil
	if opened {
		t = &models.Trade{
			ClientID:     a.clientID,
			Symbol:       e.Symbol,
			PositionSide: e.PositionSide,
			Side:         e.Side,
			Settle:       e.Settle,
			Inverse:      e.Inverse,
			EntryPrice:   e.Price,
			Status:       models.TradeOpen,
			OpenTime:     e.Time,
		}
		a.open[key] = t
	} else {
		t.EntryPrice = utils.AddToAverage(t.EntryPrice, t.Qty, e.Price, e.Qty)
	}
	t.Qty += e.Qty
	t.OpenQty += e.Qty
	t.RealizedPnl += realizedOf(e) + e.Rebate
	t.Commission += e.Commission
	return a.step(t, e, e.Price, opened, false)
}

// reduce сокращает сделку встречным исполнением. Если исполнение больше
// открытого объема, оно делится на закрывающую и открывающую части:
// PnL биржи целиком относится к закрытию, комиссия и ребейт делятся по объему.
func (a *Aggregator) reduce(key string, t *models.Trade, e *models.Execution) []Step {
	closing, opening := e, (*models.Execution)(nil)
	if e.Qty-t.OpenQty > utils.QtyEpsilon {
		closing, opening = split(e, t.OpenQty)
	}

	var realized float64
	if closing.RealizedPnl != nil {
		realized = *closing.RealizedPnl
	} else {
		realized = pnlAt(t, closing.Price, closing.Qty)
		closing.RealizedPnl = &realized
	}
	t.OpenQty -= closing.Qty
	t.RealizedPnl += realized + closing.Rebate
	t.Commission += closing.Commission

	finished := utils.IsZero(t.OpenQty)
	if finished {
		t.OpenQty = 0
		t.Unrealized = 0
		exit := closing.Price
		closeTime := closing.Time
		t.ExitPrice = &exit
		t.CloseTime = &closeTime
		t.Status = closedStatus(t)
		delete(a.open, key)
	}
	steps := []Step{a.step(t, closing, closing.Price, false, finished)}

	if opening != nil {
		steps = append(steps, a.increase(key, nil, opening))
	}
	return steps
}

// step пересчитывает нереализованный PnL по цене исполнения (mark > 0),
// обновляет экстремумы и формирует точку ряда
func (a *Aggregator) step(t *models.Trade, e *models.Execution, mark float64, opened, finished bool) Step {
	if mark > 0 && t.IsOpen() {
		t.Unrealized = pnlAt(t, mark, t.OpenQty)
	}
	point := models.PnlData{
		Time:       e.Time,
		Realized:   t.NetPnl(),
		Unrealized: t.Unrealized,
	}
	trackExtremes(t, point.Total(), opened)
	t.UpdatedAt = e.Time
	return Step{Trade: t, Exec: e, Point: point, Opened: opened, Finished: finished}
}

// Remark пересчитывает нереализованный PnL открытой сделки по цене mark
func Remark(t *models.Trade, mark float64, at time.Time) models.PnlData {
	t.Unrealized = pnlAt(t, mark, t.OpenQty)
	point := models.PnlData{TradeID: t.ID, Time: at, Realized: t.NetPnl(), Unrealized: t.Unrealized}
	trackExtremes(t, point.Total(), false)
	t.UpdatedAt = at
	return point
}

func trackExtremes(t *models.Trade, total float64, first bool) {
	if first {
		t.MinPnl, t.MaxPnl = total, total
		return
	}
	t.MinPnl = utils.Min(t.MinPnl, total)
	t.MaxPnl = utils.Max(t.MaxPnl, total)
}

// pnlAt PnL объема qty сделки при цене price с учетом инверсных контрактов
func pnlAt(t *models.Trade, price, qty float64) float64 {
	if t.Inverse {
		return utils.InversePNL(t.Direction(), t.EntryPrice, price, qty)
	}
	return utils.LinearPNL(t.Direction(), t.EntryPrice, price, qty)
}

// closedStatus итог закрытой сделки. Нулевой чистый результат считается
// убыточным: у закрытой сделки не может быть статуса OPEN.
func closedStatus(t *models.Trade) models.TradeStatus {
	if t.NetPnl() > 0 {
		return models.TradeWin
	}
	return models.TradeLoss
}

func realizedOf(e *models.Execution) float64 {
	if e.RealizedPnl == nil {
		return 0
	}
	return *e.RealizedPnl
}

// split делит исполнение на закрывающую часть объемом qty и открывающую остаток
func split(e *models.Execution, qty float64) (closing, opening *models.Execution) {
	share := qty / e.Qty
	c, o := *e, *e

	c.Qty = qty
	c.Commission = e.Commission * share
	o.Qty = e.Qty - qty
	o.Commission = e.Commission - c.Commission
	c.Rebate = e.Rebate * share
	o.Rebate = e.Rebate - c.Rebate

	if e.RealizedPnl != nil {
		rp := *e.RealizedPnl
		c.RealizedPnl = &rp
		o.RealizedPnl = nil
	}
	if o.ExecID != "" {
		o.ExecID += reverseSuffix
	}
	o.DedupKey += reverseSuffix
	return &c, &o
}
