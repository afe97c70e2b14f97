package models

import "time"

// TradeStatus статус сделки
type TradeStatus string

const (
	TradeOpen TradeStatus = "OPEN"
	TradeWin  TradeStatus = "WIN"
	TradeLoss TradeStatus = "LOSS"
)

// Trade агрегат исполнений одного направления по символу, пока позиция открыта.
//
// RealizedPnl - валовый зафиксированный PnL (от биржи или рассчитанный),
// Commission - сумма комиссий, NetPnl = RealizedPnl - Commission.
// Qty - суммарный открытый объем, OpenQty - текущий остаток.
type Trade struct {
	ID           int64       `json:"id" db:"id"`
	ClientID     int64       `json:"client_id" db:"client_id"`
	Symbol       string      `json:"symbol" db:"symbol"`
	PositionSide string      `json:"position_side,omitempty" db:"position_side"`
	Side         Side        `json:"side" db:"side"` // BUY = long, SELL = short
	Settle       string      `json:"settle" db:"settle"`
	Inverse      bool        `json:"inverse" db:"inverse"`
	EntryPrice   float64     `json:"entry_price" db:"entry_price"`
	ExitPrice    *float64    `json:"exit_price,omitempty" db:"exit_price"`
	Qty          float64     `json:"qty" db:"qty"`
	OpenQty      float64     `json:"open_qty" db:"open_qty"`
	RealizedPnl  float64     `json:"realized_pnl" db:"realized_pnl"`
	Commission   float64     `json:"commission" db:"commission"`
	Unrealized   float64     `json:"unrealized_pnl" db:"unrealized_pnl"`
	MinPnl       float64     `json:"min_pnl" db:"min_pnl"`
	MaxPnl       float64     `json:"max_pnl" db:"max_pnl"`
	Status       TradeStatus `json:"status" db:"status"`
	OpenTime     time.Time   `json:"open_time" db:"open_time"`
	CloseTime    *time.Time  `json:"close_time,omitempty" db:"close_time"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// NetPnl чистый PnL за вычетом комиссий
func (t *Trade) NetPnl() float64 {
	return t.RealizedPnl - t.Commission
}

// IsOpen открыта ли сделка
func (t *Trade) IsOpen() bool {
	return t.Status == TradeOpen
}

// Direction +1 для long, -1 для short
func (t *Trade) Direction() float64 {
	return t.Side.Sign()
}

// ClosedQty закрытый объем
func (t *Trade) ClosedQty() float64 {
	return t.Qty - t.OpenQty
}

// Key ключ слота открытой сделки: символ или (символ, сторона позиции) в hedge-режиме
func (t *Trade) Key(hedge bool) string {
	return TradeKey(t.Symbol, t.PositionSide, hedge)
}

// TradeKey ключ слота открытой сделки
func TradeKey(symbol, positionSide string, hedge bool) string {
	if hedge && positionSide != "" && positionSide != "BOTH" {
		return symbol + "/" + positionSide
	}
	return symbol
}

// PnlData точка временного ряда PnL сделки
type PnlData struct {
	ID         int64     `json:"id" db:"id"`
	TradeID    int64     `json:"trade_id" db:"trade_id"`
	Time       time.Time `json:"time" db:"time"`
	Realized   float64   `json:"realized" db:"realized"`
	Unrealized float64   `json:"unrealized" db:"unrealized"`
}

// Total realized + unrealized
func (p *PnlData) Total() float64 {
	return p.Realized + p.Unrealized
}
