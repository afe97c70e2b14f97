package models

import "time"

// Side сторона исполнения
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign +1 для покупки, -1 для продажи
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite противоположная сторона
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ExecType тип исполнения
type ExecType string

const (
	ExecTrade       ExecType = "TRADE"
	ExecTransfer    ExecType = "TRANSFER"
	ExecFunding     ExecType = "FUNDING"
	ExecLiquidation ExecType = "LIQUIDATION"
	ExecStop        ExecType = "STOP"
	ExecTP          ExecType = "TP"
)

// Execution сохраненное исполнение. TradeID пустой только у синтетических
// исполнений переводов.
//
// Commission и Rebate неотрицательны: отрицательная комиссия биржи (ребейт
// мейкера) хранится в Rebate и входит в реализованный PnL сделки.
type Execution struct {
	ID              int64     `json:"id" db:"id"`
	ClientID        int64     `json:"client_id" db:"client_id"`
	TradeID         *int64    `json:"trade_id,omitempty" db:"trade_id"`
	ExecID          string    `json:"exec_id,omitempty" db:"exec_id"`
	DedupKey        string    `json:"-" db:"dedup_key"`
	Time            time.Time `json:"time" db:"time"`
	Symbol          string    `json:"symbol" db:"symbol"`
	Side            Side      `json:"side" db:"side"`
	Price           float64   `json:"price" db:"price"`
	Qty             float64   `json:"qty" db:"qty"`
	Commission      float64   `json:"commission" db:"commission"`
	Rebate          float64   `json:"rebate,omitempty" db:"rebate"`
	CommissionAsset string    `json:"commission_asset,omitempty" db:"commission_asset"`
	Type            ExecType  `json:"type" db:"type"`
	Settle          string    `json:"settle" db:"settle"`
	Inverse         bool      `json:"inverse" db:"inverse"`
	RealizedPnl     *float64  `json:"realized_pnl,omitempty" db:"realized_pnl"`
	PositionSide    string    `json:"position_side,omitempty" db:"position_side"`
}

// EffectiveQty объем со знаком: BUY положительный, SELL отрицательный
func (e *Execution) EffectiveQty() float64 {
	return e.Qty * e.Side.Sign()
}
