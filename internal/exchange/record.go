package exchange

import (
	"math"
	"strconv"
	"time"

	"tradetracker/internal/models"
)

// RawExecution исполнение в нормализованном виде, как его отдает воркер.
// Qty всегда положительный, направление задает Side; комиссия положительная,
// в валюте расчетов (пересчет монеты комиссии делает воркер).
// Отрицательная комиссия означает ребейт и разносится в ToExecution.
type RawExecution struct {
	ExecID          string
	Time            time.Time
	Symbol          string
	Side            models.Side
	Price           float64
	Qty             float64
	Commission      float64
	CommissionAsset string
	Type            models.ExecType
	Settle          string
	Inverse         bool
	RealizedPnl     *float64
	PositionSide    string
}

// DedupKey exec-id биржи или кортеж (время, символ, сторона, цена, объем)
func (e *RawExecution) DedupKey() string {
	if e.ExecID != "" {
		return "id:" + e.ExecID
	}
	return "t:" + strconv.FormatInt(e.Time.UnixMilli(), 10) +
		"|" + e.Symbol +
		"|" + string(e.Side) +
		"|" + strconv.FormatFloat(e.Price, 'g', -1, 64) +
		"|" + strconv.FormatFloat(e.Qty, 'g', -1, 64)
}

// RawTransfer ввод или вывод средств
type RawTransfer struct {
	ExternalID string
	Time       time.Time
	Coin       string
	Amount     float64 // со знаком: вывод отрицательный
	Fee        float64
}

// DedupKey id биржи или (время, монета, сумма)
func (t *RawTransfer) DedupKey() string {
	if t.ExternalID != "" {
		return "tr:" + t.ExternalID
	}
	return "tr:" + strconv.FormatInt(t.Time.UnixMilli(), 10) +
		"|" + t.Coin +
		"|" + strconv.FormatFloat(t.Amount, 'g', -1, 64)
}

// Record элемент потока синхронизации: ровно одно из полей заполнено
type Record struct {
	Exec     *RawExecution
	Transfer *RawTransfer
}

// ExecRecord оборачивает исполнение
func ExecRecord(e *RawExecution) Record { return Record{Exec: e} }

// TransferRecord оборачивает перевод
func TransferRecord(t *RawTransfer) Record { return Record{Transfer: t} }

// IsTransfer запись о переводе
func (r Record) IsTransfer() bool {
	return r.Transfer != nil
}

// Time биржевое время записи
func (r Record) Time() time.Time {
	if r.Transfer != nil {
		return r.Transfer.Time
	}
	if r.Exec != nil {
		return r.Exec.Time
	}
	return time.Time{}
}

// DedupKey ключ дедупликации записи
func (r Record) DedupKey() string {
	if r.Transfer != nil {
		return r.Transfer.DedupKey()
	}
	if r.Exec != nil {
		return r.Exec.DedupKey()
	}
	return ""
}

// Symbol символ исполнения; пустой для переводов
func (r Record) Symbol() string {
	if r.Exec != nil {
		return r.Exec.Symbol
	}
	return ""
}

// ToExecution модель исполнения для сохранения.
// Для перевода создается синтетическое исполнение типа TRANSFER.
func (r Record) ToExecution(clientID int64) *models.Execution {
	if r.Transfer != nil {
		t := r.Transfer
		side := models.SideBuy
		if t.Amount < 0 {
			side = models.SideSell
		}
		qty := t.Amount
		if qty < 0 {
			qty = -qty
		}
		return &models.Execution{
			ClientID:        clientID,
			ExecID:          t.ExternalID,
			DedupKey:        t.DedupKey(),
			Time:            t.Time,
			Symbol:          t.Coin,
			Side:            side,
			Price:           1,
			Qty:             qty,
			Commission:      math.Abs(t.Fee),
			CommissionAsset: t.Coin,
			Type:            models.ExecTransfer,
			Settle:          t.Coin,
		}
	}
	e := r.Exec
	typ := e.Type
	if typ == "" {
		typ = models.ExecTrade
	}
	commission, rebate := splitFee(e.Commission)
	return &models.Execution{
		ClientID:        clientID,
		ExecID:          e.ExecID,
		DedupKey:        e.DedupKey(),
		Time:            e.Time,
		Symbol:          e.Symbol,
		Side:            e.Side,
		Price:           e.Price,
		Qty:             e.Qty,
		Commission:      commission,
		Rebate:          rebate,
		CommissionAsset: e.CommissionAsset,
		Type:            typ,
		Settle:          e.Settle,
		Inverse:         e.Inverse,
		RealizedPnl:     e.RealizedPnl,
		PositionSide:    e.PositionSide,
	}
}

// ToTransfer модель перевода; nil для исполнений
func (r Record) ToTransfer(clientID int64) *models.Transfer {
	if r.Transfer == nil {
		return nil
	}
	return &models.Transfer{
		ClientID:   clientID,
		ExternalID: r.Transfer.ExternalID,
		Amount:     r.Transfer.Amount,
		Coin:       r.Transfer.Coin,
		Fee:        math.Abs(r.Transfer.Fee),
		Time:       r.Transfer.Time,
	}
}

// splitFee делит комиссию биржи со знаком на уплаченную комиссию и ребейт
func splitFee(fee float64) (commission, rebate float64) {
	if fee < 0 {
		return 0, -fee
	}
	return fee, 0
}

// parseSide нормализует сторону из строки биржи
func parseSide(s string) (models.Side, bool) {
	switch s {
	case "BUY", "Buy", "buy", "b":
		return models.SideBuy, true
	case "SELL", "Sell", "sell", "s":
		return models.SideSell, true
	}
	return "", false
}
