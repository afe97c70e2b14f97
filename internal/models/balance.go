package models

import "time"

// Balance снимок баланса клиента. Только добавляется.
// Снимок с непустым Error означает неудачный опрос: он хранится для истории,
// но последним валидным балансом остается предыдущий.
type Balance struct {
	ID         int64              `json:"id" db:"id"`
	ClientID   int64              `json:"client_id" db:"client_id"`
	Time       time.Time          `json:"time" db:"time"`
	Realized   float64            `json:"realized" db:"realized"`
	Unrealized float64            `json:"unrealized" db:"unrealized"`
	Currency   string             `json:"currency" db:"currency"`
	Extra      map[string]float64 `json:"extra_currencies,omitempty" db:"extra_currencies"`
	Error      string             `json:"error,omitempty" db:"error"`
}

// Total realized + unrealized
func (b *Balance) Total() float64 {
	return b.Realized + b.Unrealized
}

// IsErrored неудачный ли это снимок
func (b *Balance) IsErrored() bool {
	return b.Error != ""
}

// Transfer ввод или вывод средств. Связан 1:1 с синтетическим исполнением,
// чтобы отделять торговый PnL от движения депозита.
type Transfer struct {
	ID          int64     `json:"id" db:"id"`
	ClientID    int64     `json:"client_id" db:"client_id"`
	ExecutionID int64     `json:"execution_id" db:"execution_id"`
	ExternalID  string    `json:"external_id,omitempty" db:"external_id"`
	Amount      float64   `json:"amount" db:"amount"` // положительный для депозита, отрицательный для вывода
	Coin        string    `json:"coin" db:"coin"`
	Fee         float64   `json:"fee,omitempty" db:"fee"`
	Time        time.Time `json:"time" db:"time"`
}
