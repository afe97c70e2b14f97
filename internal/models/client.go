package models

import "time"

// ClientState состояние регистрации биржевого аккаунта
type ClientState string

const (
	ClientSynchronizing ClientState = "SYNCHRONIZING"
	ClientOK            ClientState = "OK"
	ClientInvalid       ClientState = "INVALID"
	ClientArchived      ClientState = "ARCHIVED"
)

// Client регистрация API ключей пользователя на конкретной бирже.
// APISecret и Passphrase хранятся зашифрованными (base64 AES-GCM).
type Client struct {
	ID          int64       `json:"id" db:"id"`
	UserID      int64       `json:"user_id" db:"user_id"`
	Exchange    string      `json:"exchange" db:"exchange"` // тег биржи: binance-futures, bybit-linear...
	APIKey      string      `json:"-" db:"api_key"`
	APISecret   string      `json:"-" db:"api_secret"`
	Passphrase  string      `json:"-" db:"passphrase"`
	Subaccount  string      `json:"subaccount,omitempty" db:"subaccount"`
	Sandbox     bool        `json:"sandbox" db:"sandbox"`
	State       ClientState `json:"state" db:"state"`
	StateReason string      `json:"state_reason,omitempty" db:"state_reason"`
	RektOn      *time.Time  `json:"rekt_on,omitempty" db:"rekt_on"`

	LastExecutionSync time.Time `json:"last_execution_sync" db:"last_execution_sync"`
	LastTransferSync  time.Time `json:"last_transfer_sync" db:"last_transfer_sync"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Cursor текущий курсор синхронизации клиента
func (c *Client) Cursor() SyncCursor {
	return SyncCursor{LastExecution: c.LastExecutionSync, LastTransfer: c.LastTransferSync}
}

// IsActive нужно ли поднимать для клиента воркер
func (c *Client) IsActive() bool {
	return c.State == ClientSynchronizing || c.State == ClientOK
}

// IsRekt опустился ли баланс ниже порога
func (c *Client) IsRekt() bool {
	return c.RektOn != nil
}

// validClientTransitions допустимые переходы состояний клиента
var validClientTransitions = map[ClientState][]ClientState{
	ClientSynchronizing: {ClientOK, ClientInvalid, ClientArchived},
	ClientOK:            {ClientSynchronizing, ClientInvalid, ClientArchived},
	ClientInvalid:       {ClientSynchronizing, ClientArchived},
	ClientArchived:      {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to ClientState) bool {
	if from == to {
		return true
	}
	for _, s := range validClientTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
