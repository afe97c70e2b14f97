// Package ports описывает внешние зависимости ядра синхронизации:
// хранилище и публикацию событий. Реализации живут в internal/repository
// и internal/publisher, ядро видит только эти интерфейсы.
package ports

import (
	"context"
	"errors"
	"time"

	"tradetracker/internal/models"
)

// ErrNotFound сущность не найдена
var ErrNotFound = errors.New("not found")

// ClientStore операции над регистрациями клиентов
type ClientStore interface {
	SaveClient(ctx context.Context, c *models.Client) error
	LoadClient(ctx context.Context, id int64) (*models.Client, error)
	ListActiveClients(ctx context.Context) ([]*models.Client, error)
	SetClientState(ctx context.Context, id int64, state models.ClientState, reason string) error
	SetRektOn(ctx context.Context, id int64, at time.Time) error
}

// BalanceStore снимки балансов (только добавление)
type BalanceStore interface {
	SaveBalance(ctx context.Context, b *models.Balance) error
	// LoadLastBalance последний валидный (без ошибки) снимок; nil, если его нет
	LoadLastBalance(ctx context.Context, clientID int64) (*models.Balance, error)
	// LastBalanceTime время последнего снимка любого вида (для монотонности)
	LastBalanceTime(ctx context.Context, clientID int64) (time.Time, error)
}

// TradeStore чтение агрегатов сделок
type TradeStore interface {
	LoadOpenTrades(ctx context.Context, clientID int64) ([]*models.Trade, error)
}

// SyncStore операции цикла синхронизации
type SyncStore interface {
	LoadCursor(ctx context.Context, clientID int64) (models.SyncCursor, error)
	// ExecutionExists сохранено ли уже исполнение с таким ключом дедупликации
	ExecutionExists(ctx context.Context, clientID int64, dedupKey string) (bool, error)
	Begin(ctx context.Context) (Batch, error)
}

// Batch транзакция одной пачки записей. Курсор сдвигается в той же транзакции,
// поэтому при ошибке пачка откатывается целиком вместе с курсором.
type Batch interface {
	SaveExecution(ctx context.Context, e *models.Execution) error
	SaveTransfer(ctx context.Context, t *models.Transfer) error
	SavePnlData(ctx context.Context, p *models.PnlData) error
	// UpsertTrade создает сделку (ID == 0, ID заполняется) или обновляет существующую
	UpsertTrade(ctx context.Context, t *models.Trade) error
	UpdateCursor(ctx context.Context, clientID int64, cursor models.SyncCursor) error
	Commit() error
	Rollback() error
}

// EventStore соревнования и отработанные этапы
type EventStore interface {
	// ListPendingEvents соревнования с неотмеченными этапами, закончившиеся после after
	ListPendingEvents(ctx context.Context, after time.Time) ([]*models.Event, error)
	// MarkEventStage атомарно отмечает этап; false, если этап уже был отмечен
	MarkEventStage(ctx context.Context, eventID int64, stage models.EventStage) (bool, error)
}

// Persistence все операции хранилища, нужные ядру
type Persistence interface {
	ClientStore
	BalanceStore
	TradeStore
	SyncStore
	EventStore
}

// Payload полезная нагрузка публикации: только идентификаторы,
// подробности потребитель читает из хранилища.
type Payload struct {
	MessageID string    `json:"message_id"`
	ID        int64     `json:"id"`
	ClientID  int64     `json:"client_id,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher канал событий "fire-and-forget"
type Publisher interface {
	Publish(ctx context.Context, channel string, payload Payload) error
}

// Каналы публикации вида <table>:<category>
const (
	ChannelClientNew     = "client:new"
	ChannelClientUpdate  = "client:update"
	ChannelClientInvalid = "client:invalid"
	ChannelClientError   = "client:error"

	ChannelTradeNew      = "trade:new"
	ChannelTradeUpdate   = "trade:update"
	ChannelTradeFinished = "trade:finished"

	ChannelBalanceLive  = "balance:live"
	ChannelExecutionNew = "execution:new"

	ChannelEventStart             = "event:start"
	ChannelEventEnd               = "event:end"
	ChannelEventRegistrationStart = "event:registration-start"
	ChannelEventRegistrationEnd   = "event:registration-end"
)

// EventChannel канал для этапа соревнования
func EventChannel(stage models.EventStage) string {
	return "event:" + string(stage)
}
