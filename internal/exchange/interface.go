package exchange

import (
	"context"
	"time"

	"tradetracker/internal/models"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/crypto"
	"tradetracker/pkg/retry"
	"tradetracker/pkg/utils"
)

// Worker нормализованный контракт одной биржи для одного клиента
type Worker interface {
	// Tag тег биржи: binance-futures, bybit-linear...
	Tag() string

	// GetBalance снимок кошелька, оцененный в валюте расчетов
	GetBalance(ctx context.Context, now time.Time) (*models.Balance, error)

	// Synchronize отдает историю начиная с курсора до upto по возрастанию времени.
	// Ошибка из yield прерывает синхронизацию и возвращается как есть.
	Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(Record) error) error

	// SubscribeUserStream запускает websocket-сессию клиента. Возвращается после
	// первой успешной аутентификации или постоянной ошибки. Повторы уже
	// отданных записей отфильтровываются.
	SubscribeUserStream(ctx context.Context, onRecord func(Record)) error

	// Price цена base в quote на момент at
	Price(ctx context.Context, base, quote string, at time.Time) (float64, error)

	// MarkPrice текущая цена инструмента для пересчета нереализованного PnL
	MarkPrice(ctx context.Context, symbol string) (float64, error)

	// KeepAliveInterval период продления listen-key; 0 если не требуется
	KeepAliveInterval() time.Duration

	// KeepAlive продлевает listen-key
	KeepAlive(ctx context.Context) error

	// OnInvalid вызывается один раз при первой постоянной ошибке ключей
	OnInvalid(fn func(error))

	// Cleanup закрывает сокеты и останавливает таймеры
	Cleanup() error
}

// Credentials ключи клиента. Секрет и passphrase хранятся зашифрованными.
type Credentials struct {
	APIKey     string
	Secret     *crypto.Sealed
	Passphrase *crypto.Sealed
	Subaccount string
}

// Options параметры создания воркера
type Options struct {
	ClientID    int64
	Credentials Credentials
	Sandbox     bool

	// RESTURL и WSURL переопределяют адреса биржи (тесты, прокси)
	RESTURL string
	WSURL   string

	HTTP       *HTTPClient
	Session    SessionConfig
	KeepAlive  time.Duration // период продления listen-key (по умолчанию 50 минут)
	Retry      *retry.Config
	Currencies *valuation.Currencies
	Quote      string
	Dust       float64
	Logger     *utils.Logger

	// Now источник времени (тесты)
	Now func() time.Time
}
