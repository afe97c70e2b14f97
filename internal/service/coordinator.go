// Package service координирует клиентов: регистрация ключей, запуск воркера
// биржи и цикла синхронизации, периодические опросы баланса и продление
// listen-key, перевод клиента в INVALID при отказе биржи в ключах.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"tradetracker/internal/exchange"
	"tradetracker/internal/metrics"
	"tradetracker/internal/models"
	"tradetracker/internal/ports"
	"tradetracker/internal/scheduler"
	"tradetracker/internal/tracker"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/crypto"
	"tradetracker/pkg/retry"
	"tradetracker/pkg/utils"
)

// Ошибки сервиса
var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientRunning  = errors.New("client is already running")
	ErrNoBalance      = errors.New("client has no balance yet")
	ErrNotStarted     = errors.New("coordinator is not started")
)

// WorkerFactory создает воркеры бирж (exchange.Registry)
type WorkerFactory interface {
	Validate(tag, apiKey, secret, passphrase, subaccount string) error
	New(tag string, opts exchange.Options) (exchange.Worker, error)
}

// Config параметры координатора
type Config struct {
	FetchingInterval   time.Duration // период опроса баланса, выровнен по часу UTC
	RektThreshold      float64
	Testing            bool // sandbox-эндпоинты для всех клиентов
	Hedge              bool
	UnrealizedInterval time.Duration
	SyncMaxRetries     int
	ResumeParallelism  int

	EncryptionKey []byte // ключ AES-256, выведенный из ENCRYPTION_SECRET

	// Worker шаблон параметров воркера; ClientID, Credentials и Sandbox задаются на клиента
	Worker exchange.Options

	Logger *utils.Logger
	Now    func() time.Time
}

// handle запущенный клиент в карте идентичности
type handle struct {
	mu       sync.Mutex // client.State и client.RektOn
	client   models.Client
	worker   exchange.Worker
	syncer   *tracker.Syncer
	valuator *valuation.Valuator

	ctx    context.Context
	cancel context.CancelFunc
	jobs   []string
	wg     conc.WaitGroup

	pollMu      sync.Mutex
	invalidOnce sync.Once
	stopOnce    sync.Once
}

// Coordinator владеет картой идентичности clientID -> запущенный клиент.
// Карту меняют только register и unregister под одним мьютексом.
type Coordinator struct {
	cfg      Config
	store    ports.Persistence
	pub      ports.Publisher
	workers  WorkerFactory
	sched    *scheduler.Scheduler
	log      *utils.Logger
	currency *valuation.Currencies

	mu      sync.Mutex
	clients map[int64]*handle
	ctx     context.Context
}

// NewCoordinator создает координатор
func NewCoordinator(cfg Config, store ports.Persistence, pub ports.Publisher, workers WorkerFactory, sched *scheduler.Scheduler) *Coordinator {
	if cfg.FetchingInterval <= 0 {
		cfg.FetchingInterval = time.Hour
	}
	if cfg.UnrealizedInterval <= 0 {
		cfg.UnrealizedInterval = time.Minute
	}
	if cfg.SyncMaxRetries <= 0 {
		cfg.SyncMaxRetries = 5
	}
	if cfg.ResumeParallelism <= 0 {
		cfg.ResumeParallelism = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Worker.Quote == "" {
		cfg.Worker.Quote = "USDT"
	}
	currencies := cfg.Worker.Currencies
	if currencies == nil {
		currencies = valuation.DefaultCurrencies()
		cfg.Worker.Currencies = currencies
	}
	log := cfg.Logger
	if log == nil {
		log = utils.L()
	}
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		pub:      pub,
		workers:  workers,
		sched:    sched,
		log:      log.WithComponent("coordinator"),
		currency: currencies,
		clients:  make(map[int64]*handle),
	}
}

// Start запоминает контекст жизни клиентов и поднимает всех активных клиентов
// из хранилища. Ошибка одного клиента не мешает остальным.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	active, err := c.store.ListActiveClients(ctx)
	if err != nil {
		return fmt.Errorf("list active clients: %w", err)
	}

	p := pool.New().WithMaxGoroutines(c.cfg.ResumeParallelism)
	for _, client := range active {
		client := client
		p.Go(func() {
			if err := c.startClient(client); err != nil {
				c.log.Warn("client not resumed", utils.ClientID(client.ID), utils.Exchange(client.Exchange), utils.Err(err))
			}
		})
	}
	p.Wait()

	c.log.Info("coordinator started", utils.Int("resumed", c.Running()))
	return nil
}

// Shutdown останавливает всех клиентов и ждет завершения их задач
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	handles := make([]*handle, 0, len(c.clients))
	for id, h := range c.clients {
		handles = append(handles, h)
		delete(c.clients, id)
	}
	c.mu.Unlock()
	metrics.ActiveClients.Set(0)

	var wg conc.WaitGroup
	for _, h := range handles {
		h := h
		wg.Go(func() { c.stop(h, true) })
	}
	wg.Wait()
}

// Running количество запущенных клиентов
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// IsRunning запущен ли клиент
func (c *Coordinator) IsRunning(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.clients[id]
	return ok
}

// Client регистрация клиента из хранилища
func (c *Coordinator) Client(ctx context.Context, id int64) (*models.Client, error) {
	client, err := c.store.LoadClient(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return client, nil
}

// LatestBalance последний валидный баланс клиента. Ошибочные снимки
// не заменяют последний хороший.
func (c *Coordinator) LatestBalance(ctx context.Context, id int64) (*models.Balance, error) {
	b, err := c.store.LoadLastBalance(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNoBalance
	}
	return b, nil
}

// OpenTrades открытые сделки запущенного клиента
func (c *Coordinator) OpenTrades(id int64) ([]models.Trade, error) {
	h := c.lookup(id)
	if h == nil {
		return nil, ErrClientNotFound
	}
	return h.syncer.OpenTrades(), nil
}

func (c *Coordinator) lookup(id int64) *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[id]
}

// register добавляет клиента в карту идентичности
func (c *Coordinator) register(h *handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return ErrNotStarted
	}
	if _, ok := c.clients[h.client.ID]; ok {
		return ErrClientRunning
	}
	h.ctx, h.cancel = context.WithCancel(c.ctx)
	c.clients[h.client.ID] = h
	metrics.ActiveClients.Set(float64(len(c.clients)))
	return nil
}

// unregister убирает клиента из карты; false, если его там уже нет
func (c *Coordinator) unregister(h *handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.clients[h.client.ID]; !ok || cur != h {
		return false
	}
	delete(c.clients, h.client.ID)
	metrics.ActiveClients.Set(float64(len(c.clients)))
	return true
}

// startClient создает воркер, делает первый опрос баланса (первый REST запрос)
// и запускает синхронизацию и периодические задачи
func (c *Coordinator) startClient(client *models.Client) error {
	worker, err := c.newWorker(client)
	if err != nil {
		return err
	}

	h := &handle{client: *client, worker: worker}
	if err := c.register(h); err != nil {
		worker.Cleanup()
		return err
	}
	log := c.log.WithClientID(client.ID).WithExchange(worker.Tag())

	h.valuator = valuation.NewValuator(worker, c.currency, valuation.WithQuote(c.cfg.Worker.Quote))
	h.syncer = tracker.NewSyncer(tracker.Config{
		ClientID:   client.ID,
		Hedge:      c.cfg.Hedge,
		Retry:      retry.SyncConfig(c.cfg.SyncMaxRetries),
		OnCaughtUp: func() { c.markSynced(h) },
		Logger:     c.cfg.Logger,
		Now:        c.cfg.Now,
	}, worker, c.store, c.pub)

	worker.OnInvalid(func(err error) { c.invalidate(h, err) })

	if err := h.syncer.Load(h.ctx); err != nil {
		c.unregister(h)
		c.stop(h, false)
		return err
	}
	if err := c.pollBalance(h.ctx, h); err != nil && exchange.IsPermanent(err) {
		return err
	}
	if h.ctx.Err() != nil {
		return h.ctx.Err()
	}

	h.wg.Go(func() {
		err := h.syncer.Run(h.ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case exchange.IsPermanent(err):
			c.invalidate(h, err)
		default:
			log.Error("sync stopped", utils.Err(err))
		}
	})

	h.jobs = append(h.jobs,
		c.sched.Every(c.cfg.FetchingInterval, true, taskName(client.ID, "balance"), func(context.Context) {
			c.pollBalance(h.ctx, h)
		}),
		c.sched.Every(c.cfg.UnrealizedInterval, false, taskName(client.ID, "unrealized"), func(context.Context) {
			if err := h.syncer.RefreshUnrealized(h.ctx); err != nil {
				log.Warn("unrealized refresh failed", utils.Err(err))
			}
		}),
	)
	if every := worker.KeepAliveInterval(); every > 0 {
		h.jobs = append(h.jobs, c.sched.Every(every, false, taskName(client.ID, "keepalive"), func(context.Context) {
			if err := h.worker.KeepAlive(h.ctx); err != nil {
				log.Warn("listen key keepalive failed", utils.Err(err))
			}
		}))
	}

	log.Info("client started")
	return nil
}

// newWorker открывает запечатанные ключи и создает воркер биржи
func (c *Coordinator) newWorker(client *models.Client) (exchange.Worker, error) {
	creds := exchange.Credentials{
		APIKey:     client.APIKey,
		Secret:     crypto.FromCiphertext(client.APISecret, c.cfg.EncryptionKey),
		Subaccount: client.Subaccount,
	}
	if client.Passphrase != "" {
		creds.Passphrase = crypto.FromCiphertext(client.Passphrase, c.cfg.EncryptionKey)
	}

	opts := c.cfg.Worker
	opts.ClientID = client.ID
	opts.Credentials = creds
	opts.Sandbox = client.Sandbox || c.cfg.Testing
	if opts.Logger == nil {
		opts.Logger = c.cfg.Logger
	}
	if opts.Now == nil {
		opts.Now = c.cfg.Now
	}
	return c.workers.New(client.Exchange, opts)
}

// markSynced SYNCHRONIZING -> OK после первичной догрузки истории
func (c *Coordinator) markSynced(h *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client.State != models.ClientSynchronizing {
		return
	}
	if err := c.store.SetClientState(h.ctx, h.client.ID, models.ClientOK, ""); err != nil {
		c.log.Warn("client state not updated", utils.ClientID(h.client.ID), utils.Err(err))
		return
	}
	h.client.State = models.ClientOK
	c.publish(h.ctx, ports.ChannelClientUpdate, h.client.ID, h.client.ID)
}

// invalidate переводит клиента в INVALID и останавливает его. Срабатывает
// один раз на запущенного клиента, сколько бы путей ни сообщили об ошибке.
func (c *Coordinator) invalidate(h *handle, cause error) {
	h.invalidOnce.Do(func() {
		// контекст клиента может быть уже отменен, запись состояния не должна от него зависеть
		ctx := context.WithoutCancel(h.ctx)
		reason := cause.Error()
		if err := c.store.SetClientState(ctx, h.client.ID, models.ClientInvalid, reason); err != nil {
			c.log.Error("client state not updated", utils.ClientID(h.client.ID), utils.Err(err))
		}
		h.mu.Lock()
		h.client.State = models.ClientInvalid
		h.mu.Unlock()
		c.publish(ctx, ports.ChannelClientInvalid, h.client.ID, h.client.ID)
		c.log.Warn("client invalidated", utils.ClientID(h.client.ID), utils.Exchange(h.client.Exchange), utils.Err(cause))

		c.unregister(h)
		c.stop(h, false)
	})
}

// stop отменяет задачи клиента и закрывает воркер. Без wait не ждет задачи:
// stop может вызываться из самих задач клиента.
func (c *Coordinator) stop(h *handle, wait bool) {
	h.stopOnce.Do(func() {
		for _, id := range h.jobs {
			c.sched.Cancel(id)
		}
		if h.cancel != nil {
			h.cancel()
		}
		if h.syncer != nil {
			h.syncer.Stop()
		}
		finish := func() {
			h.wg.Wait()
			if err := h.worker.Cleanup(); err != nil {
				c.log.Debug("worker cleanup", utils.ClientID(h.client.ID), utils.Err(err))
			}
		}
		if wait {
			finish()
			return
		}
		go finish()
	})
}

// publish fire-and-forget: ошибка только логируется
func (c *Coordinator) publish(ctx context.Context, channel string, id, clientID int64) {
	if c.pub == nil {
		return
	}
	payload := ports.Payload{ID: id, ClientID: clientID, Time: c.cfg.Now().UTC()}
	if err := c.pub.Publish(ctx, channel, payload); err != nil {
		metrics.PublishFailures.WithLabelValues(channel).Inc()
		c.log.Warn("publish failed", utils.Channel(channel), utils.Err(err))
	}
}

func taskName(clientID int64, role string) string {
	return fmt.Sprintf("client:%d:%s", clientID, role)
}
