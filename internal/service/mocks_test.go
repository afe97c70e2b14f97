package service

import (
	"context"
	"sync"
	"time"

	"tradetracker/internal/exchange"
	"tradetracker/internal/models"
	"tradetracker/internal/ports"
	"tradetracker/internal/repository"
)

// ============ MockStore ============

// MockStore хранилище в памяти, реализующее ports.Persistence
type MockStore struct {
	mu       sync.Mutex
	nextID   int64
	clients  map[int64]*models.Client
	balances []models.Balance
	cursors  map[int64]models.SyncCursor
	events   map[int64]*models.Event

	saveBalanceErr error
}

func NewMockStore() *MockStore {
	return &MockStore{
		clients: make(map[int64]*models.Client),
		cursors: make(map[int64]models.SyncCursor),
		events:  make(map[int64]*models.Event),
	}
}

func (m *MockStore) SaveClient(ctx context.Context, c *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		for _, existing := range m.clients {
			if existing.Exchange == c.Exchange && existing.APIKey == c.APIKey && existing.Subaccount == c.Subaccount {
				return repository.ErrClientExists
			}
		}
		m.nextID++
		c.ID = m.nextID
	}
	cp := *c
	m.clients[c.ID] = &cp
	return nil
}

func (m *MockStore) LoadClient(ctx context.Context, id int64) (*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockStore) ListActiveClients(ctx context.Context) ([]*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Client
	for id := int64(1); id <= m.nextID; id++ {
		if c, ok := m.clients[id]; ok && c.IsActive() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockStore) SetClientState(ctx context.Context, id int64, state models.ClientState, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return ports.ErrNotFound
	}
	c.State = state
	c.StateReason = reason
	return nil
}

func (m *MockStore) SetRektOn(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return ports.ErrNotFound
	}
	if c.RektOn == nil {
		c.RektOn = &at
	}
	return nil
}

func (m *MockStore) SaveBalance(ctx context.Context, b *models.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveBalanceErr != nil {
		return m.saveBalanceErr
	}
	m.nextID++
	b.ID = m.nextID
	m.balances = append(m.balances, *b)
	return nil
}

func (m *MockStore) LoadLastBalance(ctx context.Context, clientID int64) (*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.balances) - 1; i >= 0; i-- {
		if b := m.balances[i]; b.ClientID == clientID && !b.IsErrored() {
			return &b, nil
		}
	}
	return nil, nil
}

func (m *MockStore) LastBalanceTime(ctx context.Context, clientID int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last time.Time
	for _, b := range m.balances {
		if b.ClientID == clientID && b.Time.After(last) {
			last = b.Time
		}
	}
	return last, nil
}

func (m *MockStore) LoadOpenTrades(ctx context.Context, clientID int64) ([]*models.Trade, error) {
	return nil, nil
}

func (m *MockStore) LoadCursor(ctx context.Context, clientID int64) (models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[clientID], nil
}

func (m *MockStore) ExecutionExists(ctx context.Context, clientID int64, dedupKey string) (bool, error) {
	return false, nil
}

func (m *MockStore) Begin(ctx context.Context) (ports.Batch, error) {
	return &mockBatch{store: m}, nil
}

func (m *MockStore) ListPendingEvents(ctx context.Context, after time.Time) ([]*models.Event, error) {
	return nil, nil
}

func (m *MockStore) MarkEventStage(ctx context.Context, eventID int64, stage models.EventStage) (bool, error) {
	return true, nil
}

func (m *MockStore) client(id int64) models.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.clients[id]
}

func (m *MockStore) balancesOf(clientID int64) []models.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Balance
	for _, b := range m.balances {
		if b.ClientID == clientID {
			out = append(out, b)
		}
	}
	return out
}

// mockBatch сдвигает только курсор: в этих тестах бирж без истории
type mockBatch struct {
	store  *MockStore
	cursor *models.SyncCursor
	client int64
}

func (b *mockBatch) SaveExecution(ctx context.Context, e *models.Execution) error { return nil }
func (b *mockBatch) SaveTransfer(ctx context.Context, t *models.Transfer) error   { return nil }
func (b *mockBatch) SavePnlData(ctx context.Context, p *models.PnlData) error     { return nil }
func (b *mockBatch) UpsertTrade(ctx context.Context, t *models.Trade) error       { return nil }

func (b *mockBatch) UpdateCursor(ctx context.Context, clientID int64, cursor models.SyncCursor) error {
	b.cursor, b.client = &cursor, clientID
	return nil
}

func (b *mockBatch) Commit() error {
	if b.cursor != nil {
		b.store.mu.Lock()
		b.store.cursors[b.client] = *b.cursor
		b.store.mu.Unlock()
	}
	return nil
}

func (b *mockBatch) Rollback() error { return nil }

// ============ MockWorker ============

// MockWorker воркер биржи без сети
type MockWorker struct {
	mu         sync.Mutex
	tag        string
	balance    float64
	balanceErr error
	polls      int
	subscribed bool
	keepAlive  time.Duration
	cleaned    bool
	onInvalid  func(error)
}

func NewMockWorker(tag string, balance float64) *MockWorker {
	return &MockWorker{tag: tag, balance: balance}
}

func (w *MockWorker) Tag() string { return w.tag }

func (w *MockWorker) GetBalance(ctx context.Context, now time.Time) (*models.Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.polls++
	if w.balanceErr != nil {
		err := w.balanceErr
		if exchange.IsPermanent(err) && w.onInvalid != nil {
			fn := w.onInvalid
			w.mu.Unlock()
			fn(err)
			w.mu.Lock()
		}
		return nil, err
	}
	return &models.Balance{Time: now, Realized: w.balance, Currency: "USDT"}, nil
}

func (w *MockWorker) Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(exchange.Record) error) error {
	return nil
}

func (w *MockWorker) SubscribeUserStream(ctx context.Context, onRecord func(exchange.Record)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribed = true
	return nil
}

func (w *MockWorker) Price(ctx context.Context, base, quote string, at time.Time) (float64, error) {
	return 1, nil
}

func (w *MockWorker) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, exchange.NewError(w.tag, exchange.KindInternal, "no mark")
}

func (w *MockWorker) KeepAliveInterval() time.Duration    { return w.keepAlive }
func (w *MockWorker) KeepAlive(ctx context.Context) error { return nil }

func (w *MockWorker) OnInvalid(fn func(error)) {
	w.mu.Lock()
	w.onInvalid = fn
	w.mu.Unlock()
}

func (w *MockWorker) Cleanup() error {
	w.mu.Lock()
	w.cleaned = true
	w.mu.Unlock()
	return nil
}

func (w *MockWorker) setBalance(v float64, err error) {
	w.mu.Lock()
	w.balance, w.balanceErr = v, err
	w.mu.Unlock()
}

func (w *MockWorker) isSubscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subscribed
}

func (w *MockWorker) isCleaned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cleaned
}

// ============ MockFactory ============

// MockFactory отдает заранее созданные воркеры по тегу
type MockFactory struct {
	registry *exchange.Registry
	workers  map[string]*MockWorker
	created  int
}

func NewMockFactory(workers ...*MockWorker) *MockFactory {
	f := &MockFactory{registry: exchange.DefaultRegistry(), workers: make(map[string]*MockWorker)}
	for _, w := range workers {
		f.workers[w.tag] = w
	}
	return f
}

func (f *MockFactory) Validate(tag, apiKey, secret, passphrase, subaccount string) error {
	return f.registry.Validate(tag, apiKey, secret, passphrase, subaccount)
}

func (f *MockFactory) New(tag string, opts exchange.Options) (exchange.Worker, error) {
	w, ok := f.workers[tag]
	if !ok {
		return nil, exchange.ErrUnknownExchange
	}
	f.created++
	return w, nil
}

// ============ MockPublisher ============

type published struct {
	channel string
	payload ports.Payload
}

type MockPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *MockPublisher) Publish(ctx context.Context, channel string, payload ports.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{channel: channel, payload: payload})
	return nil
}

func (p *MockPublisher) count(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs {
		if m.channel == channel {
			n++
		}
	}
	return n
}
