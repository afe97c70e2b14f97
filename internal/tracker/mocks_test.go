package tracker

import (
	"context"
	"sync"
	"time"

	"tradetracker/internal/exchange"
	"tradetracker/internal/models"
	"tradetracker/internal/ports"
	"tradetracker/internal/valuation"
)

// ============ memStore ============

// memStore хранилище в памяти: пачка применяется только на Commit
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	cursor    models.SyncCursor
	trades    map[int64]models.Trade
	execs     []models.Execution
	transfers []models.Transfer
	points    []models.PnlData

	failExecID  string // SaveExecution падает на исполнении с этим exec-id
	commitErr   error
	rollbackErr error
	commits     int
}

func newMemStore() *memStore {
	return &memStore{trades: make(map[int64]models.Trade)}
}

func (m *memStore) id() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

func (m *memStore) LoadCursor(ctx context.Context, clientID int64) (models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *memStore) ExecutionExists(ctx context.Context, clientID int64, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.DedupKey == dedupKey {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) LoadOpenTrades(ctx context.Context, clientID int64) ([]*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Trade
	for _, t := range m.trades {
		if t.IsOpen() {
			t := t
			out = append(out, &t)
		}
	}
	return out, nil
}

func (m *memStore) Begin(ctx context.Context) (ports.Batch, error) {
	return &memBatch{store: m}, nil
}

func (m *memStore) executions() []models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Execution(nil), m.execs...)
}

func (m *memStore) allTrades() []models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Trade, 0, len(m.trades))
	for id := int64(1); id <= m.nextID; id++ {
		if t, ok := m.trades[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (m *memStore) failOn(execID string) {
	m.mu.Lock()
	m.failExecID = execID
	m.mu.Unlock()
}

func (m *memStore) savedCursor() models.SyncCursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

func (m *memStore) pointsOf(tradeID int64) []models.PnlData {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PnlData
	for _, p := range m.points {
		if p.TradeID == tradeID {
			out = append(out, p)
		}
	}
	return out
}

type memBatch struct {
	store     *memStore
	trades    []models.Trade
	execs     []models.Execution
	transfers []models.Transfer
	points    []models.PnlData
	cursor    *models.SyncCursor
}

func (b *memBatch) SaveExecution(ctx context.Context, e *models.Execution) error {
	b.store.mu.Lock()
	fail := b.store.failExecID != "" && e.ExecID == b.store.failExecID
	b.store.mu.Unlock()
	if fail {
		return errDBDown
	}
	e.ID = b.store.id()
	b.execs = append(b.execs, *e)
	return nil
}

func (b *memBatch) SaveTransfer(ctx context.Context, t *models.Transfer) error {
	t.ID = b.store.id()
	b.transfers = append(b.transfers, *t)
	return nil
}

func (b *memBatch) SavePnlData(ctx context.Context, p *models.PnlData) error {
	p.ID = b.store.id()
	b.points = append(b.points, *p)
	return nil
}

func (b *memBatch) UpsertTrade(ctx context.Context, t *models.Trade) error {
	if t.ID == 0 {
		t.ID = b.store.id()
	}
	b.trades = append(b.trades, *t)
	return nil
}

func (b *memBatch) UpdateCursor(ctx context.Context, clientID int64, cursor models.SyncCursor) error {
	b.cursor = &cursor
	return nil
}

func (b *memBatch) Commit() error {
	m := b.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	for _, t := range b.trades {
		m.trades[t.ID] = t
	}
	m.execs = append(m.execs, b.execs...)
	m.transfers = append(m.transfers, b.transfers...)
	m.points = append(m.points, b.points...)
	if b.cursor != nil {
		m.cursor = *b.cursor
	}
	m.commits++
	return nil
}

func (b *memBatch) Rollback() error { return b.store.rollbackErr }

// ============ fakeSource ============

// fakeSource отдает историю как воркер: записи не раньше курсора по возрастанию
type fakeSource struct {
	mu       sync.Mutex
	records  []exchange.Record
	marks    map[string]float64
	syncErr  error
	onRecord func(exchange.Record)
	onMark   func(symbol string)
	subbed   chan struct{}
}

func newFakeSource(records ...exchange.Record) *fakeSource {
	return &fakeSource{records: records, marks: map[string]float64{}, subbed: make(chan struct{})}
}

func (f *fakeSource) Tag() string { return exchange.TagBybitLinear }

func (f *fakeSource) add(records ...exchange.Record) {
	f.mu.Lock()
	f.records = append(f.records, records...)
	f.mu.Unlock()
}

func (f *fakeSource) Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(exchange.Record) error) error {
	f.mu.Lock()
	records := append([]exchange.Record(nil), f.records...)
	err := f.syncErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	from := cursor.Min()
	for _, r := range records {
		if r.Time().Before(from) || r.Time().After(upto) {
			continue
		}
		if err := yield(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) SubscribeUserStream(ctx context.Context, onRecord func(exchange.Record)) error {
	f.mu.Lock()
	f.onRecord = onRecord
	f.mu.Unlock()
	close(f.subbed)
	return nil
}

// push доставляет запись так, как ее доставила бы сессия
func (f *fakeSource) push(r exchange.Record) {
	f.mu.Lock()
	fn := f.onRecord
	f.mu.Unlock()
	fn(r)
}

func (f *fakeSource) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if f.onMark != nil {
		f.onMark(symbol)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.marks[symbol]
	if !ok {
		return 0, valuation.ErrNoPrice
	}
	return p, nil
}

// ============ recorder ============

type published struct {
	channel string
	payload ports.Payload
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(ctx context.Context, channel string, payload ports.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{channel: channel, payload: payload})
	return nil
}

func (r *recorder) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.channel == channel {
			n++
		}
	}
	return n
}

func (r *recorder) ids(channel string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, m := range r.msgs {
		if m.channel == channel {
			out = append(out, m.payload.ID)
		}
	}
	return out
}
