// Package tracker ядро синхронизации клиента: догрузка истории исполнений
// по курсору, живой поток исполнений, агрегация в сделки и публикация событий.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradetracker/internal/exchange"
	"tradetracker/internal/metrics"
	"tradetracker/internal/models"
	"tradetracker/internal/ports"
	"tradetracker/pkg/retry"
	"tradetracker/pkg/utils"
)

// Источники записей для метрик
const (
	sourceREST = "rest"
	sourceWS   = "ws"
)

const (
	defaultBatchSize   = 100
	defaultLiveBuffer  = 256
	defaultResyncDelay = 30 * time.Second
)

// Source часть воркера биржи, нужная синхронизации
type Source interface {
	Tag() string
	Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(exchange.Record) error) error
	SubscribeUserStream(ctx context.Context, onRecord func(exchange.Record)) error
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// Store часть хранилища, нужная синхронизации
type Store interface {
	ports.SyncStore
	ports.TradeStore
}

// Converter переводит сумму между валютами (valuation.Valuator.Convert)
type Converter func(ctx context.Context, amount float64, from, to string, at time.Time) (float64, error)

// Config параметры синхронизации одного клиента
type Config struct {
	ClientID int64

	// Hedge ключует сделки парой (символ, сторона позиции)
	Hedge bool

	// BatchSize записей истории в одной транзакции
	BatchSize int

	// Retry повторы догрузки истории; после исчерпания публикуется client:error
	Retry retry.Config

	// ResyncDelay пауза перед догрузкой истории после сбоя записи живого исполнения
	ResyncDelay time.Duration

	// OnCaughtUp вызывается один раз, когда первичная догрузка истории завершена
	OnCaughtUp func()

	Logger *utils.Logger
	Now    func() time.Time
}

type publication struct {
	channel string
	id      int64
	at      time.Time
}

// Syncer цикл синхронизации одного клиента. История и живой поток проходят
// через один и тот же путь записи, сериализованный мьютексом, так что повтор
// записи после переподключения не создает второго исполнения.
type Syncer struct {
	cfg    Config
	source Source
	store  Store
	pub    ports.Publisher
	log    *utils.Logger

	mu        sync.Mutex
	cursor    models.SyncCursor
	agg       *Aggregator
	loaded    bool
	hedgeWarn bool

	// resyncFrom время самой ранней живой записи, которую не удалось сохранить.
	// Пока отметка стоит, догрузка начинается не позже нее.
	resyncFrom time.Time
	gaps       int

	live chan exchange.Record
	done chan struct{}
	stop sync.Once
}

// NewSyncer создает цикл синхронизации клиента
func NewSyncer(cfg Config, source Source, store Store, pub ports.Publisher) *Syncer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ResyncDelay <= 0 {
		cfg.ResyncDelay = defaultResyncDelay
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.SyncConfig(5)
	}
	if cfg.Retry.RetryIf == nil {
		cfg.Retry.RetryIf = shouldRetry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = utils.L()
	}
	return &Syncer{
		cfg:    cfg,
		source: source,
		store:  store,
		pub:    pub,
		log:    log.WithComponent("tracker").WithExchange(source.Tag()).WithClientID(cfg.ClientID),
		live:   make(chan exchange.Record, defaultLiveBuffer),
		done:   make(chan struct{}),
	}
}

// shouldRetry все, кроме ошибок ключей и отмены контекста
func shouldRetry(err error) bool {
	if exchange.IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Run догружает историю, подписывается на поток исполнений и обрабатывает его
// до отмены ctx или Stop
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	if err := s.CatchUp(ctx); err != nil {
		return err
	}
	if s.cfg.OnCaughtUp != nil {
		s.cfg.OnCaughtUp()
	}
	if err := s.source.SubscribeUserStream(ctx, s.enqueue); err != nil {
		return fmt.Errorf("subscribe user stream: %w", err)
	}
	s.log.Info("user stream subscribed")

	var resync <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case r := <-s.live:
			if err := s.ingestLive(ctx, r); err != nil {
				s.markGap(r.Time())
				s.log.Error("live record not persisted, scheduling resync",
					utils.String("key", r.DedupKey()), utils.Err(err))
				if resync == nil {
					resync = time.After(s.cfg.ResyncDelay)
				}
			}
		case <-resync:
			resync = nil
			if err := s.CatchUp(ctx); err != nil {
				if exchange.IsPermanent(err) {
					return err
				}
				resync = time.After(s.cfg.ResyncDelay)
			}
		}
	}
}

// Stop завершает Run
func (s *Syncer) Stop() {
	s.stop.Do(func() { close(s.done) })
}

// Load читает курсор и открытые сделки клиента
func (s *Syncer) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload(ctx)
}

func (s *Syncer) reload(ctx context.Context) error {
	cursor, err := s.store.LoadCursor(ctx, s.cfg.ClientID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	trades, err := s.store.LoadOpenTrades(ctx, s.cfg.ClientID)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	s.cursor = cursor
	s.agg = NewAggregator(s.cfg.ClientID, s.cfg.Hedge, trades)
	s.loaded = true
	return nil
}

// Cursor текущий сохраненный курсор
func (s *Syncer) Cursor() models.SyncCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// OpenTrades копии открытых сделок
func (s *Syncer) OpenTrades() []models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agg == nil {
		return nil
	}
	open := s.agg.OpenTrades()
	out := make([]models.Trade, 0, len(open))
	for _, t := range open {
		out = append(out, *t)
	}
	return out
}

// CatchUp догружает историю от курсора до текущего момента с повторами.
// Когда повторы исчерпаны, публикуется client:error.
func (s *Syncer) CatchUp(ctx context.Context) error {
	cfg := s.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.log.Warn("sync failed, retrying", utils.Attempt(attempt), utils.Err(err),
			utils.String("delay", utils.FormatDuration(delay)))
	}
	err := retry.Do(ctx, func() error { return s.syncOnce(ctx) }, cfg)
	if err == nil {
		return nil
	}
	if !exchange.IsPermanent(err) && ctx.Err() == nil {
		s.log.Error("sync retries exhausted", utils.Err(err))
		s.publish(ctx, publication{channel: ports.ChannelClientError, id: s.cfg.ClientID, at: s.cfg.Now()})
	}
	return err
}

func (s *Syncer) syncOnce(ctx context.Context) error {
	if !s.isLoaded() {
		if err := s.Load(ctx); err != nil {
			return err
		}
	}
	upto := s.cfg.Now()
	pending := make([]exchange.Record, 0, s.cfg.BatchSize)
	yield := func(r exchange.Record) error {
		pending = append(pending, r)
		if len(pending) < s.cfg.BatchSize {
			return nil
		}
		err := s.flush(ctx, pending, sourceREST)
		pending = pending[:0]
		return err
	}
	cursor, seen := s.syncCursor()
	if err := s.source.Synchronize(ctx, cursor, upto, yield); err != nil {
		return err
	}
	if len(pending) > 0 {
		if err := s.flush(ctx, pending, sourceREST); err != nil {
			return err
		}
	}
	s.closeGap(seen)
	return nil
}

// markGap запоминает время несохраненной живой записи
func (s *Syncer) markGap(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resyncFrom.IsZero() || at.Before(s.resyncFrom) {
		s.resyncFrom = at
	}
	s.gaps++
}

// syncCursor курсор для догрузки: обе отметки опущены до resyncFrom.
// Живая запись, сохраненная после сбоя, сдвигает курсор вперед, и без этого
// пропущенная запись осталась бы за ним.
func (s *Syncer) syncCursor() (models.SyncCursor, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, gap := s.cursor, s.resyncFrom
	if !gap.IsZero() {
		if gap.Before(c.LastExecution) {
			c.LastExecution = gap
		}
		if gap.Before(c.LastTransfer) {
			c.LastTransfer = gap
		}
	}
	return c, s.gaps
}

// closeGap снимает отметку, если за время догрузки не было новых сбоев
func (s *Syncer) closeGap(seen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gaps == seen {
		s.resyncFrom = time.Time{}
	}
}

func (s *Syncer) isLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// enqueue вызывается сессией воркера; блокируется, пока буфер полон
func (s *Syncer) enqueue(r exchange.Record) {
	select {
	case s.live <- r:
	case <-s.done:
	}
}

// ingestLive записывает исполнение из потока отдельной пачкой с повторами
func (s *Syncer) ingestLive(ctx context.Context, r exchange.Record) error {
	cfg := s.cfg.Retry
	cfg.MaxRetries = 3
	return retry.Do(ctx, func() error {
		return s.flush(ctx, []exchange.Record{r}, sourceWS)
	}, cfg)
}

// flush пишет пачку в одной транзакции вместе с курсором. При любой ошибке
// транзакция откатывается, а состояние в памяти перечитывается из хранилища.
func (s *Syncer) flush(ctx context.Context, records []exchange.Record, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.reload(ctx); err != nil {
			return err
		}
	}

	batch, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}

	cursor := s.cursor
	seen := make(map[string]struct{}, len(records))
	var pubs []publication
	written := 0

	fail := func(err error) error {
		if rbErr := batch.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", utils.Err(rbErr))
		}
		if reloadErr := s.reload(ctx); reloadErr != nil {
			s.log.Error("reload after failed batch", utils.Err(reloadErr))
			s.loaded = false
		}
		return err
	}

	for _, r := range records {
		key := r.DedupKey()
		if _, dup := seen[key]; dup {
			metrics.DuplicatesSkipped.WithLabelValues(s.source.Tag()).Inc()
			continue
		}
		seen[key] = struct{}{}

		fresh, err := s.isFresh(ctx, cursor, r, key)
		if err != nil {
			return fail(err)
		}
		if !fresh {
			metrics.DuplicatesSkipped.WithLabelValues(s.source.Tag()).Inc()
			continue
		}

		out, err := s.ingest(ctx, batch, r)
		if err != nil {
			return fail(fmt.Errorf("ingest %s: %w", key, err))
		}
		pubs = append(pubs, out...)
		cursor.Advance(r.IsTransfer(), r.Time())
		written++
	}

	if written > 0 {
		if err := batch.UpdateCursor(ctx, s.cfg.ClientID, cursor); err != nil {
			return fail(fmt.Errorf("update cursor: %w", err))
		}
	}
	if err := batch.Commit(); err != nil {
		return fail(fmt.Errorf("commit batch: %w", err))
	}
	s.cursor = cursor

	for i := 0; i < written; i++ {
		metrics.RecordIngested(s.source.Tag(), source)
	}
	s.publishAll(ctx, pubs)
	return nil
}

// isFresh новая ли запись. Все, что не новее курсора, сверяется с хранилищем:
// совпадение по ключу дедупликации означает повтор. Запись с тем же временем,
// что и курсор, но с другим ключом, пишется (несколько сделок в одну миллисекунду).
func (s *Syncer) isFresh(ctx context.Context, cursor models.SyncCursor, r exchange.Record, key string) (bool, error) {
	mark := cursor.Of(r.IsTransfer())
	if r.Time().After(mark) {
		return true, nil
	}
	exists, err := s.store.ExecutionExists(ctx, s.cfg.ClientID, key)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return false, nil
	}
	if r.Time().Before(mark) {
		s.log.Warn("late record behind cursor", utils.String("key", key),
			utils.String("time", r.Time().UTC().Format(time.RFC3339Nano)))
	}
	return true, nil
}

// ingest записывает одну запись внутри пачки и возвращает публикации
func (s *Syncer) ingest(ctx context.Context, batch ports.Batch, r exchange.Record) ([]publication, error) {
	exec := r.ToExecution(s.cfg.ClientID)

	if r.IsTransfer() {
		if err := batch.SaveExecution(ctx, exec); err != nil {
			return nil, err
		}
		tr := r.ToTransfer(s.cfg.ClientID)
		tr.ExecutionID = exec.ID
		if err := batch.SaveTransfer(ctx, tr); err != nil {
			return nil, err
		}
		return []publication{{channel: ports.ChannelExecutionNew, id: exec.ID, at: exec.Time}}, nil
	}

	s.warnHedge(exec)
	steps := s.agg.Apply(exec)
	if len(steps) == 0 {
		s.log.Debug("funding without open trade dropped", utils.Symbol(exec.Symbol), utils.ExecID(exec.ExecID))
		return nil, nil
	}

	var pubs []publication
	for _, st := range steps {
		if err := batch.UpsertTrade(ctx, st.Trade); err != nil {
			return nil, err
		}
		tradeID := st.Trade.ID
		st.Exec.TradeID = &tradeID
		if err := batch.SaveExecution(ctx, st.Exec); err != nil {
			return nil, err
		}
		st.Point.TradeID = tradeID
		if err := batch.SavePnlData(ctx, &st.Point); err != nil {
			return nil, err
		}

		pubs = append(pubs, publication{channel: ports.ChannelExecutionNew, id: st.Exec.ID, at: st.Exec.Time})
		switch {
		case st.Opened:
			pubs = append(pubs, publication{channel: ports.ChannelTradeNew, id: tradeID, at: st.Exec.Time})
		case st.Finished:
			pubs = append(pubs, publication{channel: ports.ChannelTradeFinished, id: tradeID, at: st.Exec.Time})
			metrics.RecordTradeFinished(s.source.Tag(), string(st.Trade.Status))
			s.log.Info("trade finished", utils.TradeID(tradeID), utils.Symbol(st.Trade.Symbol),
				utils.PNL(st.Trade.NetPnl()), utils.State(string(st.Trade.Status)))
		default:
			pubs = append(pubs, publication{channel: ports.ChannelTradeUpdate, id: tradeID, at: st.Exec.Time})
		}
	}
	return pubs, nil
}

// warnHedge один раз предупреждает, что hedge-ноги сливаются в одну сделку
func (s *Syncer) warnHedge(e *models.Execution) {
	if s.cfg.Hedge || s.hedgeWarn {
		return
	}
	if e.PositionSide == "LONG" || e.PositionSide == "SHORT" {
		s.hedgeWarn = true
		s.log.Warn("hedge-mode execution merged into symbol trade; enable HEDGE_MODE to split legs",
			utils.Symbol(e.Symbol), utils.String("position_side", e.PositionSide))
	}
}

// RefreshUnrealized пересчитывает нереализованный PnL открытых сделок по
// mark-цене биржи. Сделки без цены пропускаются. Цены запрашиваются до захвата
// мьютекса, чтобы запись живого потока не ждала сетевых вызовов.
func (s *Syncer) RefreshUnrealized(ctx context.Context) error {
	symbols := s.openSymbols()
	if len(symbols) == 0 {
		return nil
	}
	marks := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		mark, err := s.source.MarkPrice(ctx, symbol)
		if err != nil {
			s.log.Warn("mark price unavailable", utils.Symbol(symbol), utils.Err(err))
			continue
		}
		marks[symbol] = mark
	}
	if len(marks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil
	}

	now := s.cfg.Now()
	batch, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	fail := func(err error) error {
		if rbErr := batch.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", utils.Err(rbErr))
		}
		if reloadErr := s.reload(ctx); reloadErr != nil {
			s.log.Error("reload after failed batch", utils.Err(reloadErr))
			s.loaded = false
		}
		return err
	}

	var pubs []publication
	for _, t := range s.agg.OpenTrades() {
		mark, ok := marks[t.Symbol]
		if !ok {
			continue
		}
		point := Remark(t, mark, now)
		if err := batch.UpsertTrade(ctx, t); err != nil {
			return fail(fmt.Errorf("save unrealized: %w", err))
		}
		if err := batch.SavePnlData(ctx, &point); err != nil {
			return fail(fmt.Errorf("save unrealized: %w", err))
		}
		pubs = append(pubs, publication{channel: ports.ChannelTradeUpdate, id: t.ID, at: now})
	}
	if err := batch.Commit(); err != nil {
		return fail(fmt.Errorf("commit unrealized: %w", err))
	}
	s.publishAll(ctx, pubs)
	return nil
}

// openSymbols символы открытых сделок без повторов
func (s *Syncer) openSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range s.agg.OpenTrades() {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			out = append(out, t.Symbol)
		}
	}
	return out
}

// Unrealized сумма нереализованного PnL открытых сделок в валюте quote.
// Сделки, для которых нет курса, не учитываются.
func (s *Syncer) Unrealized(ctx context.Context, quote string, convert Converter) float64 {
	var total float64
	now := s.cfg.Now()
	for _, t := range s.OpenTrades() {
		v := t.Unrealized
		if convert != nil && t.Settle != "" {
			conv, err := convert(ctx, v, t.Settle, quote, now)
			if err != nil {
				s.log.Warn("unrealized not converted", utils.Symbol(t.Symbol), utils.Err(err))
				continue
			}
			v = conv
		}
		total += v
	}
	return total
}

func (s *Syncer) publishAll(ctx context.Context, pubs []publication) {
	for _, p := range pubs {
		s.publish(ctx, p)
	}
}

// publish fire-and-forget: ошибка только логируется
func (s *Syncer) publish(ctx context.Context, p publication) {
	if s.pub == nil {
		return
	}
	payload := ports.Payload{ID: p.id, ClientID: s.cfg.ClientID, Time: p.at}
	if err := s.pub.Publish(ctx, p.channel, payload); err != nil {
		metrics.PublishFailures.WithLabelValues(p.channel).Inc()
		s.log.Warn("publish failed", utils.Channel(p.channel), utils.Err(err))
	}
}
