package exchange

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradetracker/internal/metrics"
	"tradetracker/internal/models"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/ratelimit"
	"tradetracker/pkg/retry"
	"tradetracker/pkg/utils"
)

// json кодек ответов бирж. Регистр ключей важен: у Binance в одном
// объекте встречаются "s" и "S", "t" и "T".
var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	CaseSensitive:          true,
}.Froze()

// DefaultHistory глубина первой синхронизации нового клиента
const DefaultHistory = 30 * 24 * time.Hour

// DefaultKeepAlive период продления listen-key
const DefaultKeepAlive = 50 * time.Minute

// Теги бирж
const (
	TagBinanceFutures = "binance-futures"
	TagBinanceSpot    = "binance-spot"
	TagBitmex         = "bitmex"
	TagBybitLinear    = "bybit-linear"
	TagBybitInverse   = "bybit-inverse"
	TagFTX            = "ftx"
	TagKucoinFutures  = "kucoin-futures"
	TagOKX            = "okx"
)

const maxResponseSize = 16 << 20

// restCall описание REST запроса
type restCall struct {
	Method   string
	Path     string
	Query    url.Values
	Body     interface{}
	Signed   bool
	Weight   int
	Endpoint string // метка для метрик, по умолчанию Path
}

// BaseWorker общая часть воркеров: REST клиент, лимитер, классификация ошибок,
// повторы, защелка недействительных ключей, дедупликация и websocket-сессия.
type BaseWorker struct {
	tag      string
	clientID int64
	creds    Credentials
	sandbox  bool
	restURL  string
	wsURL    string

	http       *HTTPClient
	limiter    *ratelimit.Limiter
	retryCfg   retry.Config
	sessionCfg SessionConfig
	keepAlive  time.Duration
	log        *utils.Logger
	now        func() time.Time

	currencies *valuation.Currencies
	quote      string
	dust       float64
	valuator   *valuation.Valuator

	// sign подписывает собранный запрос; checkBody распознает ошибку в теле
	// ответа (часть бирж отвечает 200 с кодом ошибки). Задаются адаптером.
	sign      func(req *http.Request, body []byte) error
	checkBody func(resp *http.Response, body []byte) *Error

	dedup *DedupSet

	invalid    atomic.Bool
	cbMu       sync.Mutex
	onInvalid  func(error)
	invalidErr error
	notified   bool

	sessMu  sync.Mutex
	session *Session
	closed  bool
}

func newBase(tag string, opts Options, restURL, wsURL string, buckets ...ratelimit.Bucket) *BaseWorker {
	if opts.RESTURL != "" {
		restURL = opts.RESTURL
	}
	if opts.WSURL != "" {
		wsURL = opts.WSURL
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = sharedHTTPClient()
	}
	retryCfg := retry.DefaultConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}
	log := opts.Logger
	if log == nil {
		log = utils.L()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	currencies := opts.Currencies
	if currencies == nil {
		currencies = valuation.DefaultCurrencies()
	}
	quote := opts.Quote
	if quote == "" {
		quote = "USDT"
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	dust := opts.Dust
	if dust <= 0 {
		dust = valuation.DefaultDust
	}

	return &BaseWorker{
		tag:        tag,
		clientID:   opts.ClientID,
		creds:      opts.Credentials,
		sandbox:    opts.Sandbox,
		restURL:    restURL,
		wsURL:      wsURL,
		http:       httpClient,
		limiter:    ratelimit.New(buckets...),
		retryCfg:   retryCfg,
		sessionCfg: opts.Session,
		keepAlive:  keepAlive,
		log:        log.WithComponent("worker").WithExchange(tag).WithClientID(opts.ClientID),
		now:        now,
		currencies: currencies,
		quote:      quote,
		dust:       dust,
		dedup:      NewDedupSet(0),
		sign:       func(*http.Request, []byte) error { return nil },
		checkBody:  func(*http.Response, []byte) *Error { return nil },
	}
}

// useTicker подключает оценку кошелька через цены самого воркера
func (b *BaseWorker) useTicker(t valuation.Ticker) {
	b.valuator = valuation.NewValuator(t, b.currencies, valuation.WithQuote(b.quote), valuation.WithDust(b.dust))
}

// Tag тег биржи
func (b *BaseWorker) Tag() string { return b.tag }

// KeepAliveInterval по умолчанию продление не требуется
func (b *BaseWorker) KeepAliveInterval() time.Duration { return 0 }

// KeepAlive по умолчанию ничего не делает
func (b *BaseWorker) KeepAlive(context.Context) error { return nil }

// Limiter лимитер REST запросов (тесты, метрики)
func (b *BaseWorker) Limiter() *ratelimit.Limiter { return b.limiter }

// OnInvalid регистрирует обработчик постоянной ошибки ключей.
// Если ошибка уже случилась, обработчик вызывается сразу. Вызов однократный.
func (b *BaseWorker) OnInvalid(fn func(error)) {
	b.cbMu.Lock()
	b.onInvalid = fn
	err := b.invalidErr
	fire := err != nil && !b.notified && fn != nil
	if fire {
		b.notified = true
	}
	b.cbMu.Unlock()

	if fire {
		fn(err)
	}
}

// IsInvalid отвергла ли биржа ключи
func (b *BaseWorker) IsInvalid() bool {
	return b.invalid.Load()
}

// invalidate защелкивает воркер: больше ни одного запроса
func (b *BaseWorker) invalidate(err error) {
	b.invalid.Store(true)

	b.cbMu.Lock()
	if b.invalidErr != nil {
		b.cbMu.Unlock()
		return
	}
	b.invalidErr = err
	fn := b.onInvalid
	fire := fn != nil
	if fire {
		b.notified = true
	}
	b.cbMu.Unlock()

	b.log.Error("exchange rejected credentials", utils.Err(err))
	b.closeSession()
	if fire {
		fn(err)
	}
}

func (b *BaseWorker) invalidError() error {
	return &Error{Exchange: b.tag, Kind: KindUserInput, Err: ErrWorkerInvalid}
}

// do выполняет REST запрос с лимитером и повторами временных ошибок
func (b *BaseWorker) do(ctx context.Context, c restCall, out interface{}) error {
	if b.invalid.Load() {
		return b.invalidError()
	}
	cfg := b.retryCfg
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		b.log.Warn("retrying exchange request",
			utils.String("endpoint", c.Path),
			utils.Attempt(attempt),
			utils.Err(err),
			utils.Int64("delay_ms", delay.Milliseconds()))
	}
	return retry.Do(ctx, func() error {
		if b.invalid.Load() {
			return b.invalidError()
		}
		return b.doOnce(ctx, &c, out)
	}, cfg)
}

func (b *BaseWorker) doOnce(ctx context.Context, c *restCall, out interface{}) error {
	if err := b.limiter.WaitN(ctx, c.Weight); err != nil {
		return err
	}

	var body []byte
	if c.Body != nil {
		var err error
		if body, err = json.Marshal(c.Body); err != nil {
			return &Error{Exchange: b.tag, Kind: KindInternal, Message: "encode request", Err: err}
		}
	}

	u := b.restURL + c.Path
	if len(c.Query) > 0 {
		u += "?" + c.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, u, bytes.NewReader(body))
	if err != nil {
		return &Error{Exchange: b.tag, Kind: KindInternal, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Signed {
		if err := b.sign(req, body); err != nil {
			return &Error{Exchange: b.tag, Kind: KindInternal, Message: "sign request", Err: err}
		}
	}

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = c.Path
	}
	start := time.Now()
	resp, err := b.http.Do(req)
	observeREST(b.tag, endpoint, start)
	if err != nil {
		return b.fail(transportError(b.tag, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return b.fail(transportError(b.tag, err))
	}

	if e := b.checkBody(resp, data); e != nil {
		if e.Status == 0 {
			e.Status = resp.StatusCode
		}
		if e.Kind == KindRateLimited && e.RetryAfter == 0 {
			e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return b.fail(e)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return b.fail(statusError(b.tag, resp, "", truncate(data, 256)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return b.fail(schemaError(b.tag, "decode "+endpoint, err))
	}
	return nil
}

// fail учитывает ошибку: метрика, опустошение лимитера на 429, защелка на 401/403
func (b *BaseWorker) fail(err error) error {
	e, ok := err.(*Error)
	if !ok {
		return err
	}
	metrics.RecordRESTError(b.tag, string(e.Kind))
	switch e.Kind {
	case KindRateLimited:
		b.limiter.Drain(e.RetryAfter)
	case KindUserInput:
		b.invalidate(e)
	}
	return e
}

// malformed запись ответа не совпала со схемой и пропускается
func (b *BaseWorker) malformed(record, id string, err error) {
	metrics.RecordRESTError(b.tag, string(KindSchemaMismatch))
	b.log.Warn("malformed record skipped",
		utils.String("record", record),
		utils.ExecID(id),
		utils.Err(err))
}

func observeREST(tag, endpoint string, start time.Time) {
	metrics.RecordREST(tag, endpoint, float64(time.Since(start).Microseconds())/1000)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// emit отдает запись синхронизации и запоминает ее ключ для потока
func (b *BaseWorker) emit(yield func(Record) error, r Record) error {
	b.dedup.Add(r.DedupKey())
	return yield(r)
}

// deliver передает запись из потока, если она еще не встречалась
func (b *BaseWorker) deliver(onRecord func(Record), r Record) {
	if b.dedup.Seen(r.DedupKey()) {
		metrics.DuplicatesSkipped.WithLabelValues(b.tag).Inc()
		b.log.Debug("duplicate stream record skipped", utils.String("key", r.DedupKey()))
		return
	}
	onRecord(r)
}

// openSession создает websocket-сессию и ждет первой аутентификации
func (b *BaseWorker) openSession(ctx context.Context, d Dialect, onFrame func([]byte), subs ...interface{}) error {
	if b.invalid.Load() {
		return b.invalidError()
	}

	b.sessMu.Lock()
	if b.closed {
		b.sessMu.Unlock()
		return ErrSessionClosed
	}
	if b.session != nil {
		b.session.Close()
	}
	s := NewSession(b.tag, b.clientID, d, b.sessionCfg, onFrame, b.log)
	b.session = s
	b.sessMu.Unlock()

	for _, sub := range subs {
		if err := s.Subscribe(sub); err != nil {
			return err
		}
	}
	if err := s.Open(ctx); err != nil {
		if IsPermanent(err) {
			b.invalidate(err)
		}
		return err
	}
	return nil
}

// Session текущая websocket-сессия (nil до SubscribeUserStream)
func (b *BaseWorker) Session() *Session {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	return b.session
}

func (b *BaseWorker) closeSession() {
	b.sessMu.Lock()
	s := b.session
	b.sessMu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Cleanup закрывает сессию
func (b *BaseWorker) Cleanup() error {
	b.sessMu.Lock()
	b.closed = true
	s := b.session
	b.sessMu.Unlock()
	if s != nil {
		return s.Close()
	}
	return nil
}

// syncRange окно синхронизации: от курсора (или DefaultHistory назад) до upto
func (b *BaseWorker) syncRange(cursor models.SyncCursor, upto time.Time) (time.Time, time.Time) {
	from := cursor.Min()
	if from.IsZero() {
		from = upto.Add(-DefaultHistory)
	}
	return from, upto
}

// inRange запись попадает в окно синхронизации
func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

// emitSorted сортирует записи по времени и отдает их по порядку
func (b *BaseWorker) emitSorted(records []Record, yield func(Record) error) error {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Time().Before(records[j].Time())
	})
	for _, r := range records {
		if err := b.emit(yield, r); err != nil {
			return err
		}
	}
	return nil
}

// dropSession рвет текущее соединение; сессия переподключится сама
func (b *BaseWorker) dropSession() {
	if s := b.Session(); s != nil {
		s.Drop()
	}
}

// valuate оценивает кошелек и собирает снимок баланса
func (b *BaseWorker) valuate(ctx context.Context, wallet map[string]float64, now time.Time) (*models.Balance, error) {
	res, err := b.valuator.Value(ctx, wallet, now)
	if err != nil {
		return nil, err
	}
	if len(res.NoPrice) > 0 {
		b.log.Debug("coins without market skipped", utils.Any("coins", res.NoPrice))
	}
	return &models.Balance{
		ClientID: b.clientID,
		Time:     now,
		Realized: res.Total,
		Currency: b.valuator.Quote(),
		Extra:    res.Extra,
	}, nil
}

// settleCommission переводит комиссию в валюту расчетов по цене на момент исполнения.
// Если цену получить не удалось, комиссия остается в своей монете.
func (b *BaseWorker) settleCommission(ctx context.Context, e *RawExecution) {
	if e.Commission == 0 || e.CommissionAsset == "" || e.Settle == "" {
		return
	}
	if b.currencies.Same(e.CommissionAsset, e.Settle) {
		return
	}
	v, err := b.valuator.Convert(ctx, e.Commission, e.CommissionAsset, e.Settle, e.Time)
	if err != nil {
		b.log.Warn("commission left in its own coin",
			utils.String("asset", e.CommissionAsset),
			utils.Symbol(e.Symbol),
			utils.Err(err))
		return
	}
	e.Commission = v
	e.CommissionAsset = e.Settle
}

// pf разбирает число из строки биржи; пустая строка и мусор дают 0
func pf(s string) float64 {
	return utils.MustParseFloat(s)
}

func ptr(v float64) *float64 { return &v }
