package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"tradetracker/internal/models"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/ratelimit"
	"tradetracker/pkg/utils"
)

const (
	kucoinREST        = "https://api-futures.kucoin.com"
	kucoinSandboxREST = "https://api-sandbox-futures.kucoin.com"

	kucoinOK       = "200000"
	kucoinWindow   = 7 * 24 * time.Hour
	kucoinPageSize = "100"
	kucoinPing     = 18 * time.Second
)

// KucoinFutures воркер фьючерсов KuCoin. Адрес websocket выдается
// вместе с токеном через bullet-private и меняется при каждом подключении.
type KucoinFutures struct {
	*BaseWorker

	contractsMu sync.RWMutex
	contracts   map[string]kucoinContract
}

type kucoinContract struct {
	Symbol         string  `json:"symbol"`
	Multiplier     float64 `json:"multiplier"`
	IsInverse      bool    `json:"isInverse"`
	SettleCurrency string  `json:"settleCurrency"`
}

// NewKucoinFutures создает воркер kucoin-futures
func NewKucoinFutures(opts Options) (Worker, error) {
	if opts.Credentials.Passphrase == nil {
		return nil, &Error{Exchange: TagKucoinFutures, Kind: KindUserInput, Err: ErrMissingPassphrase}
	}
	if opts.Session.PingInterval <= 0 {
		opts.Session.PingInterval = kucoinPing
	}
	rest := kucoinREST
	if opts.Sandbox {
		rest = kucoinSandboxREST
	}
	b := newBase(TagKucoinFutures, opts, rest, "",
		ratelimit.Bucket{Interval: 3 * time.Second, Max: 30, Weight: 1})
	w := &KucoinFutures{BaseWorker: b, contracts: make(map[string]kucoinContract)}
	b.sign = w.signRequest
	b.checkBody = kucoinCheck
	b.useTicker(w)
	return w, nil
}

func (w *KucoinFutures) signRequest(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(w.now().UnixMilli(), 10)
	sig, err := kucoinSignature(w.creds.Secret, ts, req.Method, req.URL.RequestURI(), string(body))
	if err != nil {
		return err
	}
	pass, err := kucoinPassphrase(w.creds.Secret, w.creds.Passphrase)
	if err != nil {
		return err
	}
	req.Header.Set("KC-API-KEY", w.creds.APIKey)
	req.Header.Set("KC-API-SIGN", sig)
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-PASSPHRASE", pass)
	req.Header.Set("KC-API-KEY-VERSION", "2")
	return nil
}

// kucoinKind класс ошибки по коду KuCoin
func kucoinKind(code string) Kind {
	switch code {
	case "400001", "400003", "400004", "400005", "400006", "400007", "411100":
		return KindUserInput
	case "429000", "1015":
		return KindRateLimited
	case "400002", "500000":
		return KindUnavailable
	}
	return KindInternal
}

type kucoinEnvelope struct {
	Code string              `json:"code"`
	Msg  string              `json:"msg"`
	Data jsoniter.RawMessage `json:"data"`
}

func kucoinCheck(resp *http.Response, body []byte) *Error {
	var env kucoinEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Code == "" || env.Code == kucoinOK {
		return nil
	}
	kind := kucoinKind(env.Code)
	if kind == KindInternal && resp.StatusCode >= 400 {
		kind = Classify(resp.StatusCode)
	}
	return &Error{Exchange: TagKucoinFutures, Kind: kind, Status: resp.StatusCode, Code: env.Code, Message: env.Msg}
}

func (w *KucoinFutures) call(ctx context.Context, method, path string, q url.Values, signed bool, out interface{}) error {
	var env kucoinEnvelope
	if err := w.do(ctx, restCall{Method: method, Path: path, Query: q, Signed: signed}, &env); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return schemaError(w.tag, "decode "+path, err)
	}
	return nil
}

// GetBalance остатки маржинальных счетов в USDT и XBT
func (w *KucoinFutures) GetBalance(ctx context.Context, now time.Time) (*models.Balance, error) {
	wallet := make(map[string]float64)
	for _, cur := range []string{"USDT", "XBT"} {
		var acc struct {
			Currency      string  `json:"currency"`
			MarginBalance float64 `json:"marginBalance"`
		}
		if err := w.call(ctx, http.MethodGet, "/api/v1/account-overview", url.Values{"currency": {cur}}, true, &acc); err != nil {
			return nil, err
		}
		if acc.MarginBalance != 0 {
			wallet[cur] += acc.MarginBalance
		}
	}
	return w.valuate(ctx, wallet, now)
}

// contract параметры контракта, кэшируются на время жизни воркера
func (w *KucoinFutures) contract(ctx context.Context, symbol string) (kucoinContract, error) {
	w.contractsMu.RLock()
	c, ok := w.contracts[symbol]
	w.contractsMu.RUnlock()
	if ok {
		return c, nil
	}
	if err := w.call(ctx, http.MethodGet, "/api/v1/contracts/"+symbol, nil, false, &c); err != nil {
		return c, err
	}
	w.contractsMu.Lock()
	w.contracts[symbol] = c
	w.contractsMu.Unlock()
	return c, nil
}

type kucoinFill struct {
	Symbol         string  `json:"symbol"`
	TradeID        string  `json:"tradeId"`
	Side           string  `json:"side"`
	Price          string  `json:"price"`
	Size           float64 `json:"size"`
	Fee            string  `json:"fee"`
	FeeCurrency    string  `json:"feeCurrency"`
	SettleCurrency string  `json:"settleCurrency"`
	TradeTime      int64   `json:"tradeTime"`
	OrderType      string  `json:"orderType"`
	TradeType      string  `json:"tradeType"`
}

type kucoinLedger struct {
	Time     int64   `json:"time"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	Fee      float64 `json:"fee"`
	Status   string  `json:"status"`
	Offset   int64   `json:"offset"`
	Currency string  `json:"currency"`
}

// Synchronize fills постранично окнами по 7 дней и переводы из transaction-history
func (w *KucoinFutures) Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(Record) error) error {
	from, to := w.syncRange(cursor, upto)

	var records []Record
	for _, win := range utils.SplitRange(from, to, kucoinWindow) {
		for page := 1; ; page++ {
			var res struct {
				CurrentPage int          `json:"currentPage"`
				TotalPage   int          `json:"totalPage"`
				Items       []kucoinFill `json:"items"`
			}
			q := url.Values{
				"startAt":     {strconv.FormatInt(win.Start.UnixMilli(), 10)},
				"endAt":       {strconv.FormatInt(win.End.UnixMilli(), 10)},
				"currentPage": {strconv.Itoa(page)},
				"pageSize":    {kucoinPageSize},
			}
			if err := w.call(ctx, http.MethodGet, "/api/v1/fills", q, true, &res); err != nil {
				return err
			}
			for _, f := range res.Items {
				e, err := w.fill(ctx, f)
				if err != nil {
					return err
				}
				if e != nil && inRange(e.Time, from, to) {
					records = append(records, ExecRecord(e))
				}
			}
			if page >= res.TotalPage || len(res.Items) == 0 {
				break
			}
		}
	}

	for _, cur := range []string{"USDT", "XBT"} {
		var offset int64
		for {
			var res struct {
				HasMore  bool           `json:"hasMore"`
				DataList []kucoinLedger `json:"dataList"`
			}
			q := url.Values{
				"startAt":  {strconv.FormatInt(from.UnixMilli(), 10)},
				"endAt":    {strconv.FormatInt(to.UnixMilli(), 10)},
				"currency": {cur},
				"forward":  {"true"},
				"maxCount": {"50"},
			}
			if offset > 0 {
				q.Set("offset", strconv.FormatInt(offset, 10))
			}
			if err := w.call(ctx, http.MethodGet, "/api/v1/transaction-history", q, true, &res); err != nil {
				return err
			}
			for _, l := range res.DataList {
				if t, ok := kucoinTransfer(l); ok && inRange(t.Time, from, to) {
					records = append(records, TransferRecord(t))
				}
				offset = l.Offset
			}
			if !res.HasMore || len(res.DataList) == 0 {
				break
			}
		}
	}

	return w.emitSorted(records, yield)
}

func kucoinTransfer(l kucoinLedger) (*RawTransfer, bool) {
	switch l.Type {
	case "Deposit", "TransferIn":
	case "Withdrawal", "TransferOut":
		l.Amount = -utils.Abs(l.Amount)
	default:
		return nil, false
	}
	if l.Status != "" && l.Status != "Completed" {
		return nil, false
	}
	return &RawTransfer{
		ExternalID: "ledger:" + strconv.FormatInt(l.Offset, 10),
		Time:       utils.FromUnixMillis(l.Time),
		Coin:       l.Currency,
		Amount:     l.Amount,
		Fee:        l.Fee,
	}, true
}

// fill исполнение из fills; размер в лотах переводится через множитель контракта
func (w *KucoinFutures) fill(ctx context.Context, f kucoinFill) (*RawExecution, error) {
	side, ok := parseSide(f.Side)
	if !ok || f.TradeID == "" {
		w.malformed("fill", f.TradeID, fmt.Errorf("side %q", f.Side))
		return nil, nil
	}
	c, err := w.contract(ctx, f.Symbol)
	if err != nil {
		return nil, err
	}
	settle := f.SettleCurrency
	if settle == "" {
		settle = c.SettleCurrency
	}
	typ := models.ExecTrade
	if f.TradeType == "liquid" || f.TradeType == "adl" {
		typ = models.ExecLiquidation
	}
	e := &RawExecution{
		ExecID:          f.TradeID,
		Time:            utils.FromUnixNanos(f.TradeTime),
		Symbol:          f.Symbol,
		Side:            side,
		Price:           pf(f.Price),
		Qty:             utils.Abs(f.Size * c.Multiplier),
		Commission:      pf(f.Fee),
		CommissionAsset: f.FeeCurrency,
		Type:            typ,
		Settle:          settle,
		Inverse:         c.IsInverse,
	}
	w.settleCommission(ctx, e)
	return e, nil
}

type kucoinBullet struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		PingInterval int64  `json:"pingInterval"`
	} `json:"instanceServers"`
}

// streamURL получает токен приватного канала
func (w *KucoinFutures) streamURL(ctx context.Context) (string, error) {
	var bullet kucoinBullet
	if err := w.call(ctx, http.MethodPost, "/api/v1/bullet-private", nil, true, &bullet); err != nil {
		return "", err
	}
	if bullet.Token == "" || len(bullet.InstanceServers) == 0 {
		return "", schemaError(w.tag, "bullet-private without servers", nil)
	}
	return bullet.InstanceServers[0].Endpoint + "?token=" + url.QueryEscape(bullet.Token) +
		"&connectId=" + uuid.NewString(), nil
}

type kucoinFrame struct {
	ID      string              `json:"id"`
	Type    string              `json:"type"`
	Topic   string              `json:"topic"`
	Subject string              `json:"subject"`
	Code    jsoniter.Number     `json:"code"`
	Data    jsoniter.RawMessage `json:"data"`
}

// SubscribeUserStream /contractMarket/tradeOrders; LIVE после кадра welcome
func (w *KucoinFutures) SubscribeUserStream(ctx context.Context, onRecord func(Record)) error {
	d := Dialect{
		URL: w.streamURL,
		IsAuthAck: func(msg []byte) (bool, error) {
			var f kucoinFrame
			if err := json.Unmarshal(msg, &f); err != nil {
				return false, nil
			}
			if f.Type == "error" {
				return false, &Error{Exchange: w.tag, Kind: kucoinKind(f.Code.String()), Code: f.Code.String(), Message: string(f.Data)}
			}
			return f.Type == "welcome", nil
		},
		Ping: func() (int, []byte) {
			return textFrame, []byte(`{"id":"` + uuid.NewString() + `","type":"ping"}`)
		},
		IsPong: func(msg []byte) bool { return strings.Contains(string(msg), `"type":"pong"`) },
	}
	sub := map[string]interface{}{
		"id":             uuid.NewString(),
		"type":           "subscribe",
		"topic":          "/contractMarket/tradeOrders",
		"privateChannel": true,
		"response":       true,
	}
	return w.openSession(ctx, d, func(msg []byte) { w.handleFrame(msg, onRecord) }, sub)
}

type kucoinOrderChange struct {
	Symbol     string `json:"symbol"`
	Type       string `json:"type"`
	Side       string `json:"side"`
	MatchPrice string `json:"matchPrice"`
	MatchSize  string `json:"matchSize"`
	TradeID    string `json:"tradeId"`
	Ts         int64  `json:"ts"`
	OrderType  string `json:"orderType"`
	Liquidity  string `json:"liquidity"`
}

func (w *KucoinFutures) handleFrame(msg []byte, onRecord func(Record)) {
	var f kucoinFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		w.log.Warn("undecodable stream frame", utils.Err(err))
		return
	}
	if f.Type != "message" || f.Subject != "orderChange" {
		return
	}
	var oc kucoinOrderChange
	if err := json.Unmarshal(f.Data, &oc); err != nil {
		w.log.Warn("bad order change", utils.Err(err))
		return
	}
	if oc.Type != "match" {
		return
	}
	side, ok := parseSide(oc.Side)
	if !ok || oc.TradeID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := w.contract(ctx, oc.Symbol)
	if err != nil {
		w.log.Warn("contract lookup failed", utils.Symbol(oc.Symbol), utils.Err(err))
		return
	}
	// комиссии в потоке нет; она придет со следующей синхронизацией fills
	w.deliver(onRecord, ExecRecord(&RawExecution{
		ExecID:  oc.TradeID,
		Time:    utils.FromUnixNanos(oc.Ts),
		Symbol:  oc.Symbol,
		Side:    side,
		Price:   pf(oc.MatchPrice),
		Qty:     utils.Abs(pf(oc.MatchSize) * c.Multiplier),
		Type:    models.ExecTrade,
		Settle:  c.SettleCurrency,
		Inverse: c.IsInverse,
	}))
}

// kucoinSymbol бессрочный контракт пары: BTC/USDT -> XBTUSDTM
func (w *KucoinFutures) kucoinSymbol(base, quote string) string {
	base = w.currencies.Normalize(base)
	if base == "BTC" {
		base = "XBT"
	}
	quote = w.currencies.Normalize(quote)
	if quote == "BTC" {
		quote = "XBT"
	}
	return base + quote + "M"
}

func kucoinNoPrice(err error) error {
	if e, ok := err.(*Error); ok && (e.Code == "404" || e.Code == "100001" || e.Status == http.StatusNotFound) {
		return valuation.ErrNoPrice
	}
	return err
}

// Price последняя цена контракта или открытие минутной свечи в прошлом
func (w *KucoinFutures) Price(ctx context.Context, base, quote string, at time.Time) (float64, error) {
	symbol := w.kucoinSymbol(base, quote)
	if w.now().Sub(at) > 2*time.Minute {
		var candles [][]float64
		err := w.call(ctx, http.MethodGet, "/api/v1/kline/query", url.Values{
			"symbol":      {symbol},
			"granularity": {"1"},
			"from":        {strconv.FormatInt(at.UnixMilli(), 10)},
			"to":          {strconv.FormatInt(at.Add(time.Minute).UnixMilli(), 10)},
		}, false, &candles)
		if err != nil {
			return 0, kucoinNoPrice(err)
		}
		if len(candles) > 0 && len(candles[0]) > 1 {
			return candles[0][1], nil
		}
	}
	var t struct {
		Price string `json:"price"`
	}
	if err := w.call(ctx, http.MethodGet, "/api/v1/ticker", url.Values{"symbol": {symbol}}, false, &t); err != nil {
		return 0, kucoinNoPrice(err)
	}
	if t.Price == "" {
		return 0, valuation.ErrNoPrice
	}
	return pf(t.Price), nil
}

// MarkPrice текущая маркировочная цена
func (w *KucoinFutures) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var m struct {
		Value float64 `json:"value"`
	}
	if err := w.call(ctx, http.MethodGet, "/api/v1/mark-price/"+symbol+"/current", nil, false, &m); err != nil {
		return 0, err
	}
	return m.Value, nil
}
