package exchange

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradetracker/internal/models"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/ratelimit"
	"tradetracker/pkg/utils"
)

const (
	bybitREST          = "https://api.bybit.com"
	bybitTestnetREST   = "https://api-testnet.bybit.com"
	bybitWSInverse     = "wss://stream.bybit.com/realtime"
	bybitWSLinear      = "wss://stream.bybit.com/realtime_private"
	bybitTestnetInvWS  = "wss://stream-testnet.bybit.com/realtime"
	bybitTestnetLinWS  = "wss://stream-testnet.bybit.com/realtime_private"
	bybitRecvWindow    = "5000"
	bybitExecWindow    = 7 * 24 * time.Hour
	bybitTransferLimit = 50
	bybitPageLimit     = 200
	bybitMaxPages      = 50
	bybitDateLayout    = "2006-01-02"
)

// flexNum число, которое Bybit в одних ответах отдает строкой, в других числом
type flexNum float64

func (n *flexNum) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = flexNum(v)
	return nil
}

// Bybit воркер Bybit (v2 и USDT-perpetual API). Один тип на оба рынка:
// linear (расчеты в USDT) и inverse (расчеты в базовой монете).
type Bybit struct {
	*BaseWorker
	linear   bool
	pageSize int
}

// NewBybitLinear создает воркер bybit-linear
func NewBybitLinear(opts Options) (Worker, error) {
	return newBybit(TagBybitLinear, true, opts), nil
}

// NewBybitInverse создает воркер bybit-inverse
func NewBybitInverse(opts Options) (Worker, error) {
	return newBybit(TagBybitInverse, false, opts), nil
}

func newBybit(tag string, linear bool, opts Options) *Bybit {
	rest, ws := bybitREST, bybitWSInverse
	switch {
	case opts.Sandbox && linear:
		rest, ws = bybitTestnetREST, bybitTestnetLinWS
	case opts.Sandbox:
		rest, ws = bybitTestnetREST, bybitTestnetInvWS
	case linear:
		ws = bybitWSLinear
	}
	b := newBase(tag, opts, rest, ws,
		ratelimit.Bucket{Interval: 5 * time.Second, Max: 50, Weight: 1},
		ratelimit.Bucket{Interval: time.Minute, Max: 120, Weight: 1})
	w := &Bybit{BaseWorker: b, linear: linear, pageSize: bybitPageLimit}
	b.sign = w.signRequest
	b.checkBody = bybitCheck(tag)
	b.useTicker(w)
	return w
}

// signRequest добавляет api_key, timestamp и recv_window, подписывает
// отсортированную по ключам query-строку и дописывает sign последним
func (w *Bybit) signRequest(req *http.Request, _ []byte) error {
	q := req.URL.Query()
	q.Set("api_key", w.creds.APIKey)
	q.Set("timestamp", strconv.FormatInt(w.now().UnixMilli(), 10))
	q.Set("recv_window", bybitRecvWindow)
	payload := q.Encode()
	sig, err := bybitSignature(w.creds.Secret, payload)
	if err != nil {
		return err
	}
	req.URL.RawQuery = payload + "&sign=" + sig
	return nil
}

// bybitKind класс ошибки по ret_code
func bybitKind(code int) Kind {
	switch code {
	case 10003, 10004, 10005, 10007, 10009, 10010, 33004:
		return KindUserInput
	case 10006, 10018:
		return KindRateLimited
	case 10000, 10002, 10016:
		return KindUnavailable
	}
	return KindInternal
}

type bybitEnvelope struct {
	RetCode          int                 `json:"ret_code"`
	RetMsg           string              `json:"ret_msg"`
	Result           jsoniter.RawMessage `json:"result"`
	RateLimitResetMs int64               `json:"rate_limit_reset_ms"`
}

// bybitCheck Bybit отвечает 200 с ret_code != 0
func bybitCheck(tag string) func(resp *http.Response, body []byte) *Error {
	return func(resp *http.Response, body []byte) *Error {
		var env bybitEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.RetCode == 0 {
			return nil
		}
		kind := bybitKind(env.RetCode)
		if resp.StatusCode >= 400 && kind == KindInternal {
			kind = Classify(resp.StatusCode)
		}
		e := &Error{
			Exchange: tag,
			Kind:     kind,
			Status:   resp.StatusCode,
			Code:     strconv.Itoa(env.RetCode),
			Message:  env.RetMsg,
		}
		if kind == KindRateLimited && env.RateLimitResetMs > 0 {
			e.RetryAfter = max(time.Until(time.UnixMilli(env.RateLimitResetMs)), 0)
		}
		return e
	}
}

// get запрос с разбором result из конверта
func (w *Bybit) get(ctx context.Context, path string, q url.Values, signed bool, out interface{}) error {
	var env bybitEnvelope
	err := w.do(ctx, restCall{
		Method: http.MethodGet,
		Path:   path,
		Query:  q,
		Signed: signed,
	}, &env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return schemaError(w.tag, "decode "+path, err)
	}
	return nil
}

// walletCoin относится ли монета к кошельку рынка воркера
func (w *Bybit) walletCoin(coin string) bool {
	return w.linear == (coin == "USDT")
}

// GetBalance кошелек рынка: USDT для linear, монеты для inverse
func (w *Bybit) GetBalance(ctx context.Context, now time.Time) (*models.Balance, error) {
	var res map[string]struct {
		WalletBalance flexNum `json:"wallet_balance"`
	}
	if err := w.get(ctx, "/v2/private/wallet/balance", nil, true, &res); err != nil {
		return nil, err
	}
	wallet := make(map[string]float64)
	for coin, acc := range res {
		if v := float64(acc.WalletBalance); v != 0 && w.walletCoin(coin) {
			wallet[coin] += v
		}
	}
	return w.valuate(ctx, wallet, now)
}

type bybitExecution struct {
	Symbol      string              `json:"symbol"`
	Side        string              `json:"side"`
	ExecID      string              `json:"exec_id"`
	Price       flexNum             `json:"price"`
	ExecPrice   flexNum             `json:"exec_price"`
	ExecQty     flexNum             `json:"exec_qty"`
	ExecFee     flexNum             `json:"exec_fee"`
	ExecType    string              `json:"exec_type"`
	TradeTimeMs flexNum             `json:"trade_time_ms"`
	TradeTime   jsoniter.RawMessage `json:"trade_time"`
}

// time REST отдает trade_time_ms, поток только trade_time в ISO8601
func (x bybitExecution) time() (time.Time, error) {
	if ms := int64(x.TradeTimeMs); ms > 0 {
		return utils.FromUnixMillis(ms), nil
	}
	var s string
	if err := json.Unmarshal(x.TradeTime, &s); err != nil {
		return time.Time{}, err
	}
	return utils.ParseISOTime(s)
}

type bybitPosition struct {
	Data struct {
		Symbol         string  `json:"symbol"`
		Size           flexNum `json:"size"`
		CumRealisedPnl flexNum `json:"cum_realised_pnl"`
	} `json:"data"`
}

// symbols символы, по которым есть позиция или когда-либо был реализован PnL
func (w *Bybit) symbols(ctx context.Context) ([]string, error) {
	path := "/v2/private/position/list"
	if w.linear {
		path = "/private/linear/position/list"
	}
	var list []bybitPosition
	if err := w.get(ctx, path, nil, true, &list); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(list))
	var out []string
	for _, p := range list {
		s := p.Data.Symbol
		if s == "" || seen[s] || (p.Data.Size == 0 && p.Data.CumRealisedPnl == 0) {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// executions история исполнений символа. Список inverse знает только
// start_time, поэтому окнами режется лишь linear.
func (w *Bybit) executions(ctx context.Context, symbol string, from, to time.Time) ([]bybitExecution, error) {
	path := "/v2/private/execution/list"
	windows := []utils.TimeRange{{Start: from, End: to}}
	if w.linear {
		path = "/private/linear/trade/execution/list"
		windows = utils.SplitRange(from, to, bybitExecWindow)
	}

	var out []bybitExecution
	for _, win := range windows {
		for page := 1; page <= bybitMaxPages; page++ {
			q := url.Values{
				"symbol":     {symbol},
				"start_time": {strconv.FormatInt(win.Start.UnixMilli(), 10)},
				"page":       {strconv.Itoa(page)},
				"limit":      {strconv.Itoa(w.pageSize)},
			}
			if w.linear {
				q.Set("end_time", strconv.FormatInt(win.End.UnixMilli(), 10))
			}
			var res struct {
				Data      []bybitExecution `json:"data"`
				TradeList []bybitExecution `json:"trade_list"`
			}
			if err := w.get(ctx, path, q, true, &res); err != nil {
				return nil, err
			}
			list := append(res.Data, res.TradeList...)
			out = append(out, list...)
			if len(list) < w.pageSize {
				break
			}
		}
	}
	return out, nil
}

// Synchronize исполнения по символам с позицией, вводы и выводы из fund records
func (w *Bybit) Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(Record) error) error {
	from, to := w.syncRange(cursor, upto)

	symbols, err := w.symbols(ctx)
	if err != nil {
		return err
	}
	var records []Record
	for _, symbol := range symbols {
		list, err := w.executions(ctx, symbol, from, to)
		if err != nil {
			return err
		}
		for _, x := range list {
			if e, ok := w.execution(x); ok && inRange(e.Time, from, to) {
				records = append(records, ExecRecord(e))
			}
		}
	}

	transfers, err := w.transfers(ctx, from, to)
	if err != nil {
		return err
	}
	for _, t := range transfers {
		records = append(records, TransferRecord(t))
	}

	return w.emitSorted(records, yield)
}

// settleOf валюта расчетов контракта: USDT для linear, базовая монета для inverse
func (w *Bybit) settleOf(symbol string) string {
	if !w.linear {
		return strings.TrimSuffix(symbol, "USD")
	}
	if q := quoteOf(symbol); q != "" {
		return q
	}
	return "USDT"
}

func (w *Bybit) execution(x bybitExecution) (*RawExecution, bool) {
	if x.ExecID == "" {
		return nil, false
	}
	t, err := x.time()
	if err != nil {
		w.malformed("execution", x.ExecID, err)
		return nil, false
	}
	settle := w.settleOf(x.Symbol)
	fee := float64(x.ExecFee)

	if x.ExecType == "Funding" {
		// exec_fee фандинга положительный, когда позиция платит
		return &RawExecution{
			ExecID:      x.ExecID,
			Time:        t,
			Symbol:      x.Symbol,
			Side:        models.SideBuy,
			Type:        models.ExecFunding,
			Settle:      settle,
			Inverse:     !w.linear,
			RealizedPnl: ptr(-fee),
		}, true
	}

	side, ok := parseSide(x.Side)
	if !ok {
		w.malformed("execution", x.ExecID, schemaError(w.tag, "side "+x.Side, nil))
		return nil, false
	}
	price := float64(x.ExecPrice)
	if price == 0 {
		price = float64(x.Price)
	}
	typ := models.ExecTrade
	if x.ExecType == "BustTrade" || x.ExecType == "AdlTrade" {
		typ = models.ExecLiquidation
	}
	return &RawExecution{
		ExecID:          x.ExecID,
		Time:            t,
		Symbol:          x.Symbol,
		Side:            side,
		Price:           price,
		Qty:             utils.Abs(float64(x.ExecQty)),
		Commission:      fee,
		CommissionAsset: settle,
		Type:            typ,
		Settle:          settle,
		Inverse:         !w.linear,
	}, true
}

type bybitFundRecord struct {
	ID       int64   `json:"id"`
	Coin     string  `json:"coin"`
	Type     string  `json:"type"`
	Amount   flexNum `json:"amount"`
	ExecTime string  `json:"exec_time"`
}

// transfers вводы и выводы кошелька рынка. Фильтр по датам у биржи
// суточный, точное окно отсекается здесь.
func (w *Bybit) transfers(ctx context.Context, from, to time.Time) ([]*RawTransfer, error) {
	limit := min(w.pageSize, bybitTransferLimit)
	var out []*RawTransfer
	for page := 1; page <= bybitMaxPages; page++ {
		q := url.Values{
			"start_date": {utils.GetDayStartFrom(from).Format(bybitDateLayout)},
			"end_date":   {utils.GetDayStartFrom(to).Format(bybitDateLayout)},
			"page":       {strconv.Itoa(page)},
			"limit":      {strconv.Itoa(limit)},
		}
		var res struct {
			Data []bybitFundRecord `json:"data"`
		}
		if err := w.get(ctx, "/v2/private/wallet/fund/records", q, true, &res); err != nil {
			return nil, err
		}
		for _, r := range res.Data {
			if t := w.transfer(r); t != nil && inRange(t.Time, from, to) {
				out = append(out, t)
			}
		}
		if len(res.Data) < limit {
			break
		}
	}
	return out, nil
}

func (w *Bybit) transfer(r bybitFundRecord) *RawTransfer {
	amount := utils.Abs(float64(r.Amount))
	switch r.Type {
	case "Deposit":
	case "Withdraw":
		amount = -amount
	default:
		return nil
	}
	if !w.walletCoin(r.Coin) {
		return nil
	}
	id := strconv.FormatInt(r.ID, 10)
	t, err := utils.ParseISOTime(r.ExecTime)
	if err != nil {
		w.malformed("fund record", id, err)
		return nil
	}
	return &RawTransfer{ExternalID: "fund:" + id, Time: t, Coin: r.Coin, Amount: amount}
}

type bybitFrame struct {
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Request struct {
		Op string `json:"op"`
	} `json:"request"`
	Topic string              `json:"topic"`
	Data  jsoniter.RawMessage `json:"data"`
}

// SubscribeUserStream приватный топик execution
func (w *Bybit) SubscribeUserStream(ctx context.Context, onRecord func(Record)) error {
	d := Dialect{
		URL: func(context.Context) (string, error) { return w.wsURL, nil },
		Auth: func() ([]interface{}, error) {
			expires := w.now().Add(10 * time.Second).UnixMilli()
			sig, err := hmacHex(w.creds.Secret, "GET/realtime"+strconv.FormatInt(expires, 10))
			if err != nil {
				return nil, err
			}
			return []interface{}{map[string]interface{}{
				"op":   "auth",
				"args": []interface{}{w.creds.APIKey, expires, sig},
			}}, nil
		},
		IsAuthAck: w.authAck,
		Ping:      func() (int, []byte) { return textFrame, []byte(`{"op":"ping"}`) },
		IsPong:    bybitIsPong,
	}
	sub := map[string]interface{}{"op": "subscribe", "args": []string{"execution"}}
	return w.openSession(ctx, d, func(msg []byte) { w.handleFrame(msg, onRecord) }, sub)
}

// authAck ответ на auth повторяет запрос в поле request
func (w *Bybit) authAck(msg []byte) (bool, error) {
	var f bybitFrame
	if err := json.Unmarshal(msg, &f); err != nil || f.Request.Op != "auth" || f.Success == nil {
		return false, nil
	}
	if *f.Success {
		return true, nil
	}
	return false, &Error{Exchange: w.tag, Kind: KindUserInput, Message: f.RetMsg}
}

func bybitIsPong(msg []byte) bool {
	var f bybitFrame
	if json.Unmarshal(msg, &f) != nil {
		return false
	}
	return f.RetMsg == "pong" && f.Request.Op == "ping"
}

func (w *Bybit) handleFrame(msg []byte, onRecord func(Record)) {
	var f bybitFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		w.log.Warn("undecodable stream frame", utils.Err(err))
		return
	}
	if f.Topic != "execution" {
		return
	}
	var execs []bybitExecution
	if err := json.Unmarshal(f.Data, &execs); err != nil {
		w.log.Warn("bad execution frame", utils.Err(err))
		return
	}
	for _, x := range execs {
		if e, ok := w.execution(x); ok {
			w.deliver(onRecord, ExecRecord(e))
		}
	}
}

type bybitTicker struct {
	Symbol    string  `json:"symbol"`
	LastPrice flexNum `json:"last_price"`
	MarkPrice flexNum `json:"mark_price"`
}

func (w *Bybit) ticker(ctx context.Context, symbol string) (*bybitTicker, error) {
	var list []bybitTicker
	err := w.get(ctx, "/v2/public/tickers", url.Values{"symbol": {symbol}}, false, &list)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Code == "10001" {
			return nil, valuation.ErrNoPrice
		}
		return nil, err
	}
	if len(list) == 0 {
		return nil, valuation.ErrNoPrice
	}
	return &list[0], nil
}

// Price последняя цена или открытие минутной свечи в прошлом
func (w *Bybit) Price(ctx context.Context, base, quote string, at time.Time) (float64, error) {
	symbol := w.currencies.Normalize(base) + w.currencies.Normalize(quote)
	if !w.linear && w.currencies.IsStable(quote) {
		symbol = w.currencies.Normalize(base) + "USD"
	}
	if w.now().Sub(at) > 2*time.Minute {
		path := "/v2/public/kline/list"
		if w.linear {
			path = "/public/linear/kline"
		}
		var candles []struct {
			Open flexNum `json:"open"`
		}
		err := w.get(ctx, path, url.Values{
			"symbol":   {symbol},
			"interval": {"1"},
			"from":     {strconv.FormatInt(at.Unix(), 10)},
			"limit":    {"1"},
		}, false, &candles)
		if err == nil && len(candles) > 0 && candles[0].Open > 0 {
			return float64(candles[0].Open), nil
		}
		if err != nil && IsTransient(err) {
			return 0, err
		}
	}
	t, err := w.ticker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return float64(t.LastPrice), nil
}

// MarkPrice маркировочная цена из tickers
func (w *Bybit) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	t, err := w.ticker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return float64(t.MarkPrice), nil
}
