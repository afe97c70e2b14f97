package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
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
	ftxREST = "https://ftx.com"
	ftxWS   = "wss://ftx.com/ws/"

	ftxWindow    = 24 * time.Hour
	ftxPingEvery = 15 * time.Second
)

// FTX воркер FTX. Ключи могут принадлежать субаккаунту.
// Тестовой сети нет, Sandbox игнорируется.
type FTX struct {
	*BaseWorker
}

// NewFTX создает воркер ftx
func NewFTX(opts Options) (Worker, error) {
	if opts.Session.PingInterval <= 0 {
		opts.Session.PingInterval = ftxPingEvery
	}
	b := newBase(TagFTX, opts, ftxREST, ftxWS,
		ratelimit.Bucket{Interval: time.Second, Max: 30, Weight: 1})
	w := &FTX{BaseWorker: b}
	b.sign = w.signRequest
	b.checkBody = ftxCheck
	b.useTicker(w)
	return w, nil
}

func (w *FTX) signRequest(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(w.now().UnixMilli(), 10)
	sig, err := ftxSignature(w.creds.Secret, ts, req.Method, req.URL.RequestURI(), string(body))
	if err != nil {
		return err
	}
	req.Header.Set("FTX-KEY", w.creds.APIKey)
	req.Header.Set("FTX-SIGN", sig)
	req.Header.Set("FTX-TS", ts)
	if w.creds.Subaccount != "" {
		req.Header.Set("FTX-SUBACCOUNT", url.PathEscape(w.creds.Subaccount))
	}
	return nil
}

type ftxEnvelope struct {
	Success bool                `json:"success"`
	Error   string              `json:"error"`
	Result  jsoniter.RawMessage `json:"result"`
}

func ftxCheck(resp *http.Response, body []byte) *Error {
	var env ftxEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Success {
		return nil
	}
	kind := Classify(resp.StatusCode)
	if resp.StatusCode < 400 {
		kind = KindInternal
	}
	if strings.Contains(env.Error, "No such market") || strings.Contains(env.Error, "No such future") {
		kind = KindInternal
	}
	return &Error{Exchange: TagFTX, Kind: kind, Status: resp.StatusCode, Message: env.Error}
}

func (w *FTX) get(ctx context.Context, path string, q url.Values, signed bool, out interface{}) error {
	var env ftxEnvelope
	if err := w.do(ctx, restCall{Method: http.MethodGet, Path: path, Query: q, Signed: signed}, &env); err != nil {
		return err
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return schemaError(w.tag, "decode "+path, err)
	}
	return nil
}

// GetBalance кошелек аккаунта или субаккаунта
func (w *FTX) GetBalance(ctx context.Context, now time.Time) (*models.Balance, error) {
	var coins []struct {
		Coin  string  `json:"coin"`
		Total float64 `json:"total"`
	}
	if err := w.get(ctx, "/api/wallet/balances", nil, true, &coins); err != nil {
		return nil, err
	}
	wallet := make(map[string]float64, len(coins))
	for _, c := range coins {
		if c.Total != 0 {
			wallet[c.Coin] += c.Total
		}
	}
	return w.valuate(ctx, wallet, now)
}

type ftxFill struct {
	ID          int64   `json:"id"`
	Market      string  `json:"market"`
	Side        string  `json:"side"`
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	Fee         float64 `json:"fee"`
	FeeCurrency string  `json:"feeCurrency"`
	Time        string  `json:"time"`
	Type        string  `json:"type"`
}

type ftxFunding struct {
	ID      int64   `json:"id"`
	Future  string  `json:"future"`
	Payment float64 `json:"payment"`
	Time    string  `json:"time"`
}

type ftxMovement struct {
	ID     int64   `json:"id"`
	Coin   string  `json:"coin"`
	Size   float64 `json:"size"`
	Fee    float64 `json:"fee"`
	Status string  `json:"status"`
	Time   string  `json:"time"`
}

// Synchronize fills, funding_payments, deposits и withdrawals
func (w *FTX) Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(Record) error) error {
	from, to := w.syncRange(cursor, upto)

	var records []Record
	for _, win := range utils.SplitRange(from, to, ftxWindow) {
		q := url.Values{
			"start_time": {strconv.FormatInt(win.Start.Unix(), 10)},
			"end_time":   {strconv.FormatInt(win.End.Unix(), 10)},
		}

		var fills []ftxFill
		if err := w.get(ctx, "/api/fills", q, true, &fills); err != nil {
			return err
		}
		for _, f := range fills {
			if e, ok := w.exec(f); ok && inRange(e.Time, from, to) {
				w.settleCommission(ctx, e)
				records = append(records, ExecRecord(e))
			}
		}

		var funding []ftxFunding
		if err := w.get(ctx, "/api/funding_payments", q, true, &funding); err != nil {
			return err
		}
		for _, f := range funding {
			t, err := utils.ParseISOTime(f.Time)
			if err != nil {
				w.malformed("funding payment", strconv.FormatInt(f.ID, 10), err)
				continue
			}
			if !inRange(t, from, to) {
				continue
			}
			// payment положительный, когда позиция платит
			records = append(records, ExecRecord(&RawExecution{
				ExecID:      "funding:" + strconv.FormatInt(f.ID, 10),
				Time:        t,
				Symbol:      f.Future,
				Side:        models.SideBuy,
				Type:        models.ExecFunding,
				Settle:      "USD",
				RealizedPnl: ptr(-f.Payment),
			}))
		}
	}

	q := url.Values{
		"start_time": {strconv.FormatInt(from.Unix(), 10)},
		"end_time":   {strconv.FormatInt(to.Unix(), 10)},
	}
	for _, kind := range []string{"deposits", "withdrawals"} {
		var moves []ftxMovement
		if err := w.get(ctx, "/api/wallet/"+kind, q, true, &moves); err != nil {
			return err
		}
		for _, m := range moves {
			if m.Status != "confirmed" && m.Status != "complete" {
				continue
			}
			t, err := utils.ParseISOTime(m.Time)
			if err != nil {
				w.malformed(kind[:len(kind)-1], strconv.FormatInt(m.ID, 10), err)
				continue
			}
			if !inRange(t, from, to) {
				continue
			}
			amount := utils.Abs(m.Size)
			if kind == "withdrawals" {
				amount = -amount
			}
			records = append(records, TransferRecord(&RawTransfer{
				ExternalID: kind[:3] + ":" + strconv.FormatInt(m.ID, 10),
				Time:       t,
				Coin:       m.Coin,
				Amount:     amount,
				Fee:        m.Fee,
			}))
		}
	}

	return w.emitSorted(records, yield)
}

// exec исполнение из fills; рынок BTC-PERP рассчитывается в USD, спот BTC/USD в котировке
func (w *FTX) exec(f ftxFill) (*RawExecution, bool) {
	id := strconv.FormatInt(f.ID, 10)
	side, ok := parseSide(f.Side)
	if !ok || f.ID == 0 {
		w.malformed("fill", id, fmt.Errorf("side %q", f.Side))
		return nil, false
	}
	t, err := utils.ParseISOTime(f.Time)
	if err != nil {
		w.malformed("fill", id, err)
		return nil, false
	}
	settle := "USD"
	if i := strings.IndexByte(f.Market, '/'); i > 0 {
		settle = f.Market[i+1:]
	}
	typ := models.ExecTrade
	if f.Type == "liquidation" {
		typ = models.ExecLiquidation
	}
	return &RawExecution{
		ExecID:          id,
		Time:            t,
		Symbol:          f.Market,
		Side:            side,
		Price:           f.Price,
		Qty:             utils.Abs(f.Size),
		Commission:      f.Fee,
		CommissionAsset: f.FeeCurrency,
		Type:            typ,
		Settle:          settle,
	}, true
}

type ftxFrame struct {
	Channel string              `json:"channel"`
	Type    string              `json:"type"`
	Code    int                 `json:"code"`
	Msg     string              `json:"msg"`
	Data    jsoniter.RawMessage `json:"data"`
}

// SubscribeUserStream канал fills. FTX не подтверждает login,
// отказ приходит позже кадром type=error.
func (w *FTX) SubscribeUserStream(ctx context.Context, onRecord func(Record)) error {
	d := Dialect{
		URL: func(context.Context) (string, error) { return w.wsURL, nil },
		Auth: func() ([]interface{}, error) {
			ts := w.now().UnixMilli()
			sig, err := hmacHex(w.creds.Secret, strconv.FormatInt(ts, 10)+"websocket_login")
			if err != nil {
				return nil, err
			}
			args := map[string]interface{}{"key": w.creds.APIKey, "sign": sig, "time": ts}
			if w.creds.Subaccount != "" {
				args["subaccount"] = w.creds.Subaccount
			}
			return []interface{}{map[string]interface{}{"op": "login", "args": args}}, nil
		},
		Ping:   func() (int, []byte) { return textFrame, []byte(`{"op":"ping"}`) },
		IsPong: func(msg []byte) bool { return strings.Contains(string(msg), `"type":"pong"`) },
	}
	sub := map[string]string{"op": "subscribe", "channel": "fills"}
	return w.openSession(ctx, d, func(msg []byte) { w.handleFrame(msg, onRecord) }, sub)
}

func (w *FTX) handleFrame(msg []byte, onRecord func(Record)) {
	var f ftxFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		w.log.Warn("undecodable stream frame", utils.Err(err))
		return
	}
	switch f.Type {
	case "error":
		err := &Error{Exchange: w.tag, Kind: KindUnavailable, Status: f.Code, Message: f.Msg}
		if strings.Contains(strings.ToLower(f.Msg), "login") || f.Code == http.StatusUnauthorized {
			err.Kind = KindUserInput
			w.invalidate(err)
			return
		}
		w.log.Warn("stream error", utils.Err(err))
	case "update":
		if f.Channel != "fills" {
			return
		}
		var fill ftxFill
		if err := json.Unmarshal(f.Data, &fill); err != nil {
			w.log.Warn("bad fill frame", utils.Err(err))
			return
		}
		e, ok := w.exec(fill)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		w.settleCommission(ctx, e)
		cancel()
		w.deliver(onRecord, ExecRecord(e))
	}
}

// ftxMarket имя спотового рынка пары
func (w *FTX) ftxMarket(base, quote string) string {
	quote = w.currencies.Normalize(quote)
	if quote == "USDT" {
		quote = "USD"
	}
	return w.currencies.Normalize(base) + "/" + quote
}

func ftxNoPrice(err error) error {
	if e, ok := err.(*Error); ok && (e.Status == http.StatusNotFound || strings.Contains(e.Message, "No such")) {
		return valuation.ErrNoPrice
	}
	return err
}

// Price цена рынка или открытие минутной свечи в прошлом
func (w *FTX) Price(ctx context.Context, base, quote string, at time.Time) (float64, error) {
	market := w.ftxMarket(base, quote)
	if w.now().Sub(at) > 2*time.Minute {
		var candles []struct {
			Open float64 `json:"open"`
		}
		err := w.get(ctx, "/api/markets/"+market+"/candles", url.Values{
			"resolution": {"60"},
			"start_time": {strconv.FormatInt(at.Unix(), 10)},
			"end_time":   {strconv.FormatInt(at.Add(time.Minute).Unix(), 10)},
		}, false, &candles)
		if err != nil {
			return 0, ftxNoPrice(err)
		}
		if len(candles) > 0 {
			return candles[0].Open, nil
		}
	}
	var m struct {
		Price float64 `json:"price"`
	}
	if err := w.get(ctx, "/api/markets/"+market, nil, false, &m); err != nil {
		return 0, ftxNoPrice(err)
	}
	return m.Price, nil
}

// MarkPrice маркировочная цена фьючерса
func (w *FTX) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var f struct {
		Mark float64 `json:"mark"`
	}
	if err := w.get(ctx, "/api/futures/"+symbol, nil, false, &f); err != nil {
		return 0, err
	}
	return f.Mark, nil
}
