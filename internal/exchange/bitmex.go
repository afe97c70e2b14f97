package exchange

import (
	"context"
	"errors"
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
	bitmexREST        = "https://www.bitmex.com"
	bitmexWS          = "wss://ws.bitmex.com/realtime"
	bitmexTestnetREST = "https://testnet.bitmex.com"
	bitmexTestnetWS   = "wss://ws.testnet.bitmex.com/realtime"

	bitmexPageLimit = 500
	bitmexExpires   = time.Minute
)

// bitmexScale BitMEX считает суммы в минимальных единицах валюты
var bitmexScale = map[string]struct {
	Coin  string
	Scale float64
}{
	"XBt":  {"BTC", 1e-8},
	"USDt": {"USDT", 1e-6},
	"Gwei": {"ETH", 1e-9},
}

// bitmexAmount переводит сумму из единиц BitMEX в монету
func bitmexAmount(currency string, v float64) (string, float64) {
	if s, ok := bitmexScale[currency]; ok {
		return s.Coin, v * s.Scale
	}
	return strings.ToUpper(currency), v
}

// Bitmex воркер BitMEX. XBTUSD и другие контракты с расчетами в XBt инверсные.
type Bitmex struct {
	*BaseWorker
	pageSize int
}

// NewBitmex создает воркер bitmex
func NewBitmex(opts Options) (Worker, error) {
	rest, ws := bitmexREST, bitmexWS
	if opts.Sandbox {
		rest, ws = bitmexTestnetREST, bitmexTestnetWS
	}
	b := newBase(TagBitmex, opts, rest, ws,
		ratelimit.Bucket{Interval: time.Minute, Max: 60, Weight: 1})
	w := &Bitmex{BaseWorker: b, pageSize: bitmexPageLimit}
	b.sign = w.signRequest
	b.checkBody = bitmexCheck
	b.useTicker(w)
	return w, nil
}

func (w *Bitmex) signRequest(req *http.Request, body []byte) error {
	expires := strconv.FormatInt(w.now().Add(bitmexExpires).Unix(), 10)
	sig, err := bitmexSignature(w.creds.Secret, req.Method, req.URL.RequestURI(), expires, string(body))
	if err != nil {
		return err
	}
	req.Header.Set("api-expires", expires)
	req.Header.Set("api-key", w.creds.APIKey)
	req.Header.Set("api-signature", sig)
	return nil
}

type bitmexErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Name    string `json:"name"`
	} `json:"error"`
}

func bitmexCheck(resp *http.Response, body []byte) *Error {
	if resp.StatusCode < 400 {
		return nil
	}
	var e bitmexErrorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Error.Message == "" {
		return nil
	}
	return &Error{
		Exchange: TagBitmex,
		Kind:     Classify(resp.StatusCode),
		Status:   resp.StatusCode,
		Code:     e.Error.Name,
		Message:  e.Error.Message,
	}
}

type bitmexWallet struct {
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

// GetBalance кошельки во всех валютах
func (w *Bitmex) GetBalance(ctx context.Context, now time.Time) (*models.Balance, error) {
	var wallets []bitmexWallet
	err := w.do(ctx, restCall{
		Method: http.MethodGet,
		Path:   "/api/v1/user/wallet",
		Query:  url.Values{"currency": {"all"}},
		Signed: true,
	}, &wallets)
	if err != nil {
		return nil, err
	}
	wallet := make(map[string]float64, len(wallets))
	for _, m := range wallets {
		coin, v := bitmexAmount(m.Currency, m.Amount)
		if v != 0 {
			wallet[coin] += v
		}
	}
	return w.valuate(ctx, wallet, now)
}

type bitmexExecution struct {
	ExecID        string  `json:"execID"`
	TransactTime  string  `json:"transactTime"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	LastPx        float64 `json:"lastPx"`
	LastQty       float64 `json:"lastQty"`
	ExecComm      float64 `json:"execComm"`
	SettlCurrency string  `json:"settlCurrency"`
	ExecType      string  `json:"execType"`
	OrdType       string  `json:"ordType"`
}

type bitmexWalletTx struct {
	TransactID     string  `json:"transactID"`
	TransactType   string  `json:"transactType"`
	TransactStatus string  `json:"transactStatus"`
	Currency       string  `json:"currency"`
	Amount         float64 `json:"amount"`
	Fee            float64 `json:"fee"`
	TransactTime   string  `json:"transactTime"`
}

// Synchronize tradeHistory и walletHistory с постраничной догрузкой
func (w *Bitmex) Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(Record) error) error {
	from, to := w.syncRange(cursor, upto)

	var records []Record
	for start := 0; ; start += w.pageSize {
		var page []bitmexExecution
		err := w.do(ctx, restCall{
			Method: http.MethodGet,
			Path:   "/api/v1/execution/tradeHistory",
			Query: url.Values{
				"startTime": {from.UTC().Format(time.RFC3339Nano)},
				"endTime":   {to.UTC().Format(time.RFC3339Nano)},
				"count":     {strconv.Itoa(w.pageSize)},
				"start":     {strconv.Itoa(start)},
			},
			Signed: true,
		}, &page)
		if err != nil {
			return err
		}
		for _, x := range page {
			e, ok := w.exec(x)
			if ok && inRange(e.Time, from, to) {
				records = append(records, ExecRecord(e))
			}
		}
		if len(page) < w.pageSize {
			break
		}
	}

	for start := 0; ; start += w.pageSize {
		var page []bitmexWalletTx
		err := w.do(ctx, restCall{
			Method: http.MethodGet,
			Path:   "/api/v1/user/walletHistory",
			Query: url.Values{
				"currency": {"all"},
				"count":    {strconv.Itoa(w.pageSize)},
				"start":    {strconv.Itoa(start)},
			},
			Signed: true,
		}, &page)
		if err != nil {
			return err
		}
		older := false
		for _, tx := range page {
			t, ok := w.transfer(tx)
			if !ok {
				continue
			}
			if t.Time.Before(from) {
				older = true
				continue
			}
			if inRange(t.Time, from, to) {
				records = append(records, TransferRecord(t))
			}
		}
		// история отдается от новых к старым
		if len(page) < w.pageSize || older {
			break
		}
	}

	return w.emitSorted(records, yield)
}

// exec исполнение из tradeHistory или потока execution
func (w *Bitmex) exec(x bitmexExecution) (*RawExecution, bool) {
	t, err := utils.ParseISOTime(x.TransactTime)
	if err != nil {
		w.malformed("execution", x.ExecID, err)
		return nil, false
	}
	settle, comm := bitmexAmount(x.SettlCurrency, x.ExecComm)
	switch x.ExecType {
	case "Trade":
		side, ok := parseSide(x.Side)
		if !ok || x.LastQty == 0 {
			return nil, false
		}
		typ := models.ExecTrade
		switch {
		case strings.HasPrefix(x.OrdType, "Stop"):
			typ = models.ExecStop
		case strings.HasPrefix(x.OrdType, "LimitIfTouched"), strings.HasPrefix(x.OrdType, "MarketIfTouched"):
			typ = models.ExecTP
		}
		return &RawExecution{
			ExecID:          x.ExecID,
			Time:            t,
			Symbol:          x.Symbol,
			Side:            side,
			Price:           x.LastPx,
			Qty:             utils.Abs(x.LastQty),
			Commission:      comm,
			CommissionAsset: settle,
			Type:            typ,
			Settle:          settle,
			Inverse:         bitmexInverse(x),
		}, true
	case "Funding":
		// execComm фандинга положительный, когда позиция платит
		return &RawExecution{
			ExecID:      x.ExecID,
			Time:        t,
			Symbol:      x.Symbol,
			Side:        models.SideBuy,
			Type:        models.ExecFunding,
			Settle:      settle,
			Inverse:     bitmexInverse(x),
			RealizedPnl: ptr(-comm),
		}, true
	case "Liquidation", "Bankruptcy":
		side, ok := parseSide(x.Side)
		if !ok {
			return nil, false
		}
		return &RawExecution{
			ExecID:          x.ExecID,
			Time:            t,
			Symbol:          x.Symbol,
			Side:            side,
			Price:           x.LastPx,
			Qty:             utils.Abs(x.LastQty),
			Commission:      comm,
			CommissionAsset: settle,
			Type:            models.ExecLiquidation,
			Settle:          settle,
			Inverse:         bitmexInverse(x),
		}, true
	}
	return nil, false
}

// bitmexInverse контракт в USD с расчетами в XBt (XBTUSD, XBTZ24)
func bitmexInverse(x bitmexExecution) bool {
	return x.SettlCurrency == "XBt" && strings.HasPrefix(x.Symbol, "XBT")
}

func (w *Bitmex) transfer(tx bitmexWalletTx) (*RawTransfer, bool) {
	if tx.TransactStatus != "Completed" {
		return nil, false
	}
	switch tx.TransactType {
	case "Deposit", "Withdrawal", "Transfer":
	default:
		return nil, false
	}
	t, err := utils.ParseISOTime(tx.TransactTime)
	if err != nil {
		w.malformed("wallet transaction", tx.TransactID, err)
		return nil, false
	}
	coin, amount := bitmexAmount(tx.Currency, tx.Amount)
	_, fee := bitmexAmount(tx.Currency, tx.Fee)
	return &RawTransfer{
		ExternalID: tx.TransactID,
		Time:       t,
		Coin:       coin,
		Amount:     amount,
		Fee:        utils.Abs(fee),
	}, true
}

type bitmexFrame struct {
	Success *bool               `json:"success"`
	Status  int                 `json:"status"`
	Error   string              `json:"error"`
	Table   string              `json:"table"`
	Action  string              `json:"action"`
	Data    jsoniter.RawMessage `json:"data"`
	Request struct {
		Op string `json:"op"`
	} `json:"request"`
}

// SubscribeUserStream таблица execution после authKeyExpires
func (w *Bitmex) SubscribeUserStream(ctx context.Context, onRecord func(Record)) error {
	d := Dialect{
		URL: func(context.Context) (string, error) { return w.wsURL, nil },
		Auth: func() ([]interface{}, error) {
			expires := w.now().Add(bitmexExpires).Unix()
			sig, err := bitmexSignature(w.creds.Secret, http.MethodGet, "/realtime", strconv.FormatInt(expires, 10), "")
			if err != nil {
				return nil, err
			}
			return []interface{}{map[string]interface{}{
				"op":   "authKeyExpires",
				"args": []interface{}{w.creds.APIKey, expires, sig},
			}}, nil
		},
		IsAuthAck: bitmexAuthAck,
		Ping:      func() (int, []byte) { return textFrame, []byte("ping") },
		IsPong:    func(msg []byte) bool { return string(msg) == "pong" },
	}
	sub := map[string]interface{}{"op": "subscribe", "args": []string{"execution"}}
	return w.openSession(ctx, d, func(msg []byte) { w.handleFrame(msg, onRecord) }, sub)
}

func bitmexAuthAck(msg []byte) (bool, error) {
	var f bitmexFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return false, nil
	}
	if f.Error != "" {
		kind := KindUnavailable
		if f.Status == http.StatusUnauthorized || f.Status == http.StatusForbidden {
			kind = KindUserInput
		}
		return false, &Error{Exchange: TagBitmex, Kind: kind, Status: f.Status, Message: f.Error}
	}
	return f.Success != nil && *f.Success && f.Request.Op == "authKeyExpires", nil
}

func (w *Bitmex) handleFrame(msg []byte, onRecord func(Record)) {
	var f bitmexFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		w.log.Warn("undecodable stream frame", utils.Err(err))
		return
	}
	if f.Table != "execution" || f.Action != "insert" {
		return
	}
	var execs []bitmexExecution
	if err := json.Unmarshal(f.Data, &execs); err != nil {
		w.log.Warn("bad execution frame", utils.Err(err))
		return
	}
	for _, x := range execs {
		if e, ok := w.exec(x); ok {
			w.deliver(onRecord, ExecRecord(e))
		}
	}
}

// bitmexSymbol символ пары: BTC пишется как XBT
func (w *Bitmex) bitmexSymbol(base, quote string) string {
	base = w.currencies.Normalize(base)
	if base == "BTC" {
		base = "XBT"
	}
	quote = w.currencies.Normalize(quote)
	if quote == "BTC" {
		quote = "XBT"
	}
	return base + quote
}

type bitmexInstrument struct {
	Symbol    string  `json:"symbol"`
	MarkPrice float64 `json:"markPrice"`
}

func (w *Bitmex) instrument(ctx context.Context, symbol string) (*bitmexInstrument, error) {
	var list []bitmexInstrument
	err := w.do(ctx, restCall{
		Method: http.MethodGet,
		Path:   "/api/v1/instrument",
		Query:  url.Values{"symbol": {symbol}},
	}, &list)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, valuation.ErrNoPrice
	}
	return &list[0], nil
}

// Price цена последней сделки по символу, для прошлого момента последней сделки до него
func (w *Bitmex) Price(ctx context.Context, base, quote string, at time.Time) (float64, error) {
	q := url.Values{
		"symbol":  {w.bitmexSymbol(base, quote)},
		"count":   {"1"},
		"reverse": {"true"},
	}
	if w.now().Sub(at) > 2*time.Minute {
		q.Set("endTime", at.UTC().Format(time.RFC3339))
	}
	var trades []struct {
		Price float64 `json:"price"`
	}
	err := w.do(ctx, restCall{Method: http.MethodGet, Path: "/api/v1/trade", Query: q}, &trades)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Status == http.StatusNotFound {
			return 0, valuation.ErrNoPrice
		}
		return 0, err
	}
	if len(trades) == 0 || trades[0].Price <= 0 {
		return 0, valuation.ErrNoPrice
	}
	return trades[0].Price, nil
}

// MarkPrice маркировочная цена инструмента
func (w *Bitmex) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	inst, err := w.instrument(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return inst.MarkPrice, nil
}
