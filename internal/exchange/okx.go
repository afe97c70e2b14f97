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

	jsoniter "github.com/json-iterator/go"

	"tradetracker/internal/models"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/ratelimit"
	"tradetracker/pkg/utils"
)

const (
	okxREST      = "https://www.okx.com"
	okxWS        = "wss://ws.okx.com:8443/ws/v5/private"
	okxDemoWS    = "wss://wspap.okx.com:8443/ws/v5/private?brokerId=9999"
	okxTimestamp = "2006-01-02T15:04:05.000Z"
	okxPageLimit = 100

	okxBillFunding = "8"
	okxStateDone   = "2"
)

// OKX воркер бессрочных контрактов OKX. Объем исполнения в контрактах
// переводится в монеты через ctVal инструмента.
type OKX struct {
	*BaseWorker

	instMu   sync.RWMutex
	insts    map[string]okxInstrument
	pageSize int
}

type okxInstrument struct {
	InstID    string `json:"instId"`
	CtVal     string `json:"ctVal"`
	CtType    string `json:"ctType"`
	SettleCcy string `json:"settleCcy"`
}

// NewOKX создает воркер okx
func NewOKX(opts Options) (Worker, error) {
	if opts.Credentials.Passphrase == nil {
		return nil, &Error{Exchange: TagOKX, Kind: KindUserInput, Err: ErrMissingPassphrase}
	}
	ws := okxWS
	if opts.Sandbox {
		ws = okxDemoWS
	}
	b := newBase(TagOKX, opts, okxREST, ws,
		ratelimit.Bucket{Interval: 2 * time.Second, Max: 20, Weight: 1})
	w := &OKX{BaseWorker: b, insts: make(map[string]okxInstrument), pageSize: okxPageLimit}
	b.sign = w.signRequest
	b.checkBody = okxCheck
	b.useTicker(w)
	return w, nil
}

func (w *OKX) signRequest(req *http.Request, body []byte) error {
	ts := w.now().UTC().Format(okxTimestamp)
	sig, err := okxSignature(w.creds.Secret, ts, req.Method, req.URL.RequestURI(), string(body))
	if err != nil {
		return err
	}
	err = w.creds.Passphrase.Use(func(p []byte) error {
		req.Header.Set("OK-ACCESS-PASSPHRASE", string(p))
		return nil
	})
	if err != nil {
		return err
	}
	req.Header.Set("OK-ACCESS-KEY", w.creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sig)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	if w.sandbox {
		req.Header.Set("x-simulated-trading", "1")
	}
	return nil
}

// okxKind класс ошибки по коду OKX
func okxKind(code string) Kind {
	switch code {
	case "50100", "50101", "50105", "50110", "50111", "50113", "50114", "60005", "60009", "60024":
		return KindUserInput
	case "50011", "50061":
		return KindRateLimited
	case "50001", "50004", "50013", "50026":
		return KindUnavailable
	}
	return KindInternal
}

type okxEnvelope struct {
	Code string              `json:"code"`
	Msg  string              `json:"msg"`
	Data jsoniter.RawMessage `json:"data"`
}

func okxCheck(resp *http.Response, body []byte) *Error {
	var env okxEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Code == "" || env.Code == "0" {
		return nil
	}
	kind := okxKind(env.Code)
	if kind == KindInternal && resp.StatusCode >= 400 {
		kind = Classify(resp.StatusCode)
	}
	return &Error{Exchange: TagOKX, Kind: kind, Status: resp.StatusCode, Code: env.Code, Message: env.Msg}
}

func (w *OKX) get(ctx context.Context, path string, q url.Values, signed bool, out interface{}) error {
	var env okxEnvelope
	if err := w.do(ctx, restCall{Method: http.MethodGet, Path: path, Query: q, Signed: signed}, &env); err != nil {
		return err
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return schemaError(w.tag, "decode "+path, err)
	}
	return nil
}

// GetBalance торговый счет
func (w *OKX) GetBalance(ctx context.Context, now time.Time) (*models.Balance, error) {
	var accs []struct {
		Details []struct {
			Ccy     string `json:"ccy"`
			CashBal string `json:"cashBal"`
		} `json:"details"`
	}
	if err := w.get(ctx, "/api/v5/account/balance", nil, true, &accs); err != nil {
		return nil, err
	}
	wallet := make(map[string]float64)
	for _, a := range accs {
		for _, d := range a.Details {
			if v := pf(d.CashBal); v != 0 {
				wallet[d.Ccy] += v
			}
		}
	}
	return w.valuate(ctx, wallet, now)
}

func (w *OKX) instrument(ctx context.Context, instID string) (okxInstrument, error) {
	w.instMu.RLock()
	inst, ok := w.insts[instID]
	w.instMu.RUnlock()
	if ok {
		return inst, nil
	}
	var list []okxInstrument
	err := w.get(ctx, "/api/v5/public/instruments", url.Values{"instType": {"SWAP"}, "instId": {instID}}, false, &list)
	if err != nil {
		return inst, err
	}
	if len(list) == 0 {
		return inst, schemaError(w.tag, "unknown instrument "+instID, nil)
	}
	inst = list[0]
	w.instMu.Lock()
	w.insts[instID] = inst
	w.instMu.Unlock()
	return inst, nil
}

type okxFill struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	BillID  string `json:"billId"`
	FillPx  string `json:"fillPx"`
	FillSz  string `json:"fillSz"`
	Side    string `json:"side"`
	PosSide string `json:"posSide"`
	Fee     string `json:"fee"`
	FeeCcy  string `json:"feeCcy"`
	Ts      string `json:"ts"`
}

type okxBill struct {
	BillID string `json:"billId"`
	InstID string `json:"instId"`
	BalChg string `json:"balChg"`
	Ccy    string `json:"ccy"`
	Ts     string `json:"ts"`
}

// pages листает ответ от новых к старым по курсору after, пока записи не старше from
func (w *OKX) pages(ctx context.Context, path string, q url.Values, from time.Time, cursor func(jsoniter.RawMessage) (string, time.Time, error), each func(jsoniter.RawMessage) error) error {
	after := ""
	for {
		qq := url.Values{}
		for k, v := range q {
			qq[k] = v
		}
		qq.Set("limit", strconv.Itoa(w.pageSize))
		if after != "" {
			qq.Set("after", after)
		}
		var page []jsoniter.RawMessage
		if err := w.get(ctx, path, qq, true, &page); err != nil {
			return err
		}
		var oldest time.Time
		for _, raw := range page {
			if err := each(raw); err != nil {
				return err
			}
			id, t, err := cursor(raw)
			if err != nil {
				return err
			}
			after, oldest = id, t
		}
		if len(page) < w.pageSize || oldest.Before(from) {
			return nil
		}
	}
}

func okxBillCursor(raw jsoniter.RawMessage) (string, time.Time, error) {
	var b okxBill
	if err := json.Unmarshal(raw, &b); err != nil {
		return "", time.Time{}, schemaError(TagOKX, "bill", err)
	}
	t, _ := utils.ParseUnixMillis(b.Ts)
	return b.BillID, t, nil
}

// Synchronize fills-history и начисления funding из bills-archive, вводы и выводы
func (w *OKX) Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(Record) error) error {
	from, to := w.syncRange(cursor, upto)
	window := url.Values{
		"begin": {strconv.FormatInt(from.UnixMilli(), 10)},
		"end":   {strconv.FormatInt(to.UnixMilli(), 10)},
	}

	var records []Record
	fills := url.Values{"instType": {"SWAP"}}
	for k, v := range window {
		fills[k] = v
	}
	err := w.pages(ctx, "/api/v5/trade/fills-history", fills, from, okxBillCursor, func(raw jsoniter.RawMessage) error {
		var f okxFill
		if err := json.Unmarshal(raw, &f); err != nil {
			return schemaError(w.tag, "fill", err)
		}
		e, err := w.fill(ctx, f)
		if err != nil {
			return err
		}
		if e != nil && inRange(e.Time, from, to) {
			w.settleCommission(ctx, e)
			records = append(records, ExecRecord(e))
		}
		return nil
	})
	if err != nil {
		return err
	}

	bills := url.Values{"instType": {"SWAP"}, "type": {okxBillFunding}}
	for k, v := range window {
		bills[k] = v
	}
	err = w.pages(ctx, "/api/v5/account/bills-archive", bills, from, okxBillCursor, func(raw jsoniter.RawMessage) error {
		var b okxBill
		if err := json.Unmarshal(raw, &b); err != nil {
			return schemaError(w.tag, "bill", err)
		}
		t, err := utils.ParseUnixMillis(b.Ts)
		if err != nil {
			w.malformed("bill", b.BillID, err)
			return nil
		}
		if !inRange(t, from, to) {
			return nil
		}
		records = append(records, ExecRecord(&RawExecution{
			ExecID:      "funding:" + b.BillID,
			Time:        t,
			Symbol:      b.InstID,
			Side:        models.SideBuy,
			Type:        models.ExecFunding,
			Settle:      b.Ccy,
			Inverse:     !strings.HasSuffix(b.InstID, "-USDT-SWAP"),
			RealizedPnl: ptr(pf(b.BalChg)),
		}))
		return nil
	})
	if err != nil {
		return err
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

func (w *OKX) transfers(ctx context.Context, from, to time.Time) ([]*RawTransfer, error) {
	q := url.Values{
		"after":  {strconv.FormatInt(to.UnixMilli(), 10)},
		"before": {strconv.FormatInt(from.UnixMilli(), 10)},
	}
	var deps []struct {
		Ccy   string `json:"ccy"`
		Amt   string `json:"amt"`
		DepID string `json:"depId"`
		State string `json:"state"`
		Ts    string `json:"ts"`
	}
	if err := w.get(ctx, "/api/v5/asset/deposit-history", q, true, &deps); err != nil {
		return nil, err
	}
	var wds []struct {
		Ccy   string `json:"ccy"`
		Amt   string `json:"amt"`
		Fee   string `json:"fee"`
		WdID  string `json:"wdId"`
		State string `json:"state"`
		Ts    string `json:"ts"`
	}
	if err := w.get(ctx, "/api/v5/asset/withdrawal-history", q, true, &wds); err != nil {
		return nil, err
	}

	var out []*RawTransfer
	for _, d := range deps {
		t, err := utils.ParseUnixMillis(d.Ts)
		if err != nil {
			w.malformed("deposit", d.DepID, err)
			continue
		}
		if d.State != okxStateDone || !inRange(t, from, to) {
			continue
		}
		out = append(out, &RawTransfer{ExternalID: "dep:" + d.DepID, Time: t, Coin: d.Ccy, Amount: pf(d.Amt)})
	}
	for _, wd := range wds {
		t, err := utils.ParseUnixMillis(wd.Ts)
		if err != nil {
			w.malformed("withdrawal", wd.WdID, err)
			continue
		}
		if wd.State != okxStateDone || !inRange(t, from, to) {
			continue
		}
		out = append(out, &RawTransfer{
			ExternalID: "wd:" + wd.WdID,
			Time:       t,
			Coin:       wd.Ccy,
			Amount:     -utils.Abs(pf(wd.Amt)),
			Fee:        utils.Abs(pf(wd.Fee)),
		})
	}
	return out, nil
}

// fill исполнение: объем в контрактах умножается на ctVal, комиссия OKX отрицательная
func (w *OKX) fill(ctx context.Context, f okxFill) (*RawExecution, error) {
	side, ok := parseSide(f.Side)
	if !ok || f.TradeID == "" {
		w.malformed("fill", f.TradeID, fmt.Errorf("side %q", f.Side))
		return nil, nil
	}
	t, err := utils.ParseUnixMillis(f.Ts)
	if err != nil {
		w.malformed("fill", f.TradeID, err)
		return nil, nil
	}
	inst, err := w.instrument(ctx, f.InstID)
	if err != nil {
		return nil, err
	}
	return &RawExecution{
		ExecID:          f.InstID + ":" + f.TradeID,
		Time:            t,
		Symbol:          f.InstID,
		Side:            side,
		Price:           pf(f.FillPx),
		Qty:             utils.Abs(pf(f.FillSz) * pf(inst.CtVal)),
		Commission:      -pf(f.Fee),
		CommissionAsset: f.FeeCcy,
		Type:            models.ExecTrade,
		Settle:          inst.SettleCcy,
		Inverse:         inst.CtType == "inverse",
		PositionSide:    strings.ToUpper(f.PosSide),
	}, nil
}

type okxFrame struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data jsoniter.RawMessage `json:"data"`
}

// SubscribeUserStream канал orders для SWAP после login
func (w *OKX) SubscribeUserStream(ctx context.Context, onRecord func(Record)) error {
	d := Dialect{
		URL: func(context.Context) (string, error) { return w.wsURL, nil },
		Auth: func() ([]interface{}, error) {
			ts := strconv.FormatInt(w.now().Unix(), 10)
			sig, err := hmacBase64(w.creds.Secret, ts+"GET/users/self/verify")
			if err != nil {
				return nil, err
			}
			var pass string
			err = w.creds.Passphrase.Use(func(p []byte) error {
				pass = string(p)
				return nil
			})
			if err != nil {
				return nil, err
			}
			return []interface{}{map[string]interface{}{
				"op": "login",
				"args": []map[string]string{{
					"apiKey":     w.creds.APIKey,
					"passphrase": pass,
					"timestamp":  ts,
					"sign":       sig,
				}},
			}}, nil
		},
		IsAuthAck: okxAuthAck,
		Ping:      func() (int, []byte) { return textFrame, []byte("ping") },
		IsPong:    func(msg []byte) bool { return string(msg) == "pong" },
	}
	sub := map[string]interface{}{
		"op":   "subscribe",
		"args": []map[string]string{{"channel": "orders", "instType": "SWAP"}},
	}
	return w.openSession(ctx, d, func(msg []byte) { w.handleFrame(msg, onRecord) }, sub)
}

func okxAuthAck(msg []byte) (bool, error) {
	var f okxFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return false, nil
	}
	switch f.Event {
	case "login":
		return f.Code == "0" || f.Code == "", nil
	case "error":
		kind := okxKind(f.Code)
		if kind == KindInternal {
			kind = KindUnavailable
		}
		return false, &Error{Exchange: TagOKX, Kind: kind, Code: f.Code, Message: f.Msg}
	}
	return false, nil
}

type okxOrderUpdate struct {
	InstID     string `json:"instId"`
	TradeID    string `json:"tradeId"`
	FillPx     string `json:"fillPx"`
	FillSz     string `json:"fillSz"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide"`
	FillFee    string `json:"fillFee"`
	FillFeeCcy string `json:"fillFeeCcy"`
	FillTime   string `json:"fillTime"`
	Category   string `json:"category"`
}

func (w *OKX) handleFrame(msg []byte, onRecord func(Record)) {
	var f okxFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		w.log.Warn("undecodable stream frame", utils.Err(err))
		return
	}
	if f.Event != "" || f.Arg.Channel != "orders" {
		return
	}
	var updates []okxOrderUpdate
	if err := json.Unmarshal(f.Data, &updates); err != nil {
		w.log.Warn("bad orders frame", utils.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, u := range updates {
		if u.TradeID == "" || pf(u.FillSz) == 0 {
			continue
		}
		e, err := w.fill(ctx, okxFill{
			InstID:  u.InstID,
			TradeID: u.TradeID,
			FillPx:  u.FillPx,
			FillSz:  u.FillSz,
			Side:    u.Side,
			PosSide: u.PosSide,
			Fee:     u.FillFee,
			FeeCcy:  u.FillFeeCcy,
			Ts:      u.FillTime,
		})
		if err != nil || e == nil {
			w.log.Warn("order update skipped", utils.Symbol(u.InstID), utils.Err(err))
			continue
		}
		if u.Category == "full_liquidation" || u.Category == "partial_liquidation" || u.Category == "adl" {
			e.Type = models.ExecLiquidation
		}
		w.settleCommission(ctx, e)
		w.deliver(onRecord, ExecRecord(e))
	}
}

func okxNoPrice(err error) error {
	if e, ok := err.(*Error); ok && (e.Code == "51001" || e.Code == "51000") {
		return valuation.ErrNoPrice
	}
	return err
}

// Price спотовая цена пары или открытие минутной свечи в прошлом
func (w *OKX) Price(ctx context.Context, base, quote string, at time.Time) (float64, error) {
	instID := w.currencies.Normalize(base) + "-" + w.currencies.Normalize(quote)
	if w.now().Sub(at) > 2*time.Minute {
		var candles [][]string
		err := w.get(ctx, "/api/v5/market/history-candles", url.Values{
			"instId": {instID},
			"bar":    {"1m"},
			"after":  {strconv.FormatInt(at.Add(time.Minute).UnixMilli(), 10)},
			"limit":  {"1"},
		}, false, &candles)
		if err != nil {
			return 0, okxNoPrice(err)
		}
		if len(candles) > 0 && len(candles[0]) > 1 {
			return pf(candles[0][1]), nil
		}
	}
	var tickers []struct {
		Last string `json:"last"`
	}
	if err := w.get(ctx, "/api/v5/market/ticker", url.Values{"instId": {instID}}, false, &tickers); err != nil {
		return 0, okxNoPrice(err)
	}
	if len(tickers) == 0 {
		return 0, valuation.ErrNoPrice
	}
	return pf(tickers[0].Last), nil
}

// MarkPrice маркировочная цена контракта
func (w *OKX) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var list []struct {
		MarkPx string `json:"markPx"`
	}
	err := w.get(ctx, "/api/v5/public/mark-price", url.Values{"instType": {"SWAP"}, "instId": {symbol}}, false, &list)
	if err != nil {
		return 0, err
	}
	if len(list) == 0 {
		return 0, schemaError(w.tag, "mark price", nil)
	}
	return pf(list[0].MarkPx), nil
}
