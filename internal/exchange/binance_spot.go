package exchange

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"

	"tradetracker/internal/models"
	"tradetracker/pkg/ratelimit"
	"tradetracker/pkg/utils"
)

const (
	binanceSpotREST        = "https://api.binance.com"
	binanceSpotWS          = "wss://stream.binance.com:9443"
	binanceSpotTestnetREST = "https://testnet.binance.vision"
	binanceSpotTestnetWS   = "wss://testnet.binance.vision"

	binanceSpotTradeWindow    = 24 * time.Hour
	binanceSpotTransferWindow = 90 * 24 * time.Hour

	binanceDepositSuccess  = 1
	binanceWithdrawSuccess = 6
)

// BinanceSpot воркер спотового счета Binance
type BinanceSpot struct {
	*BaseWorker

	keyMu     sync.Mutex
	listenKey string
}

// NewBinanceSpot создает воркер binance-spot
func NewBinanceSpot(opts Options) (Worker, error) {
	rest, ws := binanceSpotREST, binanceSpotWS
	if opts.Sandbox {
		rest, ws = binanceSpotTestnetREST, binanceSpotTestnetWS
	}
	b := newBase(TagBinanceSpot, opts, rest, ws,
		ratelimit.Bucket{Interval: time.Minute, Max: 1200, Weight: 1})
	w := &BinanceSpot{BaseWorker: b}
	b.sign = b.binanceSigner(b.now)
	b.checkBody = binanceCheck(b.tag)
	b.useTicker(w)
	return w, nil
}

func (w *BinanceSpot) sdk() (*binance.Client, error) {
	secret, err := w.creds.Secret.Reveal()
	if err != nil {
		return nil, &Error{Exchange: w.tag, Kind: KindInternal, Message: "open secret", Err: err}
	}
	c := binance.NewClient(w.creds.APIKey, secret)
	c.BaseURL = w.restURL
	c.HTTPClient = w.http.Standard()
	return c, nil
}

// wallet свободные и заблокированные остатки
func (w *BinanceSpot) wallet(ctx context.Context) (map[string]float64, error) {
	var acc *binance.Account
	err := w.callSDK(ctx, 10, "/api/v3/account", func() error {
		c, err := w.sdk()
		if err != nil {
			return err
		}
		acc, err = c.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	wallet := make(map[string]float64)
	for _, bal := range acc.Balances {
		if v := pf(bal.Free) + pf(bal.Locked); v != 0 {
			wallet[bal.Asset] += v
		}
	}
	return wallet, nil
}

// GetBalance оценка спотового кошелька
func (w *BinanceSpot) GetBalance(ctx context.Context, now time.Time) (*models.Balance, error) {
	wallet, err := w.wallet(ctx)
	if err != nil {
		return nil, err
	}
	return w.valuate(ctx, wallet, now)
}

type binanceSpotTrade struct {
	ID              int64  `json:"id"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

type binanceDeposit struct {
	ID         string `json:"id"`
	TxID       string `json:"txId"`
	Coin       string `json:"coin"`
	Amount     string `json:"amount"`
	Status     int    `json:"status"`
	InsertTime int64  `json:"insertTime"`
}

type binanceWithdrawal struct {
	ID             string `json:"id"`
	Coin           string `json:"coin"`
	Amount         string `json:"amount"`
	TransactionFee string `json:"transactionFee"`
	Status         int    `json:"status"`
	ApplyTime      string `json:"applyTime"`
}

// Synchronize сделки по парам с котировкой в валюте расчетов, вводы и выводы
func (w *BinanceSpot) Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(Record) error) error {
	from, to := w.syncRange(cursor, upto)

	var records []Record
	for _, win := range utils.SplitRange(from, to, binanceSpotTransferWindow) {
		transfers, err := w.transfers(ctx, win)
		if err != nil {
			return err
		}
		for _, t := range transfers {
			if inRange(t.Time, from, to) {
				records = append(records, TransferRecord(t))
			}
		}
	}

	wallet, err := w.wallet(ctx)
	if err != nil {
		return err
	}
	for coin := range wallet {
		if w.currencies.Same(coin, w.quote) {
			continue
		}
		symbol := w.currencies.Normalize(coin) + w.quote
		for _, win := range utils.SplitRange(from, to, binanceSpotTradeWindow) {
			trades, err := w.myTrades(ctx, symbol, win)
			if err != nil {
				if binanceNoPrice(err) != err {
					break // пары нет на рынке
				}
				return err
			}
			for _, tr := range trades {
				e := spotTrade(tr, w.quote)
				if !inRange(e.Time, from, to) {
					continue
				}
				w.settleCommission(ctx, e)
				records = append(records, ExecRecord(e))
			}
		}
	}

	return w.emitSorted(records, yield)
}

func spotTrade(tr binanceSpotTrade, quote string) *RawExecution {
	side := models.SideSell
	if tr.IsBuyer {
		side = models.SideBuy
	}
	settle := quoteOf(tr.Symbol)
	if settle == "" {
		settle = quote
	}
	return &RawExecution{
		ExecID:          strconv.FormatInt(tr.ID, 10),
		Time:            utils.FromUnixMillis(tr.Time),
		Symbol:          tr.Symbol,
		Side:            side,
		Price:           pf(tr.Price),
		Qty:             utils.Abs(pf(tr.Qty)),
		Commission:      utils.Abs(pf(tr.Commission)),
		CommissionAsset: tr.CommissionAsset,
		Type:            models.ExecTrade,
		Settle:          settle,
	}
}

func (w *BinanceSpot) myTrades(ctx context.Context, symbol string, win utils.TimeRange) ([]binanceSpotTrade, error) {
	var out []binanceSpotTrade
	seen := make(map[int64]bool)
	start := win.Start
	for {
		var page []binanceSpotTrade
		err := w.do(ctx, restCall{
			Method: http.MethodGet,
			Path:   "/api/v3/myTrades",
			Query: url.Values{
				"symbol":    {symbol},
				"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
				"endTime":   {strconv.FormatInt(win.End.UnixMilli(), 10)},
				"limit":     {strconv.Itoa(binancePageLimit)},
			},
			Signed: true,
			Weight: 10,
		}, &page)
		if err != nil {
			return nil, err
		}
		fresh := 0
		for _, tr := range page {
			if !seen[tr.ID] {
				seen[tr.ID] = true
				out = append(out, tr)
				fresh++
			}
		}
		if len(page) < binancePageLimit || fresh == 0 {
			return out, nil
		}
		start = utils.FromUnixMillis(page[len(page)-1].Time)
	}
}

// transfers успешные вводы и выводы за окно до 90 дней
func (w *BinanceSpot) transfers(ctx context.Context, win utils.TimeRange) ([]*RawTransfer, error) {
	q := url.Values{
		"startTime": {strconv.FormatInt(win.Start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(win.End.UnixMilli(), 10)},
	}

	var deposits []binanceDeposit
	err := w.do(ctx, restCall{
		Method: http.MethodGet,
		Path:   "/sapi/v1/capital/deposit/hisrec",
		Query:  q,
		Signed: true,
		Weight: 1,
	}, &deposits)
	if err != nil {
		return nil, err
	}
	var withdrawals []binanceWithdrawal
	err = w.do(ctx, restCall{
		Method: http.MethodGet,
		Path:   "/sapi/v1/capital/withdraw/history",
		Query:  q,
		Signed: true,
		Weight: 1,
	}, &withdrawals)
	if err != nil {
		return nil, err
	}

	out := make([]*RawTransfer, 0, len(deposits)+len(withdrawals))
	for _, d := range deposits {
		if d.Status != binanceDepositSuccess {
			continue
		}
		id := d.ID
		if id == "" {
			id = d.TxID
		}
		out = append(out, &RawTransfer{
			ExternalID: "dep:" + id,
			Time:       utils.FromUnixMillis(d.InsertTime),
			Coin:       d.Coin,
			Amount:     pf(d.Amount),
		})
	}
	for _, wd := range withdrawals {
		if wd.Status != binanceWithdrawSuccess {
			continue
		}
		t, err := time.ParseInLocation("2006-01-02 15:04:05", wd.ApplyTime, time.UTC)
		if err != nil {
			w.log.Warn("withdrawal with bad time skipped", utils.String("id", wd.ID), utils.Err(err))
			continue
		}
		out = append(out, &RawTransfer{
			ExternalID: "wd:" + wd.ID,
			Time:       t,
			Coin:       wd.Coin,
			Amount:     -utils.Abs(pf(wd.Amount)),
			Fee:        pf(wd.TransactionFee),
		})
	}
	return out, nil
}

// SubscribeUserStream поток executionReport
func (w *BinanceSpot) SubscribeUserStream(ctx context.Context, onRecord func(Record)) error {
	d := Dialect{
		URL: func(ctx context.Context) (string, error) {
			key, err := w.startListenKey(ctx)
			if err != nil {
				return "", err
			}
			return w.wsURL + "/ws/" + key, nil
		},
	}
	return w.openSession(ctx, d, func(msg []byte) {
		w.handleFrame(msg, onRecord)
	})
}

func (w *BinanceSpot) handleFrame(msg []byte, onRecord func(Record)) {
	var ev binanceStreamEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		w.log.Warn("undecodable stream frame", utils.Err(err))
		return
	}
	switch ev.Event {
	case "executionReport":
		e, ok, err := parseSpotExecutionReport(msg)
		if err != nil {
			w.log.Warn("bad execution report", utils.Err(err))
			return
		}
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		w.settleCommission(ctx, e)
		cancel()
		w.deliver(onRecord, ExecRecord(e))
	case "listenKeyExpired":
		w.setListenKey("")
		w.dropSession()
	}
}

type spotExecutionReport struct {
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	ExecType        string `json:"x"`
	LastQty         string `json:"l"`
	LastPrice       string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TradeTime       int64  `json:"T"`
	TradeID         int64  `json:"t"`
}

// parseSpotExecutionReport исполнение из executionReport; ok=false без сделки
func parseSpotExecutionReport(msg []byte) (*RawExecution, bool, error) {
	var r spotExecutionReport
	if err := json.Unmarshal(msg, &r); err != nil {
		return nil, false, schemaError(TagBinanceSpot, "execution report", err)
	}
	if r.ExecType != "TRADE" {
		return nil, false, nil
	}
	side, ok := parseSide(r.Side)
	if !ok || r.TradeID <= 0 {
		return nil, false, schemaError(TagBinanceSpot, "execution report without side or trade id", nil)
	}
	return &RawExecution{
		ExecID:          strconv.FormatInt(r.TradeID, 10),
		Time:            utils.FromUnixMillis(r.TradeTime),
		Symbol:          r.Symbol,
		Side:            side,
		Price:           pf(r.LastPrice),
		Qty:             utils.Abs(pf(r.LastQty)),
		Commission:      utils.Abs(pf(r.Commission)),
		CommissionAsset: r.CommissionAsset,
		Type:            binanceOrderType(r.OrderType),
		Settle:          quoteOf(r.Symbol),
	}, true, nil
}

func (w *BinanceSpot) setListenKey(key string) {
	w.keyMu.Lock()
	w.listenKey = key
	w.keyMu.Unlock()
}

func (w *BinanceSpot) getListenKey() string {
	w.keyMu.Lock()
	defer w.keyMu.Unlock()
	return w.listenKey
}

func (w *BinanceSpot) startListenKey(ctx context.Context) (string, error) {
	var key string
	err := w.callSDK(ctx, 2, "/api/v3/userDataStream", func() error {
		c, err := w.sdk()
		if err != nil {
			return err
		}
		key, err = c.NewStartUserStreamService().Do(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	w.setListenKey(key)
	return key, nil
}

// KeepAliveInterval период продления listen-key
func (w *BinanceSpot) KeepAliveInterval() time.Duration {
	return w.keepAlive
}

// KeepAlive продлевает listen-key
func (w *BinanceSpot) KeepAlive(ctx context.Context) error {
	key := w.getListenKey()
	if key == "" {
		return nil
	}
	err := w.callSDK(ctx, 2, "/api/v3/userDataStream", func() error {
		c, err := w.sdk()
		if err != nil {
			return err
		}
		return c.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx)
	})
	if e, ok := err.(*Error); ok && e.Code == "-1125" {
		w.setListenKey("")
		w.dropSession()
		return nil
	}
	return err
}

// Price цена пары на споте
func (w *BinanceSpot) Price(ctx context.Context, base, quote string, at time.Time) (float64, error) {
	return w.binancePrice(ctx, "/api/v3/ticker/price", "/api/v3/klines", base, quote, at)
}

// MarkPrice у спота маркировочная цена совпадает с последней
func (w *BinanceSpot) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var tp binanceTickerPrice
	err := w.do(ctx, restCall{
		Method: http.MethodGet,
		Path:   "/api/v3/ticker/price",
		Query:  url.Values{"symbol": {symbol}},
		Weight: 1,
	}, &tp)
	if err != nil {
		return 0, err
	}
	return pf(tp.Price), nil
}

// Cleanup закрывает listen-key и сессию
func (w *BinanceSpot) Cleanup() error {
	if key := w.getListenKey(); key != "" && !w.IsInvalid() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if c, err := w.sdk(); err == nil {
			if err := c.NewCloseUserStreamService().ListenKey(key).Do(ctx); err != nil {
				w.log.Debug("close listen key", utils.Err(err))
			}
		}
		w.setListenKey("")
	}
	return w.BaseWorker.Cleanup()
}
