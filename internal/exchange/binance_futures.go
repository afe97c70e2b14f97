package exchange

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"tradetracker/internal/models"
	"tradetracker/pkg/ratelimit"
	"tradetracker/pkg/utils"
)

const (
	binanceFuturesREST        = "https://fapi.binance.com"
	binanceFuturesWS          = "wss://fstream.binance.com"
	binanceFuturesTestnetREST = "https://testnet.binancefuture.com"
	binanceFuturesTestnetWS   = "wss://stream.binancefuture.com"

	binanceFuturesWindow = 7 * 24 * time.Hour
	binancePageLimit     = 1000
)

// BinanceFutures воркер USDT-M фьючерсов Binance.
//
// Снимок счета и listen-key идут через go-binance, история через подписанные
// запросы /fapi/v1/income (переводы, funding, список торгуемых символов)
// и /fapi/v1/userTrades по каждому символу окнами по 7 дней.
type BinanceFutures struct {
	*BaseWorker

	keyMu     sync.Mutex
	listenKey string
}

// NewBinanceFutures создает воркер binance-futures
func NewBinanceFutures(opts Options) (Worker, error) {
	rest, ws := binanceFuturesREST, binanceFuturesWS
	if opts.Sandbox {
		rest, ws = binanceFuturesTestnetREST, binanceFuturesTestnetWS
	}
	b := newBase(TagBinanceFutures, opts, rest, ws,
		ratelimit.Bucket{Interval: time.Minute, Max: 2400, Weight: 1})
	w := &BinanceFutures{BaseWorker: b}
	b.sign = b.binanceSigner(b.now)
	b.checkBody = binanceCheck(b.tag)
	b.useTicker(w)
	return w, nil
}

// sdk клиент go-binance. Секрет нужен ему строкой, поэтому клиент живет один вызов.
func (w *BinanceFutures) sdk() (*futures.Client, error) {
	secret, err := w.creds.Secret.Reveal()
	if err != nil {
		return nil, &Error{Exchange: w.tag, Kind: KindInternal, Message: "open secret", Err: err}
	}
	c := futures.NewClient(w.creds.APIKey, secret)
	c.BaseURL = w.restURL
	c.HTTPClient = w.http.Standard()
	return c, nil
}

// GetBalance кошелек фьючерсного счета
func (w *BinanceFutures) GetBalance(ctx context.Context, now time.Time) (*models.Balance, error) {
	var acc *futures.Account
	err := w.callSDK(ctx, 5, "/fapi/v2/account", func() error {
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

	wallet := make(map[string]float64, len(acc.Assets))
	for _, a := range acc.Assets {
		if v := pf(a.WalletBalance); v != 0 {
			wallet[a.Asset] += v
		}
	}
	return w.valuate(ctx, wallet, now)
}

type binanceIncome struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Asset      string `json:"asset"`
	Time       int64  `json:"time"`
	TranID     int64  `json:"tranId"`
}

type binanceFuturesTrade struct {
	ID              int64  `json:"id"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	PositionSide    string `json:"positionSide"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	RealizedPnl     string `json:"realizedPnl"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

// Synchronize история с курсора до upto
func (w *BinanceFutures) Synchronize(ctx context.Context, cursor models.SyncCursor, upto time.Time, yield func(Record) error) error {
	from, to := w.syncRange(cursor, upto)

	var records []Record
	symbols := make(map[string]bool)
	for _, win := range utils.SplitRange(from, to, binanceFuturesWindow) {
		incomes, err := w.incomes(ctx, win)
		if err != nil {
			return err
		}
		for _, in := range incomes {
			t := utils.FromUnixMillis(in.Time)
			if !inRange(t, from, to) {
				continue
			}
			id := strconv.FormatInt(in.TranID, 10)
			switch in.IncomeType {
			case "TRANSFER":
				records = append(records, TransferRecord(&RawTransfer{
					ExternalID: id,
					Time:       t,
					Coin:       in.Asset,
					Amount:     pf(in.Income),
				}))
			case "FUNDING_FEE":
				records = append(records, ExecRecord(&RawExecution{
					ExecID:      "funding:" + id,
					Time:        t,
					Symbol:      in.Symbol,
					Side:        models.SideBuy,
					Type:        models.ExecFunding,
					Settle:      in.Asset,
					RealizedPnl: ptr(pf(in.Income)),
				}))
			case "REALIZED_PNL", "COMMISSION", "INSURANCE_CLEAR":
				if in.Symbol != "" {
					symbols[in.Symbol] = true
				}
			}
		}
	}

	for symbol := range symbols {
		for _, win := range utils.SplitRange(from, to, binanceFuturesWindow) {
			trades, err := w.userTrades(ctx, symbol, win)
			if err != nil {
				return err
			}
			for _, tr := range trades {
				e, ok := w.futuresTrade(tr)
				if !ok || !inRange(e.Time, from, to) {
					continue
				}
				w.settleCommission(ctx, e)
				records = append(records, ExecRecord(e))
			}
		}
	}

	return w.emitSorted(records, yield)
}

func (w *BinanceFutures) futuresTrade(tr binanceFuturesTrade) (*RawExecution, bool) {
	side, ok := parseSide(tr.Side)
	if !ok || tr.ID == 0 {
		w.log.Warn("trade without side or id skipped", utils.Symbol(tr.Symbol))
		return nil, false
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
		Settle:          quoteOf(tr.Symbol),
		RealizedPnl:     ptr(pf(tr.RealizedPnl)),
		PositionSide:    tr.PositionSide,
	}, true
}

// incomes журнал доходов за окно с постраничной догрузкой
func (w *BinanceFutures) incomes(ctx context.Context, win utils.TimeRange) ([]binanceIncome, error) {
	var out []binanceIncome
	start := win.Start
	for {
		var page []binanceIncome
		err := w.do(ctx, restCall{
			Method: http.MethodGet,
			Path:   "/fapi/v1/income",
			Query: url.Values{
				"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
				"endTime":   {strconv.FormatInt(win.End.UnixMilli(), 10)},
				"limit":     {strconv.Itoa(binancePageLimit)},
			},
			Signed: true,
			Weight: 30,
		}, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < binancePageLimit {
			return out, nil
		}
		start = utils.FromUnixMillis(page[len(page)-1].Time + 1)
	}
}

// userTrades сделки по символу за окно не длиннее 7 дней
func (w *BinanceFutures) userTrades(ctx context.Context, symbol string, win utils.TimeRange) ([]binanceFuturesTrade, error) {
	var out []binanceFuturesTrade
	seen := make(map[int64]bool)
	start := win.Start
	for {
		var page []binanceFuturesTrade
		err := w.do(ctx, restCall{
			Method: http.MethodGet,
			Path:   "/fapi/v1/userTrades",
			Query: url.Values{
				"symbol":    {symbol},
				"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
				"endTime":   {strconv.FormatInt(win.End.UnixMilli(), 10)},
				"limit":     {strconv.Itoa(binancePageLimit)},
			},
			Signed: true,
			Weight: 5,
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
		// у нескольких сделок может быть одна миллисекунда: начинаем с нее же
		start = utils.FromUnixMillis(page[len(page)-1].Time)
	}
}

// SubscribeUserStream поток ORDER_TRADE_UPDATE по listen-key
func (w *BinanceFutures) SubscribeUserStream(ctx context.Context, onRecord func(Record)) error {
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

func (w *BinanceFutures) handleFrame(msg []byte, onRecord func(Record)) {
	var ev binanceStreamEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		w.log.Warn("undecodable stream frame", utils.Err(err))
		return
	}
	switch ev.Event {
	case "ORDER_TRADE_UPDATE":
		e, ok, err := parseFuturesOrderUpdate(msg)
		if err != nil {
			w.log.Warn("bad order update", utils.Err(err))
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
		w.log.Warn("listen key expired, reconnecting")
		w.setListenKey("")
		w.dropSession()
	}
}

type futuresOrderUpdate struct {
	Event string `json:"e"`
	Order struct {
		Symbol          string `json:"s"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		OrigType        string `json:"ot"`
		ExecType        string `json:"x"`
		Status          string `json:"X"`
		LastPrice       string `json:"L"`
		LastQty         string `json:"l"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
		RealizedPnl     string `json:"rp"`
		PositionSide    string `json:"ps"`
	} `json:"o"`
}

// parseFuturesOrderUpdate исполнение из ORDER_TRADE_UPDATE; ok=false для событий без сделки
func parseFuturesOrderUpdate(msg []byte) (*RawExecution, bool, error) {
	var u futuresOrderUpdate
	if err := json.Unmarshal(msg, &u); err != nil {
		return nil, false, schemaError(TagBinanceFutures, "order update", err)
	}
	o := u.Order
	if o.ExecType != "TRADE" {
		return nil, false, nil
	}
	side, ok := parseSide(o.Side)
	if !ok || o.TradeID == 0 {
		return nil, false, schemaError(TagBinanceFutures, "order update without side or trade id", nil)
	}
	orderType := o.OrigType
	if o.OrderType == "LIQUIDATION" {
		orderType = o.OrderType
	}
	return &RawExecution{
		ExecID:          strconv.FormatInt(o.TradeID, 10),
		Time:            utils.FromUnixMillis(o.TradeTime),
		Symbol:          o.Symbol,
		Side:            side,
		Price:           pf(o.LastPrice),
		Qty:             utils.Abs(pf(o.LastQty)),
		Commission:      utils.Abs(pf(o.Commission)),
		CommissionAsset: o.CommissionAsset,
		Type:            binanceOrderType(orderType),
		Settle:          quoteOf(o.Symbol),
		RealizedPnl:     ptr(pf(o.RealizedPnl)),
		PositionSide:    o.PositionSide,
	}, true, nil
}

func (w *BinanceFutures) setListenKey(key string) {
	w.keyMu.Lock()
	w.listenKey = key
	w.keyMu.Unlock()
}

func (w *BinanceFutures) getListenKey() string {
	w.keyMu.Lock()
	defer w.keyMu.Unlock()
	return w.listenKey
}

func (w *BinanceFutures) startListenKey(ctx context.Context) (string, error) {
	var key string
	err := w.callSDK(ctx, 1, "/fapi/v1/listenKey", func() error {
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

// KeepAliveInterval listen-key живет 60 минут
func (w *BinanceFutures) KeepAliveInterval() time.Duration {
	return w.keepAlive
}

// KeepAlive продлевает listen-key; если биржа его уже забыла, сессия переподключится с новым
func (w *BinanceFutures) KeepAlive(ctx context.Context) error {
	key := w.getListenKey()
	if key == "" {
		return nil
	}
	err := w.callSDK(ctx, 1, "/fapi/v1/listenKey", func() error {
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

// Price цена пары на фьючерсном рынке
func (w *BinanceFutures) Price(ctx context.Context, base, quote string, at time.Time) (float64, error) {
	return w.binancePrice(ctx, "/fapi/v1/ticker/price", "/fapi/v1/klines", base, quote, at)
}

// MarkPrice маркировочная цена из premiumIndex
func (w *BinanceFutures) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		MarkPrice string `json:"markPrice"`
	}
	err := w.do(ctx, restCall{
		Method: http.MethodGet,
		Path:   "/fapi/v1/premiumIndex",
		Query:  url.Values{"symbol": {symbol}},
		Weight: 1,
	}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.MarkPrice == "" {
		return 0, schemaError(w.tag, "mark price", nil)
	}
	return pf(resp.MarkPrice), nil
}

// Cleanup закрывает listen-key и сессию
func (w *BinanceFutures) Cleanup() error {
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
