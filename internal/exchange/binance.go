package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"

	"tradetracker/internal/models"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/retry"
	"tradetracker/pkg/utils"
)

// Общее для binance-futures и binance-spot: подпись, коды ошибок,
// разбор ответов SDK и событий потока.

const binanceRecvWindow = "5000"

// binanceKind класс ошибки по коду Binance
func binanceKind(status int, code int64) Kind {
	switch code {
	case -2014, -2015, -1022, -2008:
		return KindUserInput
	case -1003, -1015:
		return KindRateLimited
	case -1021, -1001, -1007:
		return KindUnavailable
	}
	if code == 0 && status == 0 {
		return KindUnavailable
	}
	return Classify(status)
}

type binanceAPIError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

// binanceSigner подпись query-строки: timestamp, recvWindow и signature в конце
func (b *BaseWorker) binanceSigner(now func() time.Time) func(req *http.Request, body []byte) error {
	return func(req *http.Request, body []byte) error {
		q := req.URL.RawQuery
		if q != "" {
			q += "&"
		}
		q += "recvWindow=" + binanceRecvWindow + "&timestamp=" + strconv.FormatInt(now().UnixMilli(), 10)
		sig, err := binanceSignature(b.creds.Secret, q, string(body))
		if err != nil {
			return err
		}
		req.URL.RawQuery = q + "&signature=" + sig
		req.Header.Set("X-MBX-APIKEY", b.creds.APIKey)
		return nil
	}
}

// binanceCheck ошибка Binance приходит только с не-2xx статусом
func binanceCheck(tag string) func(resp *http.Response, body []byte) *Error {
	return func(resp *http.Response, body []byte) *Error {
		if resp.StatusCode < 400 {
			return nil
		}
		var apiErr binanceAPIError
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == 0 {
			return nil // статус классифицирует база
		}
		return &Error{
			Exchange: tag,
			Kind:     binanceKind(resp.StatusCode, apiErr.Code),
			Status:   resp.StatusCode,
			Code:     strconv.FormatInt(apiErr.Code, 10),
			Message:  apiErr.Msg,
		}
	}
}

// sdkError классифицирует ошибку go-binance
func sdkError(tag string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var own *Error
	if errors.As(err, &own) {
		return own
	}
	if common.IsAPIError(err) {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			if apiErr.Code == 0 {
				// тело не JSON: прокси или 5xx страница
				return &Error{Exchange: tag, Kind: KindUnavailable, Message: apiErr.Message, Err: err}
			}
			return &Error{
				Exchange: tag,
				Kind:     binanceKind(0, apiErr.Code),
				Code:     strconv.FormatInt(apiErr.Code, 10),
				Message:  apiErr.Message,
				Err:      err,
			}
		}
	}
	return &Error{Exchange: tag, Kind: KindUnavailable, Err: err}
}

// callSDK вызов go-binance через лимитер, классификацию и повторы
func (b *BaseWorker) callSDK(ctx context.Context, weight int, endpoint string, fn func() error) error {
	if b.invalid.Load() {
		return b.invalidError()
	}
	cfg := b.retryCfg
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		b.log.Warn("retrying exchange request",
			utils.String("endpoint", endpoint),
			utils.Attempt(attempt),
			utils.Err(err))
	}
	return retry.Do(ctx, func() error {
		if b.invalid.Load() {
			return b.invalidError()
		}
		if err := b.limiter.WaitN(ctx, weight); err != nil {
			return err
		}
		start := time.Now()
		err := fn()
		observeREST(b.tag, endpoint, start)
		if err == nil {
			return nil
		}
		return b.fail(sdkError(b.tag, err))
	}, cfg)
}

// binanceNoPrice неизвестный символ означает отсутствие рынка
func binanceNoPrice(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Code == "-1121" {
		return valuation.ErrNoPrice
	}
	return err
}

type binanceTickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// binancePrice цена пары: текущая или открытие минутной свечи на момент at
func (b *BaseWorker) binancePrice(ctx context.Context, tickerPath, klinesPath, base, quote string, at time.Time) (float64, error) {
	symbol := b.currencies.Normalize(base) + b.currencies.Normalize(quote)
	if b.now().Sub(at) > 2*time.Minute {
		var klines [][]interface{}
		err := b.do(ctx, restCall{
			Method: http.MethodGet,
			Path:   klinesPath,
			Query: url.Values{
				"symbol":    {symbol},
				"interval":  {"1m"},
				"startTime": {strconv.FormatInt(at.UnixMilli(), 10)},
				"limit":     {"1"},
			},
			Weight: 1,
		}, &klines)
		if err != nil {
			return 0, binanceNoPrice(err)
		}
		if len(klines) > 0 && len(klines[0]) > 1 {
			if s, ok := klines[0][1].(string); ok {
				return pf(s), nil
			}
		}
		// свечи нет: берем текущую цену
	}

	var tp binanceTickerPrice
	err := b.do(ctx, restCall{
		Method: http.MethodGet,
		Path:   tickerPath,
		Query:  url.Values{"symbol": {symbol}},
		Weight: 1,
	}, &tp)
	if err != nil {
		return 0, binanceNoPrice(err)
	}
	if tp.Price == "" {
		return 0, schemaError(b.tag, "ticker price", nil)
	}
	return pf(tp.Price), nil
}

// binanceOrderType тип исполнения по типу ордера
func binanceOrderType(orderType string) models.ExecType {
	switch orderType {
	case "LIQUIDATION":
		return models.ExecLiquidation
	case "STOP", "STOP_MARKET", "STOP_LOSS", "STOP_LOSS_LIMIT", "TRAILING_STOP_MARKET":
		return models.ExecStop
	case "TAKE_PROFIT", "TAKE_PROFIT_MARKET", "TAKE_PROFIT_LIMIT":
		return models.ExecTP
	default:
		return models.ExecTrade
	}
}

// binanceStreamEvent заголовок события user data stream
type binanceStreamEvent struct {
	Event string `json:"e"`
}

// quoteOf валюта котировки символа (BTCUSDT -> USDT)
func quoteOf(symbol string) string {
	for _, q := range []string{"USDT", "BUSD", "USDC", "FDUSD", "TUSD", "BTC", "ETH", "BNB", "USD"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return q
		}
	}
	return ""
}
