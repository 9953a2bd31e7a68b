// Package exchange implements the HMAC-signed REST/WS boundary to the
// exchange, per SPEC_FULL.md §4.11/§4.12's ApiClient collaborator. Grounded
// on internal/execution/adapters/binance.go's signing, account, order and
// stream plumbing, adapted to this module's OrderRequest/Execution/Kline
// vocabulary and trimmed to the operations the live engine and reconciler
// actually call. The teacher's hand-rolled token-bucket RateLimiter is
// replaced with golang.org/x/time/rate, the ecosystem's standard rate
// limiter.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Balance is one asset's free balance, per the account endpoint.
type Balance struct {
	Asset string
	Free  decimal.Decimal
}

// ExchangePosition is one open position as reported by the exchange,
// authoritative input to the reconciler.
type ExchangePosition struct {
	Symbol      string
	Side        types.OrderSide
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// BookTicker is a best-bid/best-ask update.
type BookTicker struct {
	Symbol  string
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
}

// MarkPrice is a mark-price stream update.
type MarkPrice struct {
	Symbol string
	Price  decimal.Decimal
}

// Adapter is the capability set the live engine and reconciler need from an
// exchange. A concrete adapter, not a pluggable registry: SPEC_FULL.md
// targets one exchange per deployment.
type Adapter interface {
	GetBalances(ctx context.Context) ([]Balance, error)
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, order types.OrderRequest) (types.Execution, error)

	SubscribeKlines(ctx context.Context, symbols []string, interval types.Interval) (<-chan types.Kline, error)
	SubscribeBookTicker(ctx context.Context, symbols []string) (<-chan BookTicker, error)
	SubscribeMarkPrice(ctx context.Context, symbols []string) (<-chan MarkPrice, error)
}

// Config carries connection and credential parameters.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// BinanceAdapter is the concrete Adapter implementation.
type BinanceAdapter struct {
	log        *zap.Logger
	apiKey     string
	apiSecret  string
	baseURL    string
	wsURL      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewBinanceAdapter constructs a BinanceAdapter. The rate limiter allows
// Binance's documented 1200 requests/minute, refilled continuously rather
// than in a fixed window.
func NewBinanceAdapter(cfg Config, log *zap.Logger) *BinanceAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	baseURL, wsURL := "https://api.binance.com", "wss://stream.binance.com:9443/ws"
	if cfg.Testnet {
		baseURL, wsURL = "https://testnet.binance.vision", "wss://testnet.binance.vision/ws"
	}
	return &BinanceAdapter{
		log:        log.Named("binance"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    baseURL,
		wsURL:      wsURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/1200), 50),
	}
}

// GetBalances fetches the account's free balances per asset.
func (b *BinanceAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	account, err := b.getAccount(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(account.Balances))
	for _, bal := range account.Balances {
		if bal.Free.IsPositive() {
			out = append(out, Balance{Asset: bal.Asset, Free: bal.Free})
		}
	}
	return out, nil
}

// GetPositions fetches open futures positions. A non-zero position_amt is
// long if positive, short if negative, per §4.12 step 4.
func (b *BinanceAdapter) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := b.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("exchange: get positions: %w", err)
	}
	defer resp.Body.Close()

	var raw []struct {
		Symbol           string          `json:"symbol"`
		PositionAmt      decimal.Decimal `json:"positionAmt"`
		EntryPrice       decimal.Decimal `json:"entryPrice"`
		UnrealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	}
	if err := decodeJSON(resp, &raw); err != nil {
		return nil, fmt.Errorf("exchange: decode positions: %w", err)
	}

	var out []ExchangePosition
	for _, p := range raw {
		if p.PositionAmt.IsZero() {
			continue
		}
		side := types.OrderSideBuy
		if p.PositionAmt.IsNegative() {
			side = types.OrderSideSell
		}
		out = append(out, ExchangePosition{
			Symbol: p.Symbol, Side: side, Quantity: p.PositionAmt.Abs(),
			EntryPrice: p.EntryPrice, UnrealizedPnL: p.UnrealizedProfit,
		})
	}
	return out, nil
}

// SetLeverage sets a symbol's leverage, per §4.11 step 2.
func (b *BinanceAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", strings.ReplaceAll(symbol, "/", ""))
	params.Set("leverage", strconv.Itoa(leverage))
	resp, err := b.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	if err != nil {
		return fmt.Errorf("exchange: set leverage: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// PlaceOrder submits a market or limit order and translates the exchange's
// fill response into an Execution.
func (b *BinanceAdapter) PlaceOrder(ctx context.Context, order types.OrderRequest) (types.Execution, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return types.Execution{}, err
	}
	params := url.Values{}
	params.Set("symbol", strings.ReplaceAll(order.Symbol, "/", ""))
	params.Set("side", strings.ToUpper(string(order.Side)))
	params.Set("quantity", order.Quantity.String())
	switch order.Type {
	case types.OrderTypeLimit:
		// LIMIT_MAKER is rejected by the exchange if it would trade
		// immediately, so every limit order placed here is post-only.
		params.Set("type", "LIMIT_MAKER")
		if order.LimitPrice != nil {
			params.Set("price", order.LimitPrice.String())
		}
	default:
		params.Set("type", "MARKET")
	}
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}

	resp, err := b.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return types.Execution{}, fmt.Errorf("exchange: place order: %w", err)
	}
	defer resp.Body.Close()

	var fill struct {
		Symbol              string          `json:"symbol"`
		Side                string          `json:"side"`
		Price               decimal.Decimal `json:"price"`
		ExecutedQty         decimal.Decimal `json:"executedQty"`
		CumulativeQuoteQty  decimal.Decimal `json:"cummulativeQuoteQty"`
		TransactTime        int64           `json:"transactTime"`
	}
	if err := decodeJSON(resp, &fill); err != nil {
		return types.Execution{}, fmt.Errorf("exchange: decode fill: %w", err)
	}

	avgPrice := fill.Price
	if avgPrice.IsZero() && fill.ExecutedQty.IsPositive() {
		avgPrice = fill.CumulativeQuoteQty.Div(fill.ExecutedQty)
	}
	return types.Execution{
		ID:            fmt.Sprintf("%s-%d", fill.Symbol, fill.TransactTime),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Price:         avgPrice,
		Quantity:      fill.ExecutedQty,
		Timestamp:     time.UnixMilli(fill.TransactTime),
	}, nil
}

func (b *BinanceAdapter) getAccount(ctx context.Context) (*binanceAccount, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("exchange: get account: %w", err)
	}
	defer resp.Body.Close()

	var account binanceAccount
	if err := decodeJSON(resp, &account); err != nil {
		return nil, fmt.Errorf("exchange: decode account: %w", err)
	}
	return &account, nil
}

type binanceAccount struct {
	Balances []struct {
		Asset string          `json:"asset"`
		Free  decimal.Decimal `json:"free"`
	} `json:"balances"`
}

// signedRequest appends a timestamp and HMAC-SHA256 signature over the
// query string, per Binance's signed-endpoint convention.
func (b *BinanceAdapter) signedRequest(ctx context.Context, method, endpoint string, params url.Values) (*http.Response, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	signature := b.Sign(params.Encode())
	params.Set("signature", signature)

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, string(body))
	}
	return resp, nil
}

// Sign computes the HMAC-SHA256 signature Binance requires on every signed
// endpoint's query string.
func (b *BinanceAdapter) Sign(data string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func decodeJSON(resp *http.Response, v any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// SubscribeKlines opens one combined-stream websocket per interval, per
// §4.11 step 5 ("multiple symbols share one subscription per interval").
func (b *BinanceAdapter) SubscribeKlines(ctx context.Context, symbols []string, interval types.Interval) (<-chan types.Kline, error) {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(strings.ReplaceAll(s, "/", "")) + "@kline_" + string(interval)
	}
	out := make(chan types.Kline, 256)
	go b.streamLoop(ctx, streams, func(raw json.RawMessage) {
		var msg struct {
			Data struct {
				Symbol string `json:"s"`
				K      struct {
					OpenTime  int64           `json:"t"`
					CloseTime int64           `json:"T"`
					Open      decimal.Decimal `json:"o"`
					High      decimal.Decimal `json:"h"`
					Low       decimal.Decimal `json:"l"`
					Close     decimal.Decimal `json:"c"`
					Volume    decimal.Decimal `json:"v"`
					Closed    bool            `json:"x"`
				} `json:"k"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || !msg.Data.K.Closed {
			return
		}
		out <- types.Kline{
			Symbol: FormatSymbol(msg.Data.Symbol), Interval: interval,
			OpenTime: time.UnixMilli(msg.Data.K.OpenTime), CloseTime: time.UnixMilli(msg.Data.K.CloseTime),
			Open: msg.Data.K.Open, High: msg.Data.K.High, Low: msg.Data.K.Low, Close: msg.Data.K.Close, Volume: msg.Data.K.Volume,
		}
	})
	return out, nil
}

// SubscribeBookTicker opens one combined-stream websocket for best bid/ask
// across all symbols.
func (b *BinanceAdapter) SubscribeBookTicker(ctx context.Context, symbols []string) (<-chan BookTicker, error) {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(strings.ReplaceAll(s, "/", "")) + "@bookTicker"
	}
	out := make(chan BookTicker, 256)
	go b.streamLoop(ctx, streams, func(raw json.RawMessage) {
		var msg struct {
			Data struct {
				Symbol   string          `json:"s"`
				BidPrice decimal.Decimal `json:"b"`
				AskPrice decimal.Decimal `json:"a"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		out <- BookTicker{Symbol: FormatSymbol(msg.Data.Symbol), BidPrice: msg.Data.BidPrice, AskPrice: msg.Data.AskPrice}
	})
	return out, nil
}

// SubscribeMarkPrice opens one combined-stream websocket for mark prices.
func (b *BinanceAdapter) SubscribeMarkPrice(ctx context.Context, symbols []string) (<-chan MarkPrice, error) {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(strings.ReplaceAll(s, "/", "")) + "@markPrice@1s"
	}
	out := make(chan MarkPrice, 256)
	go b.streamLoop(ctx, streams, func(raw json.RawMessage) {
		var msg struct {
			Data struct {
				Symbol string          `json:"s"`
				Price  decimal.Decimal `json:"p"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		out <- MarkPrice{Symbol: FormatSymbol(msg.Data.Symbol), Price: msg.Data.Price}
	})
	return out, nil
}

const klineFetchLimit = 1000

// FetchHistoricalKlines fetches closed klines for one symbol/interval over
// [start, end) from the public REST klines endpoint, used by the
// `backfill` CLI subcommand. Unlike PlaceOrder/GetBalances this endpoint is
// unsigned and paginates at klineFetchLimit bars per request.
func (b *BinanceAdapter) FetchHistoricalKlines(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Kline, error) {
	var out []types.Kline
	cursor := start
	for cursor.Before(end) {
		params := url.Values{}
		params.Set("symbol", strings.ReplaceAll(symbol, "/", ""))
		params.Set("interval", string(interval))
		params.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(klineFetchLimit))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v3/klines?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("exchange: fetch klines: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("exchange: fetch klines: status %d: %s", resp.StatusCode, string(body))
		}

		var rows [][]any
		if err := decodeJSON(resp, &rows); err != nil {
			return nil, fmt.Errorf("exchange: fetch klines: decode: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			k, err := klineFromRow(symbol, interval, row)
			if err != nil {
				return nil, fmt.Errorf("exchange: fetch klines: row: %w", err)
			}
			out = append(out, k)
		}
		last := out[len(out)-1]
		if !last.CloseTime.After(cursor) {
			break
		}
		cursor = last.CloseTime.Add(time.Millisecond)
	}
	return out, nil
}

// klineFromRow decodes one row of Binance's classic klines array-of-arrays
// response: [openTime, open, high, low, close, volume, closeTime, ...].
func klineFromRow(symbol string, interval types.Interval, row []any) (types.Kline, error) {
	if len(row) < 7 {
		return types.Kline{}, fmt.Errorf("short row: %d fields", len(row))
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return types.Kline{}, fmt.Errorf("openTime not numeric")
	}
	closeMs, ok := row[6].(float64)
	if !ok {
		return types.Kline{}, fmt.Errorf("closeTime not numeric")
	}
	open, err := decimal.NewFromString(fmt.Sprint(row[1]))
	if err != nil {
		return types.Kline{}, err
	}
	high, err := decimal.NewFromString(fmt.Sprint(row[2]))
	if err != nil {
		return types.Kline{}, err
	}
	low, err := decimal.NewFromString(fmt.Sprint(row[3]))
	if err != nil {
		return types.Kline{}, err
	}
	closePrice, err := decimal.NewFromString(fmt.Sprint(row[4]))
	if err != nil {
		return types.Kline{}, err
	}
	volume, err := decimal.NewFromString(fmt.Sprint(row[5]))
	if err != nil {
		return types.Kline{}, err
	}
	return types.Kline{
		Symbol: symbol, Interval: interval,
		OpenTime: time.UnixMilli(int64(openMs)), CloseTime: time.UnixMilli(int64(closeMs)),
		Open: open, High: high, Low: low, Close: closePrice, Volume: volume,
	}, nil
}

// streamReconnectBackoff is the fixed reconnect delay of §4.11's
// "Connection resilience" requirement.
const streamReconnectBackoff = 5 * time.Second

// streamLoop connects to a combined stream and invokes handle for every
// message, reconnecting with a fixed backoff on drop until ctx is done.
func (b *BinanceAdapter) streamLoop(ctx context.Context, streams []string, handle func(json.RawMessage)) {
	url := b.wsURL + "/stream?streams=" + strings.Join(streams, "/")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			b.log.Warn("exchange: stream connect failed, retrying", zap.Error(err), zap.Duration("backoff", streamReconnectBackoff))
			time.Sleep(streamReconnectBackoff)
			continue
		}

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				b.log.Warn("exchange: stream dropped, reconnecting", zap.Error(err))
				conn.Close()
				break
			}
			handle(message)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnectBackoff):
		}
	}
}

// FormatSymbol converts an exchange-native symbol (BTCUSDT) to this
// module's slash-separated form (BTC/USDT).
func FormatSymbol(raw string) string {
	quotes := []string{"USDT", "BUSD", "BTC", "ETH", "BNB"}
	for _, q := range quotes {
		if strings.HasSuffix(raw, q) && len(raw) > len(q) {
			return raw[:len(raw)-len(q)] + "/" + q
		}
	}
	return raw
}
