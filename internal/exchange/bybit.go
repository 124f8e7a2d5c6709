package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/util"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"

	recvWindow = "5000"
	category   = "linear"
)

// BybitClient talks to the Bybit v5 unified trading API. Stateless except
// for the hedge-mode flag and the instrument/leverage caches.
type BybitClient struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	logger    *log.Logger

	mu          sync.Mutex
	hedgeMode   *bool // nil until first detection
	instruments map[string]*Instrument
	leverages   map[string]int
}

// Ensure BybitClient implements Exchange at compile time.
var _ Exchange = (*BybitClient)(nil)

// NewBybitClient creates a client against mainnet or testnet.
func NewBybitClient(apiKey, apiSecret string, testnet bool, logger *log.Logger) *BybitClient {
	baseURL := mainnetURL
	if testnet {
		baseURL = testnetURL
	}
	return NewBybitClientWithURL(apiKey, apiSecret, baseURL, logger)
}

// NewBybitClientWithURL creates a client against an explicit base URL.
// Tests point this at an httptest server.
func NewBybitClientWithURL(apiKey, apiSecret, baseURL string, logger *log.Logger) *BybitClient {
	if logger == nil {
		logger = log.Default()
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &BybitClient{
		http:        httpClient,
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		logger:      logger,
		instruments: make(map[string]*Instrument),
		leverages:   make(map[string]int),
	}
}

// apiResponse is the v5 envelope around every endpoint.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitClient) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(timestamp + b.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *BybitClient) authHeaders(payload string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		"X-BAPI-API-KEY":     b.apiKey,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN-TYPE":   "2",
		"X-BAPI-SIGN":        b.sign(ts, payload),
	}
}

func decodeResponse(resp *resty.Response, err error, path string, out any) error {
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &APIError{Status: resp.StatusCode(), Msg: resp.String()}
	}
	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	if envelope.RetCode != 0 {
		return &APIError{Status: resp.StatusCode(), Code: envelope.RetCode, Msg: envelope.RetMsg}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", path, err)
		}
	}
	return nil
}

func (b *BybitClient) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	query := params.Encode()
	req := b.http.R().SetContext(ctx).SetQueryString(query)
	if signed {
		req.SetHeaders(b.authHeaders(query))
	}
	resp, err := req.Get(path)
	return decodeResponse(resp, err, path, out)
}

func (b *BybitClient) post(ctx context.Context, path string, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", path, err)
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetHeaders(b.authHeaders(string(raw))).
		SetBody(json.RawMessage(raw)).
		Post(path)
	return decodeResponse(resp, err, path, out)
}

// num parses the exchange's string-encoded numbers. Empty and malformed
// values read as zero.
func num(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// fmtNum renders a float the way the API expects, without float64
// formatting artifacts.
func fmtNum(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	return decimal.NewFromFloat(v).String()
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Quote returns the current bid, ask and mark price.
func (b *BybitClient) Quote(ctx context.Context, symbol string) (*Quote, error) {
	var result struct {
		List []struct {
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			MarkPrice string `json:"markPrice"`
		} `json:"list"`
	}
	params := url.Values{"category": {category}, "symbol": {symbol}}
	if err := b.get(ctx, "/v5/market/tickers", params, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("quote: no ticker for %s", symbol)
	}
	t := result.List[0]
	return &Quote{Bid: num(t.Bid1Price), Ask: num(t.Ask1Price), Mark: num(t.MarkPrice)}, nil
}

// Instrument returns the trading rules for a symbol, cached after the
// first fetch.
func (b *BybitClient) Instrument(ctx context.Context, symbol string) (*Instrument, error) {
	b.mu.Lock()
	if inst, ok := b.instruments[symbol]; ok {
		b.mu.Unlock()
		return inst, nil
	}
	b.mu.Unlock()

	var result struct {
		List []struct {
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
				MinPrice string `json:"minPrice"`
			} `json:"priceFilter"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}
	params := url.Values{"category": {category}, "symbol": {symbol}}
	if err := b.get(ctx, "/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("instrument: unknown symbol %s", symbol)
	}
	info := result.List[0]
	inst := &Instrument{
		MinQty:      num(info.LotSizeFilter.MinOrderQty),
		QtyStep:     num(info.LotSizeFilter.QtyStep),
		TickSize:    num(info.PriceFilter.TickSize),
		MinPrice:    num(info.PriceFilter.MinPrice),
		MaxLeverage: num(info.LeverageFilter.MaxLeverage),
	}

	b.mu.Lock()
	b.instruments[symbol] = inst
	b.mu.Unlock()
	return inst, nil
}

// Klines returns up to limit OHLCV bars, oldest first.
func (b *BybitClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	var result struct {
		List [][]string `json:"list"`
	}
	params := url.Values{
		"category": {category},
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := b.get(ctx, "/v5/market/kline", params, false, &result); err != nil {
		return nil, err
	}

	// The API returns newest first.
	candles := make([]Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		candles = append(candles, Candle{
			Start:  msTime(row[0]),
			Open:   num(row[1]),
			High:   num(row[2]),
			Low:    num(row[3]),
			Close:  num(row[4]),
			Volume: num(row[5]),
		})
	}
	return candles, nil
}

type positionEntry struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	StopLoss      string `json:"stopLoss"`
	TrailingStop  string `json:"trailingStop"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

func (b *BybitClient) positionList(ctx context.Context, symbol string) ([]positionEntry, error) {
	var result struct {
		List []positionEntry `json:"list"`
	}
	params := url.Values{"category": {category}, "symbol": {symbol}}
	if err := b.get(ctx, "/v5/position/list", params, true, &result); err != nil {
		return nil, err
	}

	// Hedge accounts return one entry per direction, one-way accounts a
	// single entry. Learn the mode from whatever list we see first.
	b.mu.Lock()
	if b.hedgeMode == nil {
		hedge := len(result.List) >= 2
		b.hedgeMode = &hedge
		b.logger.Printf("Position mode detected: hedge=%v (%d entries for %s)", hedge, len(result.List), symbol)
	}
	b.mu.Unlock()

	return result.List, nil
}

func (b *BybitClient) isHedge(ctx context.Context, symbol string) (bool, error) {
	b.mu.Lock()
	if b.hedgeMode != nil {
		hedge := *b.hedgeMode
		b.mu.Unlock()
		return hedge, nil
	}
	b.mu.Unlock()

	if _, err := b.positionList(ctx, symbol); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hedgeMode == nil {
		return false, nil
	}
	return *b.hedgeMode, nil
}

// positionIdx maps a position side to Bybit's index: 0 in one-way mode,
// 1/2 for long/short in hedge mode.
func positionIdx(hedge bool, side models.Side) int {
	if !hedge {
		return 0
	}
	if side == models.SideLong {
		return 1
	}
	return 2
}

// orderDirection derives the wire side from the position side. Reduce-only
// orders trade against the position.
func orderDirection(side models.Side, reduceOnly bool) string {
	long := side == models.SideLong
	if reduceOnly {
		long = !long
	}
	if long {
		return "Buy"
	}
	return "Sell"
}

// PlaceOrder places a market or limit order. Quantity is floored to the
// instrument step; a limit price is floored to tick for longs and ceiled
// for shorts.
func (b *BybitClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	inst, err := b.Instrument(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	hedge, err := b.isHedge(ctx, req.Symbol)
	if err != nil {
		return "", err
	}

	qty := util.FloorToStep(req.Qty, inst.QtyStep)
	if qty < inst.MinQty || qty <= 0 {
		return "", fmt.Errorf("%s qty %s below min %s: %w",
			req.Symbol, fmtNum(req.Qty), fmtNum(inst.MinQty), ErrQtyBelowMin)
	}

	body := map[string]any{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        orderDirection(req.Side, req.ReduceOnly),
		"orderType":   string(req.Kind),
		"qty":         fmtNum(qty),
		"timeInForce": "GTC",
	}
	if req.Kind == Limit {
		price := req.Price
		if req.Side == models.SideLong {
			price = util.FloorToTick(price, inst.TickSize)
		} else {
			price = util.CeilToTick(price, inst.TickSize)
		}
		body["price"] = fmtNum(price)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.LinkID != "" {
		body["orderLinkId"] = req.LinkID
	}
	if hedge {
		body["positionIdx"] = positionIdx(hedge, req.Side)
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.post(ctx, "/v5/order/create", body, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// AmendPrice moves an open limit order to a new price. The caller supplies
// a tick-aligned price.
func (b *BybitClient) AmendPrice(ctx context.Context, symbol, orderID string, newPrice float64) error {
	body := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
		"price":    fmtNum(newPrice),
	}
	return b.post(ctx, "/v5/order/amend", body, nil)
}

// Cancel cancels one open order. IsNotFound distinguishes a cancel that
// raced a fill.
func (b *BybitClient) Cancel(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return b.post(ctx, "/v5/order/cancel", body, nil)
}

// CancelAll cancels every open order for the symbol.
func (b *BybitClient) CancelAll(ctx context.Context, symbol string) error {
	body := map[string]any{
		"category": category,
		"symbol":   symbol,
	}
	return b.post(ctx, "/v5/order/cancel-all", body, nil)
}

func mapOrderState(s string) OrderState {
	switch s {
	case "New", "Untriggered", "Triggered", "Created":
		return OrderOpen
	case "PartiallyFilled":
		return OrderPartiallyFilled
	case "Filled":
		return OrderFilled
	case "Rejected":
		return OrderRejected
	default:
		// Cancelled, PartiallyFilledCanceled, Deactivated.
		return OrderCancelled
	}
}

type orderEntry struct {
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

// OrderStatus looks the order up among open orders first, then in the
// order history once it has left the open book.
func (b *BybitClient) OrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	params := url.Values{
		"category": {category},
		"symbol":   {symbol},
		"orderId":  {orderID},
	}
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var result struct {
			List []orderEntry `json:"list"`
		}
		if err := b.get(ctx, path, params, true, &result); err != nil {
			return nil, err
		}
		if len(result.List) == 0 {
			continue
		}
		o := result.List[0]
		return &OrderStatus{
			State:        mapOrderState(o.OrderStatus),
			FilledQty:    num(o.CumExecQty),
			AvgFillPrice: num(o.AvgPrice),
		}, nil
	}
	return nil, &APIError{Status: http.StatusOK, Code: codeOrderNotFound, Msg: "order not found: " + orderID}
}

// Position returns the open position for a symbol and side, or nil when
// flat.
func (b *BybitClient) Position(ctx context.Context, symbol string, side models.Side) (*Position, error) {
	list, err := b.positionList(ctx, symbol)
	if err != nil {
		return nil, err
	}
	want := "Buy"
	if side == models.SideShort {
		want = "Sell"
	}
	for _, p := range list {
		if p.Side != want || num(p.Size) <= 0 {
			continue
		}
		return &Position{
			Qty:           num(p.Size),
			AvgPrice:      num(p.AvgPrice),
			StopLoss:      num(p.StopLoss),
			TrailingStop:  num(p.TrailingStop),
			UnrealizedPnL: num(p.UnrealisedPnl),
		}, nil
	}
	return nil, nil
}

// ClosedPnL returns the exchange's post-close ledger since the given time.
// The ledger reports the CLOSING order's direction; records are mapped
// back to the side of the position that was closed.
func (b *BybitClient) ClosedPnL(ctx context.Context, since time.Time, limit int) ([]ClosedPnL, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Qty           string `json:"qty"`
			AvgEntryPrice string `json:"avgEntryPrice"`
			AvgExitPrice  string `json:"avgExitPrice"`
			ClosedPnl     string `json:"closedPnl"`
			OrderType     string `json:"orderType"`
			CreatedTime   string `json:"createdTime"`
			UpdatedTime   string `json:"updatedTime"`
		} `json:"list"`
	}
	params := url.Values{
		"category":  {category},
		"startTime": {strconv.FormatInt(since.UnixMilli(), 10)},
		"limit":     {strconv.Itoa(limit)},
	}
	if err := b.get(ctx, "/v5/position/closed-pnl", params, true, &result); err != nil {
		return nil, err
	}

	records := make([]ClosedPnL, 0, len(result.List))
	for _, r := range result.List {
		side := models.SideShort
		if r.Side == "Sell" {
			side = models.SideLong
		}
		records = append(records, ClosedPnL{
			Symbol:      r.Symbol,
			Side:        side,
			Qty:         num(r.Qty),
			EntryPrice:  num(r.AvgEntryPrice),
			ExitPrice:   num(r.AvgExitPrice),
			RealizedPnL: num(r.ClosedPnl),
			OrderType:   r.OrderType,
			CreatedAt:   msTime(r.CreatedTime),
			UpdatedAt:   msTime(r.UpdatedTime),
		})
	}
	return records, nil
}

// SetConditionalStop installs or moves the position's trading stop.
// verified is true iff the API acknowledged the value or reported it
// already in place (retCode 34040).
func (b *BybitClient) SetConditionalStop(ctx context.Context, symbol string, side models.Side, params StopParams) (bool, error) {
	inst, err := b.Instrument(ctx, symbol)
	if err != nil {
		return false, err
	}
	hedge, err := b.isHedge(ctx, symbol)
	if err != nil {
		return false, err
	}

	body := map[string]any{
		"category":    category,
		"symbol":      symbol,
		"positionIdx": positionIdx(hedge, side),
		"tpslMode":    "Full",
	}
	if params.StopLoss > 0 {
		body["stopLoss"] = fmtNum(util.RoundToTick(params.StopLoss, inst.TickSize))
		body["slTriggerBy"] = "LastPrice"
	}
	if params.TrailingDistance > 0 {
		body["trailingStop"] = fmtNum(util.RoundToTick(params.TrailingDistance, inst.TickSize))
	}
	if params.ActivationPrice > 0 {
		body["activePrice"] = fmtNum(util.RoundToTick(params.ActivationPrice, inst.TickSize))
	}

	err = b.post(ctx, "/v5/position/trading-stop", body, nil)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == codeStopUnchanged {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// Equity returns the account's USDT equity.
func (b *BybitClient) Equity(ctx context.Context) (float64, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin   string `json:"coin"`
				Equity string `json:"equity"`
			} `json:"coin"`
		} `json:"list"`
	}
	params := url.Values{"accountType": {"UNIFIED"}, "coin": {"USDT"}}
	if err := b.get(ctx, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("equity: empty wallet response")
	}
	for _, c := range result.List[0].Coin {
		if c.Coin == "USDT" {
			return num(c.Equity), nil
		}
	}
	return 0, nil
}

// EnsureLeverage sets cross margin and the requested leverage for a
// symbol, once per symbol per session. retCode 110043 means the leverage
// is already set.
func (b *BybitClient) EnsureLeverage(ctx context.Context, symbol string, leverage int) error {
	b.mu.Lock()
	if b.leverages[symbol] == leverage {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	lev := strconv.Itoa(leverage)

	// Cross margin, best effort. Accounts already in cross reject this.
	_ = b.post(ctx, "/v5/position/switch-isolated", map[string]any{
		"category":     category,
		"symbol":       symbol,
		"tradeMode":    0,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, nil)

	err := b.post(ctx, "/v5/position/set-leverage", map[string]any{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, nil)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == codeLeverageUnchanged {
			err = nil
		}
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.leverages[symbol] = leverage
	b.mu.Unlock()
	b.logger.Printf("Symbol setup: %s cross %dx", symbol, leverage)
	return nil
}
