// Package exchange provides the signed REST client for the trading venue.
//
// The venue speaks a JSON-RPC style protocol: every private call is an HTTP
// POST whose body carries method, params, a nonce and an HMAC-SHA256
// signature over a canonical parameter string. The params map used for
// signing is the same map marshalled into the body, which keeps list-valued
// parameters byte-identical between the two.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ccruz0/crypto-2.0-sub006/internal/metrics"
	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// Order types accepted by the venue.
const (
	OrderTypeMarket          = "MARKET"
	OrderTypeStopLossLimit   = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfitLimit = "TAKE_PROFIT_LIMIT"
)

// API is the exchange surface consumed by the execution layer.
type API interface {
	Instrument(ctx context.Context, symbol string) (Instrument, error)
	CreateOrder(ctx context.Context, req EntryRequest) (*Order, error)
	CreateProtectiveOrder(ctx context.Context, req ProtectiveRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	OrderHistory(ctx context.Context, symbol string, pageSize int) ([]Order, error)
	OrderDetail(ctx context.Context, orderID string) (*Order, error)
	Balances(ctx context.Context) (map[string]Balance, error)
}

// Order is the exchange's view of an order.
type Order struct {
	OrderID            string
	ClientOID          string
	Symbol             string
	Side               types.Side
	Type               string
	Status             types.OrderStatus
	Price              decimal.Decimal
	Quantity           decimal.Decimal
	CumulativeQuantity decimal.Decimal // executed so far, exchange authority
	Leverage           int
	CreateTime         time.Time
	UpdateTime         time.Time
}

// Balance is one currency's free balance.
type Balance struct {
	Currency  string
	Available decimal.Decimal
}

// EntryRequest is the tagged order payload variant. Each variant owns its
// serializer; fields are never toggled on a shared map at call sites.
type EntryRequest interface {
	// Mode identifies the variant for traces ("spot" or "margin").
	Mode() string
	// Symbol returns the instrument the order is for.
	Symbol() string
	orderParams() map[string]any
}

// SpotEntry is an unleveraged market entry order.
type SpotEntry struct {
	Instrument string
	Side       types.Side
	Quantity   decimal.Decimal
	ClientOID  string
}

func (s SpotEntry) Mode() string   { return "spot" }
func (s SpotEntry) Symbol() string { return s.Instrument }

func (s SpotEntry) orderParams() map[string]any {
	return map[string]any{
		"instrument_name": s.Instrument,
		"side":            s.Side.String(),
		"type":            OrderTypeMarket,
		"quantity":        s.Quantity,
		"client_oid":      s.ClientOID,
	}
}

// MarginEntry is a leveraged market entry order.
type MarginEntry struct {
	Instrument string
	Side       types.Side
	Quantity   decimal.Decimal
	ClientOID  string
	Leverage   int
}

func (m MarginEntry) Mode() string   { return "margin" }
func (m MarginEntry) Symbol() string { return m.Instrument }

func (m MarginEntry) orderParams() map[string]any {
	return map[string]any{
		"instrument_name": m.Instrument,
		"side":            m.Side.String(),
		"type":            OrderTypeMarket,
		"quantity":        m.Quantity,
		"client_oid":      m.ClientOID,
		"margin":          true,
		"leverage":        m.Leverage,
	}
}

// ProtectiveRequest creates a stop-loss or take-profit limit order.
type ProtectiveRequest struct {
	Instrument   string
	Side         types.Side
	Role         types.OrderRole
	Quantity     decimal.Decimal
	TriggerPrice decimal.Decimal
	LimitPrice   decimal.Decimal
	ClientOID    string
}

func (p ProtectiveRequest) orderType() string {
	if p.Role == types.RoleTakeProfit {
		return OrderTypeTakeProfitLimit
	}
	return OrderTypeStopLossLimit
}

func (p ProtectiveRequest) orderParams() map[string]any {
	return map[string]any{
		"instrument_name": p.Instrument,
		"side":            p.Side.String(),
		"type":            p.orderType(),
		"quantity":        p.Quantity,
		"trigger_price":   p.TriggerPrice,
		"price":           p.LimitPrice,
		"client_oid":      p.ClientOID,
	}
}

// Config holds exchange client settings.
type Config struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	RequestTimeout    time.Duration
	RequestsPerSecond int
	TransportRetries  int
	RetryBackoff      time.Duration
}

// Client is the signed REST client. Safe for concurrent use.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	hc       *http.Client
	recorder *metrics.Recorder

	limiter *rate.Limiter
	nextID  atomic.Int64

	instMu      sync.RWMutex
	instruments map[string]Instrument
}

// NewClient creates a new exchange client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 8
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		hc:          &http.Client{Timeout: cfg.RequestTimeout},
		recorder:    metrics.NewRecorder(),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond),
		instruments: make(map[string]Instrument),
	}
	c.nextID.Store(1)
	return c
}

type apiRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	APIKey string         `json:"api_key,omitempty"`
	Params map[string]any `json:"params"`
	Nonce  int64          `json:"nonce"`
	Sig    string         `json:"sig,omitempty"`
}

type apiResponse struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// call executes one API method. Private calls are signed. Transport errors
// are retried up to the configured count; API rejections never are — the
// retry/fallback decision belongs to the execution layer's policy.
func (c *Client) call(ctx context.Context, method string, params map[string]any, private bool) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.TransportRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryBackoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		result, err := c.doCall(ctx, method, params, private)
		c.recorder.RecordExchangeRequest(method, time.Since(start))
		if err == nil {
			return result, nil
		}

		kind := Classify(err)
		c.recorder.RecordExchangeError(kind.String())
		if kind != KindTransport {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("exchange transport error",
			"method", method,
			"attempt", attempt+1,
			"err", err,
		)
	}
	return nil, lastErr
}

func (c *Client) doCall(ctx context.Context, method string, params map[string]any, private bool) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	reqBody := apiRequest{
		ID:     id,
		Method: method,
		Params: params,
		Nonce:  time.Now().UnixMilli(),
	}
	if private {
		reqBody.APIKey = c.cfg.APIKey
		reqBody.Sig = sign(c.cfg.APISecret, method, id, c.cfg.APIKey, params, reqBody.Nonce)
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("parse response (%d): %w", resp.StatusCode, err)
	}

	if envelope.Code != codeOK {
		return nil, &APIError{Code: envelope.Code, Message: envelope.Message, Method: method}
	}
	return envelope.Result, nil
}

// wireInstrument is the venue's instrument metadata format.
type wireInstrument struct {
	InstrumentName string `json:"instrument_name"`
	BaseCurrency   string `json:"base_currency"`
	QuoteCurrency  string `json:"quote_currency"`
	QtyTickSize    string `json:"qty_tick_size"`
	PriceTickSize  string `json:"price_tick_size"`
	MinQuantity    string `json:"min_quantity"`
}

// Instrument returns the tick rules for a symbol, fetching and caching the
// venue's instrument list on first use.
func (c *Client) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	c.instMu.RLock()
	inst, ok := c.instruments[symbol]
	c.instMu.RUnlock()
	if ok {
		return inst, nil
	}

	result, err := c.call(ctx, "public/get-instruments", nil, false)
	if err != nil {
		return Instrument{}, fmt.Errorf("get instruments: %w", err)
	}

	var payload struct {
		Instruments []wireInstrument `json:"instruments"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return Instrument{}, fmt.Errorf("parse instruments: %w", err)
	}

	c.instMu.Lock()
	for _, wi := range payload.Instruments {
		qtyStep, _ := decimal.NewFromString(wi.QtyTickSize)
		priceTick, _ := decimal.NewFromString(wi.PriceTickSize)
		minQty, _ := decimal.NewFromString(wi.MinQuantity)
		c.instruments[wi.InstrumentName] = Instrument{
			Symbol:        wi.InstrumentName,
			BaseCurrency:  wi.BaseCurrency,
			QuoteCurrency: wi.QuoteCurrency,
			QtyStep:       qtyStep,
			PriceTick:     priceTick,
			MinQuantity:   minQty,
		}
	}
	inst, ok = c.instruments[symbol]
	c.instMu.Unlock()

	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", types.ErrInvalidSymbol, symbol)
	}
	return inst, nil
}

// wireOrder is the venue's order format.
type wireOrder struct {
	OrderID            string `json:"order_id"`
	ClientOID          string `json:"client_oid"`
	InstrumentName     string `json:"instrument_name"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Status             string `json:"status"`
	Price              string `json:"price"`
	Quantity           string `json:"quantity"`
	CumulativeQuantity string `json:"cumulative_quantity"`
	Leverage           int    `json:"leverage,omitempty"`
	CreateTime         int64  `json:"create_time"`
	UpdateTime         int64  `json:"update_time"`
}

func (w wireOrder) toOrder() Order {
	price, _ := decimal.NewFromString(w.Price)
	qty, _ := decimal.NewFromString(w.Quantity)
	cumQty, _ := decimal.NewFromString(w.CumulativeQuantity)
	return Order{
		OrderID:            w.OrderID,
		ClientOID:          w.ClientOID,
		Symbol:             w.InstrumentName,
		Side:               types.ParseSide(w.Side),
		Type:               w.Type,
		Status:             types.ParseOrderStatus(w.Status),
		Price:              price,
		Quantity:           qty,
		CumulativeQuantity: cumQty,
		Leverage:           w.Leverage,
		CreateTime:         time.UnixMilli(w.CreateTime),
		UpdateTime:         time.UnixMilli(w.UpdateTime),
	}
}

// CreateOrder places an entry order.
func (c *Client) CreateOrder(ctx context.Context, req EntryRequest) (*Order, error) {
	result, err := c.call(ctx, "private/create-order", req.orderParams(), true)
	if err != nil {
		return nil, err
	}
	var wo wireOrder
	if err := json.Unmarshal(result, &wo); err != nil {
		return nil, fmt.Errorf("parse create-order result: %w", err)
	}
	order := wo.toOrder()
	c.logger.Info("order created",
		"order_id", order.OrderID,
		"symbol", order.Symbol,
		"side", order.Side.String(),
		"mode", req.Mode(),
	)
	return &order, nil
}

// CreateProtectiveOrder places a stop-loss or take-profit order.
func (c *Client) CreateProtectiveOrder(ctx context.Context, req ProtectiveRequest) (*Order, error) {
	result, err := c.call(ctx, "private/create-order", req.orderParams(), true)
	if err != nil {
		return nil, err
	}
	var wo wireOrder
	if err := json.Unmarshal(result, &wo); err != nil {
		return nil, fmt.Errorf("parse create-order result: %w", err)
	}
	order := wo.toOrder()
	return &order, nil
}

// CancelOrder cancels an order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]any{
		"instrument_name": symbol,
		"order_id":        orderID,
	}
	_, err := c.call(ctx, "private/cancel-order", params, true)
	return err
}

// OpenOrders returns the venue's open orders for a symbol. The response is
// the single source of truth for what is open.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]any{}
	if symbol != "" {
		params["instrument_name"] = symbol
	}
	result, err := c.call(ctx, "private/get-open-orders", params, true)
	if err != nil {
		return nil, err
	}
	return parseOrderList(result)
}

// OrderHistory returns recent terminal orders for a symbol.
func (c *Client) OrderHistory(ctx context.Context, symbol string, pageSize int) ([]Order, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	params := map[string]any{
		"instrument_name": symbol,
		"page_size":       pageSize,
	}
	result, err := c.call(ctx, "private/get-order-history", params, true)
	if err != nil {
		return nil, err
	}
	return parseOrderList(result)
}

func parseOrderList(result json.RawMessage) ([]Order, error) {
	var payload struct {
		OrderList []wireOrder `json:"order_list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parse order list: %w", err)
	}
	orders := make([]Order, 0, len(payload.OrderList))
	for _, wo := range payload.OrderList {
		orders = append(orders, wo.toOrder())
	}
	return orders, nil
}

// OrderDetail returns a single order by exchange id.
func (c *Client) OrderDetail(ctx context.Context, orderID string) (*Order, error) {
	params := map[string]any{"order_id": orderID}
	result, err := c.call(ctx, "private/get-order-detail", params, true)
	if err != nil {
		return nil, err
	}
	var payload struct {
		OrderInfo wireOrder `json:"order_info"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parse order detail: %w", err)
	}
	order := payload.OrderInfo.toOrder()
	return &order, nil
}

// Balances returns free balances by currency.
func (c *Client) Balances(ctx context.Context) (map[string]Balance, error) {
	result, err := c.call(ctx, "private/get-account-summary", nil, true)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Accounts []struct {
			Currency  string `json:"currency"`
			Available string `json:"available"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parse account summary: %w", err)
	}
	balances := make(map[string]Balance, len(payload.Accounts))
	for _, a := range payload.Accounts {
		avail, _ := decimal.NewFromString(a.Available)
		balances[a.Currency] = Balance{Currency: a.Currency, Available: avail}
	}
	return balances, nil
}

// Ping verifies connectivity; used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "public/get-instruments", nil, false)
	return err
}
