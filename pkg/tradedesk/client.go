// Package tradedesk is a Go client for the tradedesk-server HTTP API.
package tradedesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
)

// Re-exported API types.
type (
	Order              = domain.Order
	OrderRequest       = domain.OrderRequest
	Position           = domain.Position
	Trade              = domain.Trade
	Tick               = domain.Tick
	PortfolioSummary   = domain.PortfolioSummary
	PerformanceMetrics = domain.PerformanceMetrics
	StrategyPnL        = domain.StrategyPnL
	OrderFilter        = domain.OrderFilter
	TradeFilter        = domain.TradeFilter
	RiskLimits         = engine.RiskLimits
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	OrderID    string
}

func (e *APIError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("tradedesk: %d %s (order %s)", e.StatusCode, e.Message, e.OrderID)
	}
	return fmt.Sprintf("tradedesk: %d %s", e.StatusCode, e.Message)
}

// Health is the server's liveness report.
type Health struct {
	Status          string    `json:"status"`
	Time            time.Time `json:"time"`
	OpenOrders      int       `json:"openOrders"`
	Positions       int       `json:"positions"`
	MonitoredOrders int       `json:"monitoredOrders"`
	WSClients       int       `json:"wsClients"`
	DroppedEvents   uint64    `json:"droppedEvents"`
}

// Client provides a Go SDK for interacting with the tradedesk-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradedesk API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitOrder creates an order and waits for the placement outcome. A risk
// or broker rejection is returned as an *APIError carrying the order id.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var o Order
	err := c.do(ctx, http.MethodPost, "/api/orders", nil, req, &o)
	return o, err
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var o Order
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(id), nil, nil, &o)
	return o, err
}

// ListOrders lists orders matching f.
func (c *Client) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	q := url.Values{}
	setIf(q, "broker", f.BrokerID)
	setIf(q, "status", string(f.Status))
	setIf(q, "symbol", f.Symbol)
	setIf(q, "strategy", f.StrategyID)
	var out []Order
	err := c.do(ctx, http.MethodGet, "/api/orders", q, nil, &out)
	return out, err
}

// CancelOrder cancels a working order and reports whether the broker
// accepted the cancel.
func (c *Client) CancelOrder(ctx context.Context, id string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(id), nil, nil, &out)
	return out.Cancelled, err
}

// ModifyOrder changes the quantity and price of a working order.
func (c *Client) ModifyOrder(ctx context.Context, id string, qty, price float64) (Order, error) {
	body := map[string]float64{"quantity": qty, "price": price}
	var o Order
	err := c.do(ctx, http.MethodPatch, "/api/orders/"+url.PathEscape(id), nil, body, &o)
	return o, err
}

// RetryOrder re-attempts placement of an order left PENDING by a broker
// failure.
func (c *Client) RetryOrder(ctx context.Context, id string) (Order, error) {
	var o Order
	err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(id)+"/retry", nil, nil, &o)
	return o, err
}

// ReportFill submits a fill confirmation for an order.
func (c *Client) ReportFill(ctx context.Context, orderID string, price, qty float64) (Order, error) {
	body := map[string]any{"orderId": orderID, "price": price, "quantity": qty}
	var o Order
	err := c.do(ctx, http.MethodPost, "/api/fills", nil, body, &o)
	return o, err
}

// PushTick sends a market price to the engine.
func (c *Client) PushTick(ctx context.Context, t Tick) error {
	return c.do(ctx, http.MethodPost, "/api/ticks", nil, t, nil)
}

// GetPositions retrieves current positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := c.do(ctx, http.MethodGet, "/api/positions", nil, nil, &out)
	return out, err
}

// GetPosition retrieves the position in one symbol.
func (c *Client) GetPosition(ctx context.Context, symbol string) (Position, error) {
	var p Position
	err := c.do(ctx, http.MethodGet, "/api/positions/"+url.PathEscape(symbol), nil, nil, &p)
	return p, err
}

// GetPortfolio retrieves the portfolio summary.
func (c *Client) GetPortfolio(ctx context.Context) (PortfolioSummary, error) {
	var s PortfolioSummary
	err := c.do(ctx, http.MethodGet, "/api/portfolio", nil, nil, &s)
	return s, err
}

// GetPerformance retrieves trade statistics.
func (c *Client) GetPerformance(ctx context.Context) (PerformanceMetrics, error) {
	var m PerformanceMetrics
	err := c.do(ctx, http.MethodGet, "/api/performance", nil, nil, &m)
	return m, err
}

// GetTrades retrieves trade history, newest first.
func (c *Client) GetTrades(ctx context.Context, f TradeFilter) ([]Trade, error) {
	q := url.Values{}
	setIf(q, "symbol", f.Symbol)
	setIf(q, "strategy", f.StrategyID)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out []Trade
	err := c.do(ctx, http.MethodGet, "/api/trades", q, nil, &out)
	return out, err
}

// GetStrategyPnL retrieves the P&L attributed to a strategy.
func (c *Client) GetStrategyPnL(ctx context.Context, strategyID string) (StrategyPnL, error) {
	var s StrategyPnL
	err := c.do(ctx, http.MethodGet, "/api/strategies/"+url.PathEscape(strategyID)+"/pnl", nil, nil, &s)
	return s, err
}

// GetRiskLimits retrieves the active risk limits.
func (c *Client) GetRiskLimits(ctx context.Context) (RiskLimits, error) {
	var l RiskLimits
	err := c.do(ctx, http.MethodGet, "/api/risk", nil, nil, &l)
	return l, err
}

// SetRiskLimits replaces the active risk limits.
func (c *Client) SetRiskLimits(ctx context.Context, l RiskLimits) error {
	return c.do(ctx, http.MethodPut, "/api/risk", nil, l, nil)
}

// GetHealth retrieves the server health report.
func (c *Client) GetHealth(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &h)
	return h, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var e struct {
			Error   string `json:"error"`
			OrderID string `json:"orderId"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.OrderID = e.OrderID
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
