package tradedesk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradedesk/internal/api"
	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/store"
)

func newServer(t *testing.T, limits engine.RiskLimits) *Client {
	t.Helper()
	recs := store.NewRecords(store.NewMemoryKV())
	eng := engine.New(engine.Deps{
		Brokers: broker.NewRegistry(broker.NewSimulator(1_000_000)),
		Orders:  recs,
		Trades:  recs,
		Limits:  limits,
	})
	ts := httptest.NewServer(api.NewServer(eng, nil, api.Options{}, nil).Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL + "/")
}

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q, want %q", c.baseURL, "http://localhost:8080")
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestOrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newServer(t, engine.RiskLimits{})

	o, err := c.SubmitOrder(ctx, OrderRequest{Symbol: "MSFT", Side: domain.OrderSideBuy, Quantity: 4, Type: domain.OrderTypeMarket})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if o.Status != domain.OrderStatusPlaced {
		t.Errorf("Status = %s, want PLACED", o.Status)
	}

	if _, err := c.ReportFill(ctx, o.ID, 250, 4); err != nil {
		t.Fatalf("ReportFill: %v", err)
	}
	if err := c.PushTick(ctx, Tick{Symbol: "MSFT", Price: 260}); err != nil {
		t.Fatalf("PushTick: %v", err)
	}

	p, err := c.GetPosition(ctx, "MSFT")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if p.Quantity != 4 || p.UnrealizedPnL != 40 {
		t.Errorf("position = %+v, want qty 4 and unrealized 40", p)
	}

	filled, err := c.ListOrders(ctx, OrderFilter{Status: domain.OrderStatusFilled})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(filled) != 1 || filled[0].ID != o.ID {
		t.Errorf("ListOrders(FILLED) = %v, want [%s]", filled, o.ID)
	}

	sum, err := c.GetPortfolio(ctx)
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	if sum.PositionCount != 1 {
		t.Errorf("PositionCount = %d, want 1", sum.PositionCount)
	}

	h, err := c.GetHealth(ctx)
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if h.Status != "ok" || h.Positions != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestAPIErrorCarriesOrderID(t *testing.T) {
	ctx := context.Background()
	c := newServer(t, engine.RiskLimits{MaxOrderQty: 1})

	_, err := c.SubmitOrder(ctx, OrderRequest{Symbol: "MSFT", Side: domain.OrderSideBuy, Quantity: 4, Type: domain.OrderTypeMarket})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("SubmitOrder error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusUnprocessableEntity)
	}
	if apiErr.OrderID == "" {
		t.Error("OrderID is empty")
	}

	o, err := c.GetOrder(ctx, apiErr.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.Status != domain.OrderStatusRejected {
		t.Errorf("Status = %s, want REJECTED", o.Status)
	}

	if _, err := c.CancelOrder(ctx, o.ID); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("CancelOrder(rejected) error = %v, want 409", err)
	}
}

func TestRiskLimits(t *testing.T) {
	ctx := context.Background()
	c := newServer(t, engine.RiskLimits{})

	if err := c.SetRiskLimits(ctx, RiskLimits{MaxPosition: 50}); err != nil {
		t.Fatalf("SetRiskLimits: %v", err)
	}
	l, err := c.GetRiskLimits(ctx)
	if err != nil {
		t.Fatalf("GetRiskLimits: %v", err)
	}
	if l.MaxPosition != 50 {
		t.Errorf("MaxPosition = %v, want 50", l.MaxPosition)
	}
}
