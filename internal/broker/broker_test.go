package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tradedesk/internal/domain"
)

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets")
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestSimulatorName(t *testing.T) {
	b := NewSimulator(1000)
	if got := b.Name(); got != "simulator" {
		t.Errorf("Simulator.Name() = %q, want %q", got, "simulator")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewSimulator(0), NewAlpacaBroker("k", "s", ""))

	if _, err := r.Get("simulator"); err != nil {
		t.Errorf("Get(simulator) error = %v", err)
	}
	if _, err := r.Get("ib"); err == nil {
		t.Error("Get(ib) returned nil error")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "alpaca" || names[1] != "simulator" {
		t.Errorf("Names() = %v, want [alpaca simulator]", names)
	}
}

func order(id string, side domain.OrderSide, typ domain.OrderType, qty, price float64) *domain.Order {
	return &domain.Order{ID: id, Symbol: "AAPL", Side: side, Type: typ, Quantity: qty, Price: price, Validity: domain.ValidityDay}
}

func TestSimulatorMarketOrderFillsAtLastTick(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator(10000)
	s.OnTick(domain.Tick{Symbol: "AAPL", Price: 100})

	id, err := s.PlaceOrder(ctx, order("o1", domain.OrderSideBuy, domain.OrderTypeMarket, 10, 0))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	rep, err := s.OrderStatus(ctx, id)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if rep.Status != domain.OrderStatusFilled || rep.FilledPrice != 100 || rep.FilledQty != 10 {
		t.Errorf("report = %+v, want FILLED 10 @ 100", rep)
	}

	acct, _ := s.Account(ctx)
	if acct.Cash != 9000 {
		t.Errorf("Cash = %v, want 9000", acct.Cash)
	}
	if acct.Equity != 10000 {
		t.Errorf("Equity = %v, want 10000", acct.Equity)
	}
}

func TestSimulatorMarketOrderWaitsForFirstTick(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator(10000)

	id, _ := s.PlaceOrder(ctx, order("o1", domain.OrderSideBuy, domain.OrderTypeMarket, 1, 0))
	if rep, _ := s.OrderStatus(ctx, id); rep.Status != domain.OrderStatusPlaced {
		t.Fatalf("Status before tick = %s, want PLACED", rep.Status)
	}
	s.OnTick(domain.Tick{Symbol: "AAPL", Price: 50})
	if rep, _ := s.OrderStatus(ctx, id); rep.Status != domain.OrderStatusFilled || rep.FilledPrice != 50 {
		t.Errorf("report after tick = %+v, want FILLED @ 50", rep)
	}
}

func TestSimulatorLimitAndStop(t *testing.T) {
	tests := []struct {
		name      string
		side      domain.OrderSide
		typ       domain.OrderType
		price     float64
		tick      float64
		wantFill  bool
		wantPrice float64
	}{
		{"buy limit below market waits", domain.OrderSideBuy, domain.OrderTypeLimit, 95, 100, false, 0},
		{"buy limit crossed fills at limit", domain.OrderSideBuy, domain.OrderTypeLimit, 95, 94, true, 95},
		{"sell limit crossed fills at limit", domain.OrderSideSell, domain.OrderTypeLimit, 105, 106, true, 105},
		{"sell stop not triggered", domain.OrderSideSell, domain.OrderTypeStopLoss, 90, 95, false, 0},
		{"sell stop triggered fills at tick", domain.OrderSideSell, domain.OrderTypeStopLoss, 90, 89, true, 89},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := NewSimulator(1e6)
			s.OnTick(domain.Tick{Symbol: "AAPL", Price: 100})
			id, err := s.PlaceOrder(ctx, order("o1", tt.side, tt.typ, 1, tt.price))
			if err != nil {
				t.Fatalf("PlaceOrder: %v", err)
			}
			s.OnTick(domain.Tick{Symbol: "AAPL", Price: tt.tick})

			rep, _ := s.OrderStatus(ctx, id)
			filled := rep.Status == domain.OrderStatusFilled
			if filled != tt.wantFill {
				t.Fatalf("filled = %v, want %v (report %+v)", filled, tt.wantFill, rep)
			}
			if filled && rep.FilledPrice != tt.wantPrice {
				t.Errorf("FilledPrice = %v, want %v", rep.FilledPrice, tt.wantPrice)
			}
		})
	}
}

func TestSimulatorRejectsInsufficientCash(t *testing.T) {
	s := NewSimulator(100)
	_, err := s.PlaceOrder(context.Background(), order("o1", domain.OrderSideBuy, domain.OrderTypeLimit, 10, 50))
	if _, ok := IsRejected(err); !ok {
		t.Errorf("PlaceOrder error = %v, want RejectedError", err)
	}
}

func TestSimulatorCancel(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator(1e6)
	o := order("o1", domain.OrderSideBuy, domain.OrderTypeLimit, 1, 10)
	id, _ := s.PlaceOrder(ctx, o)
	o.BrokerOrderID = id

	if err := s.CancelOrder(ctx, o); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if rep, _ := s.OrderStatus(ctx, id); rep.Status != domain.OrderStatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", rep.Status)
	}
	if err := s.CancelOrder(ctx, o); err == nil {
		t.Error("second CancelOrder returned nil error")
	}
}

func TestSimulatorIOCNotMarketable(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator(1e6)
	s.OnTick(domain.Tick{Symbol: "AAPL", Price: 100})
	o := order("o1", domain.OrderSideBuy, domain.OrderTypeLimit, 1, 90)
	o.Validity = domain.ValidityIOC
	id, _ := s.PlaceOrder(ctx, o)
	if rep, _ := s.OrderStatus(ctx, id); rep.Status != domain.OrderStatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", rep.Status)
	}
}

func TestPlaceOrderRequestMapping(t *testing.T) {
	o := order("o1", domain.OrderSideSell, domain.OrderTypeStopLoss, 5, 90.5)
	o.Validity = domain.ValidityGTC
	req, err := placeOrderRequest(o)
	if err != nil {
		t.Fatalf("placeOrderRequest: %v", err)
	}
	if req.Side != alpaca.Sell || req.Type != alpaca.Stop || req.TimeInForce != alpaca.GTC {
		t.Errorf("req side/type/tif = %s/%s/%s, want sell/stop/gtc", req.Side, req.Type, req.TimeInForce)
	}
	if req.StopPrice == nil || req.StopPrice.InexactFloat64() != 90.5 {
		t.Errorf("StopPrice = %v, want 90.5", req.StopPrice)
	}
	if req.LimitPrice != nil {
		t.Errorf("LimitPrice = %v, want nil", req.LimitPrice)
	}
	if req.Qty.InexactFloat64() != 5 || req.ClientOrderID != "o1" {
		t.Errorf("Qty/ClientOrderID = %v/%s, want 5/o1", req.Qty, req.ClientOrderID)
	}
}

func TestClassify(t *testing.T) {
	if _, ok := IsRejected(classify(&alpaca.APIError{StatusCode: 403, Message: "insufficient buying power"})); !ok {
		t.Error("403 not classified as rejection")
	}
	if _, ok := IsRejected(classify(&alpaca.APIError{StatusCode: 429, Message: "slow down"})); ok {
		t.Error("429 classified as rejection")
	}
	if _, ok := IsRejected(classify(errors.New("connection reset"))); ok {
		t.Error("transport error classified as rejection")
	}
}

func TestMapAlpacaStatus(t *testing.T) {
	tests := map[string]domain.OrderStatus{
		"new":              domain.OrderStatusPlaced,
		"partially_filled": domain.OrderStatusPlaced,
		"filled":           domain.OrderStatusFilled,
		"canceled":         domain.OrderStatusCancelled,
		"expired":          domain.OrderStatusCancelled,
		"rejected":         domain.OrderStatusRejected,
	}
	for in, want := range tests {
		if got := mapAlpacaStatus(in); got != want {
			t.Errorf("mapAlpacaStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAlpacaBrokerAgainstFakeAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/orders":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["symbol"] == "BAD" {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
				return
			}
			w.Write([]byte(`{"id":"alp-1","symbol":"AAPL","status":"accepted","filled_qty":"0"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/orders/alp-1":
			w.Write([]byte(`{"id":"alp-1","symbol":"AAPL","status":"filled","filled_qty":"10","filled_avg_price":"101.5"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	b := NewAlpacaBroker("key", "secret", srv.URL)

	id, err := b.PlaceOrder(ctx, order("o1", domain.OrderSideBuy, domain.OrderTypeMarket, 10, 0))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "alp-1" {
		t.Errorf("broker order id = %q, want alp-1", id)
	}

	rep, err := b.OrderStatus(ctx, id)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if rep.Status != domain.OrderStatusFilled || rep.FilledQty != 10 || rep.FilledPrice != 101.5 {
		t.Errorf("report = %+v, want FILLED 10 @ 101.5", rep)
	}

	bad := order("o2", domain.OrderSideBuy, domain.OrderTypeMarket, 10, 0)
	bad.Symbol = "BAD"
	_, err = b.PlaceOrder(ctx, bad)
	if reason, ok := IsRejected(err); !ok || reason != "insufficient buying power" {
		t.Errorf("PlaceOrder(BAD) error = %v, want rejection with reason", err)
	}
}
