package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/eventbus"
	"tradedesk/internal/metrics"
	"tradedesk/internal/store"
)

func newTestServer(t *testing.T, limits engine.RiskLimits, opts engine.Options) (*Server, *httptest.Server) {
	t.Helper()
	recs := store.NewRecords(store.NewMemoryKV())
	bus := eventbus.New(nil)
	eng := engine.New(engine.Deps{
		Bus:     bus,
		Brokers: broker.NewRegistry(broker.NewSimulator(1_000_000)),
		Orders:  recs,
		Trades:  recs,
		Limits:  limits,
		Options: opts,
	})
	srv := NewServer(eng, metrics.New(bus, nil), Options{EventBufferSize: 64}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func marketBuy(qty float64) domain.OrderRequest {
	return domain.OrderRequest{Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: qty, Type: domain.OrderTypeMarket}
}

func TestSubmitAndGetOrder(t *testing.T) {
	_, ts := newTestServer(t, engine.RiskLimits{}, engine.Options{})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/orders", map[string]any{
		"symbol": "aapl", "side": "buy", "quantity": 10, "orderType": "market",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var o domain.Order
	require.NoError(t, json.Unmarshal(body, &o))
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, domain.OrderStatusPlaced, o.Status)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/orders/"+o.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Order
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, o.ID, got.ID)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/orders?status=placed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.Order
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/orders?status=FILLED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Empty(t, list)
}

func TestErrorStatusCodes(t *testing.T) {
	_, ts := newTestServer(t, engine.RiskLimits{MaxOrderQty: 100}, engine.Options{})

	t.Run("validation", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, ts.URL+"/api/orders", marketBuy(0))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, _ := do(t, http.MethodPost, ts.URL+"/api/orders", map[string]any{"bogus": true})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("risk rejection", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, ts.URL+"/api/orders", marketBuy(500))
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
		var e errorResponse
		require.NoError(t, json.Unmarshal(body, &e))
		assert.NotEmpty(t, e.OrderID)
		assert.Contains(t, e.Error, "rejected")

		resp, body = do(t, http.MethodGet, ts.URL+"/api/orders/"+e.OrderID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var o domain.Order
		require.NoError(t, json.Unmarshal(body, &o))
		assert.Equal(t, domain.OrderStatusRejected, o.Status)
	})

	t.Run("sell without position", func(t *testing.T) {
		req := marketBuy(5)
		req.Side = domain.OrderSideSell
		resp, body := do(t, http.MethodPost, ts.URL+"/api/orders", req)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
		var e errorResponse
		require.NoError(t, json.Unmarshal(body, &e))
		assert.Contains(t, e.Error, "flip position")
	})

	t.Run("not found", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, ts.URL+"/api/orders/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp, _ = do(t, http.MethodDelete, ts.URL+"/api/orders/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp, _ = do(t, http.MethodGet, ts.URL+"/api/positions/MSFT", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad tick", func(t *testing.T) {
		resp, _ := do(t, http.MethodPost, ts.URL+"/api/ticks", domain.Tick{Symbol: "AAPL", Price: -1})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad trade limit", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, ts.URL+"/api/trades?limit=x", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestFillThenCancelConflicts(t *testing.T) {
	_, ts := newTestServer(t, engine.RiskLimits{}, engine.Options{})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/orders", marketBuy(10))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var o domain.Order
	require.NoError(t, json.Unmarshal(body, &o))

	resp, body = do(t, http.MethodPost, ts.URL+"/api/fills", fillRequest{OrderID: o.ID, Price: 100, Quantity: 10})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &o))
	assert.Equal(t, domain.OrderStatusFilled, o.Status)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/positions/aapl", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p domain.Position
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, 10.0, p.Quantity)

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/orders/"+o.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/fills", fillRequest{OrderID: o.ID, Price: 100, Quantity: 10})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/api/ticks", domain.Tick{Symbol: "AAPL", Price: 110})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodGet, ts.URL+"/api/portfolio", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum domain.PortfolioSummary
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.InDelta(t, 1100, sum.TotalValue, 1e-9)
	assert.InDelta(t, 100, sum.UnrealizedPnL, 1e-9)
}

func TestCancelAndModify(t *testing.T) {
	_, ts := newTestServer(t, engine.RiskLimits{}, engine.Options{})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/orders", marketBuy(10))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var o domain.Order
	require.NoError(t, json.Unmarshal(body, &o))

	resp, body = do(t, http.MethodPatch, ts.URL+"/api/orders/"+o.ID, modifyRequest{Quantity: 20})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var mod domain.Order
	require.NoError(t, json.Unmarshal(body, &mod))
	assert.Equal(t, 20.0, mod.Quantity)

	resp, body = do(t, http.MethodDelete, ts.URL+"/api/orders/"+mod.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cr cancelResponse
	require.NoError(t, json.Unmarshal(body, &cr))
	assert.True(t, cr.Cancelled)
	assert.Equal(t, domain.OrderStatusCancelled, cr.Order.Status)
}

func TestAsyncSubmitQueueFull(t *testing.T) {
	_, ts := newTestServer(t, engine.RiskLimits{}, engine.Options{QueueSize: 1})

	// No workers run, so the second request finds the queue full.
	resp, body := do(t, http.MethodPost, ts.URL+"/api/orders?async=true", marketBuy(1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/orders?async=true", marketBuy(1))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRiskLimitsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, engine.RiskLimits{MaxOrderQty: 100}, engine.Options{})

	resp, body := do(t, http.MethodGet, ts.URL+"/api/risk", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var l engine.RiskLimits
	require.NoError(t, json.Unmarshal(body, &l))
	assert.Equal(t, 100.0, l.MaxOrderQty)

	resp, _ = do(t, http.MethodPut, ts.URL+"/api/risk", engine.RiskLimits{MaxOrderQty: 1000})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/orders", marketBuy(500))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, ts.URL+"/api/risk", engine.RiskLimits{MaxOrderQty: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, engine.RiskLimits{}, engine.Options{})

	resp, body := do(t, http.MethodGet, ts.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h healthResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "ok", h.Status)

	resp, body = do(t, http.MethodGet, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tradedesk_eventbus_dropped_total")

	resp, _ = do(t, http.MethodOptions, ts.URL+"/api/orders", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestWebSocketStreamsFilteredEvents(t *testing.T) {
	srv, ts := newTestServer(t, engine.RiskLimits{}, engine.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx, srv.engine.Bus(), 64)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?kinds=order_filled"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	o, err := srv.engine.SubmitOrder(ctx, marketBuy(5))
	require.NoError(t, err)
	_, err = srv.engine.OnFillConfirmation(o.ID, 50, 5)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev eventbus.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, eventbus.KindOrderFilled, ev.Kind)
	require.NotNil(t, ev.Order)
	assert.Equal(t, o.ID, ev.Order.ID)
}

func TestGRPCEventStream(t *testing.T) {
	bus := eventbus.New(nil)
	svc := NewEventService(bus, 16, nil)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	svc.RegisterGRPC(gs)
	go gs.Serve(lis)
	defer gs.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		kinds []eventbus.Kind
	)
	got := make(chan eventbus.Event, 1)
	errStop := errors.New("stop")
	errc := make(chan error, 1)
	go func() {
		errc <- NewEventsClient(conn).Subscribe(ctx, []eventbus.Kind{eventbus.KindOrderFilled}, func(ev eventbus.Event) error {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
			got <- ev
			return errStop
		})
	}()

	order := domain.Order{ID: "o-1", Symbol: "AAPL", Status: domain.OrderStatusFilled, FilledQty: 3, FilledPrice: 12.5}
	var ev eventbus.Event
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.OrderEvent(eventbus.KindOrderPlaced, order))
		bus.Publish(eventbus.OrderEvent(eventbus.KindOrderFilled, order))
		select {
		case ev = <-got:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, eventbus.KindOrderFilled, ev.Kind)
	require.NotNil(t, ev.Order)
	assert.Equal(t, "o-1", ev.Order.ID)
	assert.Equal(t, 12.5, ev.Order.FilledPrice)
	assert.ErrorIs(t, <-errc, errStop)

	mu.Lock()
	defer mu.Unlock()
	for _, k := range kinds {
		assert.Equal(t, eventbus.KindOrderFilled, k)
	}
}
