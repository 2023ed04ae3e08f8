package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
)

// errorResponse is the JSON body of every non-2xx reply.
type errorResponse struct {
	Error   string `json:"error"`
	OrderID string `json:"orderId,omitempty"`
}

// modifyRequest is the body of PATCH /api/orders/{id}.
type modifyRequest struct {
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// fillRequest is the body of POST /api/fills.
type fillRequest struct {
	OrderID  string  `json:"orderId"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// cancelResponse is the body returned by DELETE /api/orders/{id}.
type cancelResponse struct {
	Cancelled bool         `json:"cancelled"`
	Order     domain.Order `json:"order"`
}

// healthResponse is the body of GET /api/health.
type healthResponse struct {
	Status          string    `json:"status"`
	Time            time.Time `json:"time"`
	OpenOrders      int       `json:"openOrders"`
	Positions       int       `json:"positions"`
	MonitoredOrders int       `json:"monitoredOrders"`
	WSClients       int       `json:"wsClients"`
	DroppedEvents   uint64    `json:"droppedEvents"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = domain.OrderSide(strings.ToUpper(string(req.Side)))
	req.Type = domain.OrderType(strings.ToUpper(string(req.Type)))
	req.Validity = domain.Validity(strings.ToUpper(string(req.Validity)))

	if r.URL.Query().Get("async") == "true" {
		if _, err := s.engine.SubmitOrderAsync(r.Context(), req); err != nil {
			s.writeEngineError(w, err, "")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]bool{"queued": true})
		return
	}

	o, err := s.engine.SubmitOrder(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err, o.ID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.OrderFilter{
		BrokerID:   q.Get("broker"),
		Status:     domain.OrderStatus(strings.ToUpper(q.Get("status"))),
		Symbol:     strings.ToUpper(q.Get("symbol")),
		StrategyID: q.Get("strategy"),
	}
	writeJSON(w, s.engine.Orders(f))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Order(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err, "")
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.engine.CancelOrder(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err, id)
		return
	}
	o, _ := s.engine.Order(id)
	writeJSON(w, cancelResponse{Cancelled: ok, Order: o})
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req modifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	o, err := s.engine.ModifyOrder(r.Context(), id, req.Quantity, req.Price)
	if err != nil {
		s.writeEngineError(w, err, id)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleRetryOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := s.engine.ResubmitOrder(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err, id)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "orderId is required")
		return
	}
	o, err := s.engine.OnFillConfirmation(req.OrderID, req.Price, req.Quantity)
	if err != nil {
		s.writeEngineError(w, err, req.OrderID)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var t domain.Tick
	if !decodeBody(w, r, &t) {
		return
	}
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if err := s.engine.OnTick(r.Context(), t); err != nil {
		s.writeEngineError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.engine.Positions())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	p, ok := s.engine.Position(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no open position in %s", symbol))
		return
	}
	writeJSON(w, p)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.engine.Summary())
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.engine.Performance())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.TradeFilter{
		Symbol:     strings.ToUpper(q.Get("symbol")),
		StrategyID: q.Get("strategy"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	writeJSON(w, s.engine.Trades(f))
}

func (s *Server) handleStrategyPnL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.StrategyPnL(r.PathValue("id")))
}

func (s *Server) handleGetRisk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.engine.RiskLimits())
}

func (s *Server) handlePutRisk(w http.ResponseWriter, r *http.Request) {
	var l engine.RiskLimits
	if !decodeBody(w, r, &l) {
		return
	}
	if l.MaxOrderQty < 0 || l.MaxPriceDeviation < 0 || l.MaxPosition < 0 {
		writeError(w, http.StatusBadRequest, "risk limits must not be negative")
		return
	}
	s.engine.SetRiskLimits(l)
	writeJSON(w, l)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResponse{
		Status:          "ok",
		Time:            time.Now().UTC(),
		OpenOrders:      len(s.engine.Orders(domain.OrderFilter{Status: domain.OrderStatusPlaced})),
		Positions:       len(s.engine.Positions()),
		MonitoredOrders: s.engine.MonitoredOrders(),
		WSClients:       s.hub.ClientCount(),
		DroppedEvents:   s.engine.Bus().Dropped(),
	})
}

// writeEngineError maps the engine's error taxonomy onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, orderID string) {
	var (
		ve *domain.ValidationError
		re *domain.OrderRejectedError
		be *domain.BrokerError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &re):
		status = http.StatusUnprocessableEntity
		orderID = re.OrderID
	case errors.Is(err, domain.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrUnsupportedPositionFlip):
		status = http.StatusConflict
	case errors.As(err, &be):
		status = http.StatusBadGateway
	case errors.Is(err, engine.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), OrderID: orderID})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
