// Package api exposes the trading engine over HTTP, WebSocket and gRPC.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"tradedesk/internal/engine"
	"tradedesk/internal/metrics"
)

// Options configures the listeners. An empty GRPCAddr disables gRPC.
type Options struct {
	HTTPAddr        string
	GRPCAddr        string
	EventBufferSize int
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	hub     *Hub
	events  *EventService
	opts    Options
	log     *slog.Logger

	mu      sync.Mutex
	httpSrv *http.Server
	grpcSrv *grpc.Server
}

// NewServer creates a Server for eng. m may be nil, in which case /metrics
// is not served.
func NewServer(eng *engine.Engine, m *metrics.Metrics, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = 1024
	}
	return &Server{
		engine:  eng,
		metrics: m,
		hub:     NewHub(log),
		events:  NewEventService(eng.Bus(), opts.EventBufferSize, log),
		opts:    opts,
		log:     log.With("component", "api"),
	}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("PATCH /api/orders/{id}", s.handleModifyOrder)
	mux.HandleFunc("POST /api/orders/{id}/retry", s.handleRetryOrder)
	mux.HandleFunc("POST /api/fills", s.handleFill)
	mux.HandleFunc("POST /api/ticks", s.handleTick)
	mux.HandleFunc("GET /api/positions", s.handleListPositions)
	mux.HandleFunc("GET /api/positions/{symbol}", s.handleGetPosition)
	mux.HandleFunc("GET /api/portfolio", s.handlePortfolio)
	mux.HandleFunc("GET /api/performance", s.handlePerformance)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/strategies/{id}/pnl", s.handleStrategyPnL)
	mux.HandleFunc("GET /api/risk", s.handleGetRisk)
	mux.HandleFunc("PUT /api/risk", s.handlePutRisk)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ListenAndServe starts the HTTP and gRPC listeners and the websocket hub,
// and blocks until the context is cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.hub.Run(ctx, s.engine.Bus(), s.opts.EventBufferSize)
	}()

	httpLn, err := net.Listen("tcp", s.opts.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.HTTPAddr, err)
	}
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = httpSrv
	s.mu.Unlock()
	go func() {
		s.log.Info("http server listening", "addr", httpLn.Addr().String())
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	if s.opts.GRPCAddr != "" {
		grpcLn, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			httpSrv.Close()
			return fmt.Errorf("listening on %s: %w", s.opts.GRPCAddr, err)
		}
		gs := grpc.NewServer()
		s.events.RegisterGRPC(gs)
		s.mu.Lock()
		s.grpcSrv = gs
		s.mu.Unlock()
		go func() {
			s.log.Info("grpc server listening", "addr", grpcLn.Addr().String())
			if err := gs.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if serr := s.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	cancel()
	wg.Wait()
	return err
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpSrv, grpcSrv := s.httpSrv, s.grpcSrv
	s.mu.Unlock()

	s.events.Close()
	if grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			grpcSrv.Stop()
		}
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
	}
	s.log.Info("api server stopped")
	return nil
}
