// Package metrics exposes engine activity as Prometheus metrics. Collectors
// live on their own registry and are fed from the event bus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/eventbus"
)

const namespace = "tradedesk"

// Metrics holds the engine collectors.
type Metrics struct {
	reg *prometheus.Registry
	log *slog.Logger

	orderTotal      *prometheus.CounterVec
	rejectTotal     *prometheus.CounterVec
	fillTotal       *prometheus.CounterVec
	tradeVolume     *prometheus.CounterVec
	tradeAmount     *prometheus.CounterVec
	pnlRealized     *prometheus.CounterVec
	placeDuration   *prometheus.HistogramVec
	portfolioValue  prometheus.Gauge
	pnlTotal        prometheus.Gauge
	pnlDay          prometheus.Gauge
	openPositions   prometheus.Gauge
	positionQty     *prometheus.GaugeVec
	unrealizedPnL   *prometheus.GaugeVec
	eventsTotal     *prometheus.CounterVec
	busDroppedTotal prometheus.GaugeFunc
}

// New registers the collectors on a fresh registry. bus may be nil; when set
// the count of dropped channel deliveries is exported too.
func New(bus *eventbus.Bus, log *slog.Logger) *Metrics {
	if log == nil {
		log = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		log: log.With("component", "metrics"),
		orderTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_total",
			Help:      "Order lifecycle transitions by resulting status.",
		}, []string{"broker", "symbol", "side", "status"}),
		rejectTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_rejected_total",
			Help:      "Orders rejected by the risk gate or the broker.",
		}, []string{"broker", "symbol"}),
		fillTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fill_total",
			Help:      "Fills applied to orders.",
		}, []string{"broker", "symbol", "side"}),
		tradeVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_volume_total",
			Help:      "Traded quantity.",
		}, []string{"symbol", "side"}),
		tradeAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_amount_total",
			Help:      "Traded notional.",
		}, []string{"symbol", "side"}),
		pnlRealized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_pnl_realized_total",
			Help:      "Realized P&L magnitude recorded on trades, split by outcome.",
		}, []string{"symbol", "outcome"}),
		placeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_place_duration_seconds",
			Help:      "Latency of broker order placement calls.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		}, []string{"broker", "outcome"}),
		portfolioValue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_value",
			Help:      "Market value of open positions.",
		}),
		pnlTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_pnl_total",
			Help:      "Realized plus unrealized P&L.",
		}),
		pnlDay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_pnl_day",
			Help:      "P&L since the session baseline.",
		}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_open_positions",
			Help:      "Number of open positions.",
		}),
		positionQty: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "position_quantity",
			Help:      "Open quantity per symbol.",
		}, []string{"symbol"}),
		unrealizedPnL: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "position_unrealized_pnl",
			Help:      "Unrealized P&L per symbol.",
		}, []string{"symbol"}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events observed on the bus by kind.",
		}, []string{"kind"}),
	}
	if bus != nil {
		m.busDroppedTotal = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a channel subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes events from a channel subscription on bus until ctx is
// cancelled.
func (m *Metrics) Run(ctx context.Context, bus *eventbus.Bus, bufSize int) {
	id, ch := bus.SubscribeChan(bufSize)
	defer bus.Unsubscribe(id)
	m.log.Info("metrics collector started")

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(e eventbus.Event) {
	m.eventsTotal.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case eventbus.KindOrderPlaced, eventbus.KindOrderCancelled, eventbus.KindOrderModified:
		if o := e.Order; o != nil {
			m.orderTotal.WithLabelValues(o.BrokerID, o.Symbol, string(o.Side), string(o.Status)).Inc()
		}
	case eventbus.KindOrderRejected:
		if o := e.Order; o != nil {
			m.orderTotal.WithLabelValues(o.BrokerID, o.Symbol, string(o.Side), string(o.Status)).Inc()
			m.rejectTotal.WithLabelValues(o.BrokerID, o.Symbol).Inc()
		}
	case eventbus.KindOrderFilled:
		if o := e.Order; o != nil {
			m.orderTotal.WithLabelValues(o.BrokerID, o.Symbol, string(o.Side), string(o.Status)).Inc()
			m.fillTotal.WithLabelValues(o.BrokerID, o.Symbol, string(o.Side)).Inc()
		}
	case eventbus.KindTradeRecorded:
		if t := e.Trade; t != nil {
			m.tradeVolume.WithLabelValues(t.Symbol, string(t.Side)).Add(t.Quantity)
			m.tradeAmount.WithLabelValues(t.Symbol, string(t.Side)).Add(t.Value)
			switch {
			case t.PnL > 0:
				m.pnlRealized.WithLabelValues(t.Symbol, "win").Add(t.PnL)
			case t.PnL < 0:
				m.pnlRealized.WithLabelValues(t.Symbol, "loss").Add(-t.PnL)
			}
		}
	case eventbus.KindPositionUpdated:
		if c := e.Position; c != nil {
			if c.Closed {
				m.positionQty.DeleteLabelValues(c.Position.Symbol)
				m.unrealizedPnL.DeleteLabelValues(c.Position.Symbol)
				return
			}
			m.positionQty.WithLabelValues(c.Position.Symbol).Set(c.Position.Quantity)
			m.unrealizedPnL.WithLabelValues(c.Position.Symbol).Set(c.Position.UnrealizedPnL)
		}
	case eventbus.KindPortfolioUpdated:
		if s := e.Summary; s != nil {
			m.portfolioValue.Set(s.TotalValue)
			m.pnlTotal.Set(s.TotalPnL)
			m.pnlDay.Set(s.DayPnL)
			m.openPositions.Set(float64(s.PositionCount))
		}
	}
}

// InstrumentBroker wraps b so every PlaceOrder call is timed.
func (m *Metrics) InstrumentBroker(b broker.Broker) broker.Broker {
	return &instrumentedBroker{Broker: b, hist: m.placeDuration}
}

type instrumentedBroker struct {
	broker.Broker
	hist *prometheus.HistogramVec
}

func (b *instrumentedBroker) PlaceOrder(ctx context.Context, o *domain.Order) (string, error) {
	start := time.Now()
	id, err := b.Broker.PlaceOrder(ctx, o)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if _, rejected := broker.IsRejected(err); rejected {
			outcome = "rejected"
		}
	}
	b.hist.WithLabelValues(b.Name(), outcome).Observe(time.Since(start).Seconds())
	return id, err
}
