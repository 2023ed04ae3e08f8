package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"tradedesk/internal/api"
	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/eventbus"
	"tradedesk/internal/feed"
	"tradedesk/internal/metrics"
	"tradedesk/internal/store"
	"tradedesk/internal/strategy/builtins"
	"tradedesk/internal/util"
)

func main() {
	cfgPath := "config/tradedesk.yaml"
	if p := os.Getenv("TRADEDESK_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, cfgPath, logger); err != nil {
		logger.Error("tradedesk-server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, cfgPath string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	kv, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}
	defer kv.Close()
	records := store.NewRecords(kv)

	bus := eventbus.New(logger)
	defer bus.Close()
	m := metrics.New(bus, logger)

	sim := broker.NewSimulator(cfg.Trading.SimulatorCash)
	bus.Subscribe(func(ev eventbus.Event) error {
		sim.OnTick(*ev.Tick)
		return nil
	}, eventbus.KindTick)
	brokers := broker.NewRegistry(m.InstrumentBroker(sim))
	if cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != "" {
		brokers.Register(m.InstrumentBroker(broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)))
		logger.Info("alpaca broker enabled", "baseURL", cfg.Alpaca.BaseURL, "paper", cfg.Trading.PaperMode)
	}

	strategies, err := builtins.FromConfig(cfg.Strategies)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Deps{
		Bus:        bus,
		Brokers:    brokers,
		Orders:     records,
		Trades:     records,
		Strategies: strategies,
		Limits: engine.RiskLimits{
			MaxOrderQty:       cfg.Risk.MaxOrderQty,
			MaxPriceDeviation: cfg.Risk.MaxPriceDeviation,
			MaxPosition:       cfg.Risk.MaxPosition,
		},
		Options: engine.Options{
			DefaultBroker:  cfg.Trading.DefaultBroker,
			Workers:        cfg.Trading.Workers,
			QueueSize:      cfg.Trading.QueueSize,
			TickEpsilon:    cfg.Trading.TickEpsilon,
			PollInterval:   cfg.Trading.PollInterval,
			PollRatePerMin: cfg.Trading.PollRatePerMin,
			AccountRefresh: cfg.Trading.AccountRefresh,
			Calendar:       util.NewTradingCalendar(cfg.Trading.CalendarZone, cfg.Trading.SessionOpen, cfg.Trading.SessionClose),
			MonitorFills:   cfg.Trading.AutoMonitorFills,
		},
		Logger: logger,
	})
	if err := eng.Restore(ctx); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				logger.Error("component failed", "component", name, "error", err)
			}
		}()
	}

	goRun("engine", func() error { return eng.Run(ctx) })
	goRun("metrics", func() error {
		m.Run(ctx, bus, cfg.Trading.EventBufferSize)
		return nil
	})

	var archive *store.ParquetArchive
	if cfg.Storage.ArchiveDir != "" {
		archive = store.NewParquetArchive(cfg.Storage.ArchiveDir)
		rec := store.NewRecorder(archive, logger)
		_, ch := bus.SubscribeChan(cfg.Trading.EventBufferSize, eventbus.KindTick, eventbus.KindTradeRecorded)
		// ch closes with the bus on shutdown; the recorder flushes then.
		goRun("recorder", func() error {
			rec.Consume(ch, 10*time.Second)
			return nil
		})
	}

	if f, err := newFeed(cfg, archive, logger); err != nil {
		return err
	} else if f != nil {
		goRun("feed", func() error {
			logger.Info("starting feed", "feed", f.Name(), "symbols", cfg.Feed.Symbols)
			return f.Run(ctx, func(t domain.Tick) {
				if err := eng.OnTick(ctx, t); err != nil {
					logger.Warn("tick rejected", "symbol", t.Symbol, "error", err)
				}
			})
		})
	}

	if w, err := config.NewWatcher(cfgPath, func(c *config.Config) {
		eng.SetRiskLimits(engine.RiskLimits{
			MaxOrderQty:       c.Risk.MaxOrderQty,
			MaxPriceDeviation: c.Risk.MaxPriceDeviation,
			MaxPosition:       c.Risk.MaxPosition,
		})
	}, logger); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		goRun("config-watcher", func() error { return w.Run(ctx) })
	}

	srv := api.NewServer(eng, m, api.Options{
		HTTPAddr:        cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		GRPCAddr:        grpcAddr(cfg.Server),
		EventBufferSize: cfg.Trading.EventBufferSize,
	}, logger)

	logger.Info("tradedesk-server starting",
		"http", cfg.Server.Port, "grpc", cfg.Server.GRPCPort,
		"storage", cfg.Storage.Backend, "brokers", brokers.Names(),
		"strategies", strategies.List())
	err = srv.ListenAndServe(ctx)

	// A listener failure stops everything else too.
	cancel()
	bus.Close()
	wg.Wait()
	return err
}

func newFeed(cfg *config.Config, archive *store.ParquetArchive, logger *slog.Logger) (feed.Feed, error) {
	switch cfg.Feed.Kind {
	case "", "none":
		return nil, nil
	case "alpaca":
		return feed.NewAlpacaFeed(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.StreamURL,
			cfg.Alpaca.DataURL, cfg.Alpaca.Feed, cfg.Feed.Symbols, logger), nil
	case "replay":
		if archive == nil {
			return nil, fmt.Errorf("replay feed needs storage.archive_dir")
		}
		date, err := time.Parse("2006-01-02", cfg.Feed.Date)
		if err != nil {
			return nil, fmt.Errorf("feed.date: %w", err)
		}
		return feed.NewReplayFeed(archive, date, cfg.Feed.Symbols, logger), nil
	default:
		return nil, fmt.Errorf("unknown feed kind %q", cfg.Feed.Kind)
	}
}

func grpcAddr(s config.Server) string {
	if s.GRPCPort == 0 {
		return ""
	}
	return s.Host + ":" + strconv.Itoa(s.GRPCPort)
}
