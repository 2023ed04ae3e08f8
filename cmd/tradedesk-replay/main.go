package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradedesk/internal/backtest"
	"tradedesk/internal/config"
	"tradedesk/internal/engine"
	"tradedesk/internal/feed"
	"tradedesk/internal/store"
	"tradedesk/internal/strategy/builtins"
	"tradedesk/internal/util"
)

func main() {
	cfgPath := "config/tradedesk.yaml"
	if p := os.Getenv("TRADEDESK_CONFIG"); p != "" {
		cfgPath = p
	}

	startStr := flag.String("start", "", "first session date, YYYY-MM-DD")
	endStr := flag.String("end", "", "last session date, YYYY-MM-DD (default: start)")
	symbolsStr := flag.String("symbols", "", "comma separated symbols (default: feed.symbols)")
	capital := flag.Float64("capital", 0, "starting cash (default: trading.simulator_cash)")
	backfill := flag.Bool("backfill", false, "download trades from Alpaca into the archive first")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	start, err := time.Parse("2006-01-02", *startStr)
	if err != nil {
		logger.Error("invalid -start", "error", err)
		os.Exit(1)
	}
	end := start
	if *endStr != "" {
		if end, err = time.Parse("2006-01-02", *endStr); err != nil {
			logger.Error("invalid -end", "error", err)
			os.Exit(1)
		}
	}
	symbols := cfg.Feed.Symbols
	if *symbolsStr != "" {
		symbols = strings.Split(*symbolsStr, ",")
	}
	for i := range symbols {
		symbols[i] = strings.ToUpper(strings.TrimSpace(symbols[i]))
	}
	if *capital <= 0 {
		*capital = cfg.Trading.SimulatorCash
	}
	if cfg.Storage.ArchiveDir == "" {
		logger.Error("storage.archive_dir is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	archive := store.NewParquetArchive(cfg.Storage.ArchiveDir)

	if *backfill {
		f := feed.NewAlpacaFeed(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.StreamURL,
			cfg.Alpaca.DataURL, cfg.Alpaca.Feed, symbols, logger)
		n, err := f.Backfill(ctx, archive, start, end.AddDate(0, 0, 1))
		if err != nil {
			logger.Error("backfill failed", "error", err)
			os.Exit(1)
		}
		logger.Info("backfill complete", "ticks", n)
	}

	registry, err := builtins.FromConfig(cfg.Strategies)
	if err != nil {
		logger.Error("building strategies", "error", err)
		os.Exit(1)
	}
	if len(registry.List()) == 0 {
		logger.Warn("no strategies configured; replay only marks prices")
	}

	bt := backtest.NewBacktester(archive, registry, engine.RiskLimits{
		MaxOrderQty:       cfg.Risk.MaxOrderQty,
		MaxPriceDeviation: cfg.Risk.MaxPriceDeviation,
		MaxPosition:       cfg.Risk.MaxPosition,
	}, logger)

	res, err := bt.Run(ctx, symbols, start, end, *capital)
	if err != nil {
		logger.Error("backtest failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Error("writing result", "error", err)
		os.Exit(1)
	}
}
