package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"tradedesk/internal/domain"
	"tradedesk/internal/store"
)

// Compile-time interface check.
var _ Feed = (*AlpacaFeed)(nil)

// AlpacaFeed streams real-time trades from the Alpaca market-data WebSocket
// and turns each print into a tick.
type AlpacaFeed struct {
	apiKey    string
	apiSecret string
	streamURL string
	dataURL   string
	feed      marketdata.Feed
	symbols   []string
	log       *slog.Logger
}

// NewAlpacaFeed creates a feed for symbols. feedName selects the Alpaca data
// feed ("iex" or "sip", default iex); empty URLs use the SDK defaults.
func NewAlpacaFeed(apiKey, apiSecret, streamURL, dataURL, feedName string, symbols []string, log *slog.Logger) *AlpacaFeed {
	if log == nil {
		log = slog.Default()
	}
	f := marketdata.IEX
	if strings.EqualFold(feedName, "sip") {
		f = marketdata.SIP
	}
	syms := make([]string, len(symbols))
	for i, s := range symbols {
		syms[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return &AlpacaFeed{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		streamURL: streamURL,
		dataURL:   dataURL,
		feed:      f,
		symbols:   syms,
		log:       log.With("component", "alpaca-feed"),
	}
}

// Name returns "alpaca".
func (f *AlpacaFeed) Name() string { return "alpaca" }

// Run connects to the stream, subscribes to trades for the configured
// symbols and blocks until ctx is cancelled or the client terminates.
func (f *AlpacaFeed) Run(ctx context.Context, sink Sink) error {
	if len(f.symbols) == 0 {
		return fmt.Errorf("alpaca feed: no symbols configured")
	}

	opts := []stream.StockOption{
		stream.WithCredentials(f.apiKey, f.apiSecret),
		stream.WithTrades(func(t stream.Trade) {
			sink(tradeToTick(t.Symbol, t.Price, float64(t.Size), t.Timestamp))
		}, f.symbols...),
	}
	if f.streamURL != "" {
		opts = append(opts, stream.WithBaseURL(f.streamURL))
	}
	c := stream.NewStocksClient(f.feed, opts...)

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to alpaca stream: %w", err)
	}
	f.log.Info("stream connected", "symbols", f.symbols, "feed", f.feed)

	select {
	case <-ctx.Done():
		return nil
	case err := <-c.Terminated():
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("alpaca stream terminated: %w", err)
	}
}

// Backfill downloads historical trades for the configured symbols between
// start and end and writes them to the tick archive.
func (f *AlpacaFeed) Backfill(ctx context.Context, archive *store.ParquetArchive, start, end time.Time) (int, error) {
	opts := marketdata.ClientOpts{
		APIKey:    f.apiKey,
		APISecret: f.apiSecret,
		Feed:      f.feed,
	}
	if f.dataURL != "" {
		opts.BaseURL = f.dataURL
	}
	client := marketdata.NewClient(opts)

	multi, err := client.GetMultiTrades(f.symbols, marketdata.GetTradesRequest{
		Start: start,
		End:   end,
	})
	if err != nil {
		return 0, fmt.Errorf("fetching trades: %w", err)
	}

	var ticks []domain.Tick
	for sym, trades := range multi {
		for _, t := range trades {
			ticks = append(ticks, tradeToTick(sym, t.Price, float64(t.Size), t.Timestamp))
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := archive.WriteTicks(ctx, ticks); err != nil {
		return 0, err
	}
	f.log.Info("backfill complete", "symbols", len(multi), "ticks", len(ticks))
	return len(ticks), nil
}

func tradeToTick(symbol string, price, size float64, ts time.Time) domain.Tick {
	return domain.Tick{
		Symbol:    strings.ToUpper(symbol),
		Price:     price,
		Volume:    size,
		Timestamp: ts.UTC(),
	}
}
