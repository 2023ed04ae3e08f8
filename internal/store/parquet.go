package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradedesk/internal/domain"
)

// ParquetArchive writes ticks and fills to Parquet files on disk.
//
// Layout:
//
//	<DataDir>/ticks/<SYMBOL>/<YYYY-MM-DD>.parquet
//	<DataDir>/fills/<YYYY-MM-DD>.parquet
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a new archive rooted at the given data directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// TickRecord is the Parquet schema for archived ticks.
type TickRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(nanosecond)"` // Unix ns
	Price     float64 `parquet:"price"`
	Volume    float64 `parquet:"volume"`
}

// FillRecord is the Parquet schema for archived trades.
type FillRecord struct {
	ID         string  `parquet:"id"`
	OrderID    string  `parquet:"order_id"`
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	Quantity   float64 `parquet:"quantity"`
	Price      float64 `parquet:"price"`
	Value      float64 `parquet:"value"`
	PnL        float64 `parquet:"pnl"`
	BrokerID   string  `parquet:"broker_id"`
	StrategyID string  `parquet:"strategy_id"`
	Timestamp  int64   `parquet:"timestamp,timestamp(nanosecond)"` // Unix ns
}

// ---------------------------------------------------------------------------
// Ticks
// ---------------------------------------------------------------------------

// WriteTicks appends ticks to the per-symbol, per-day files, merging with
// what is already on disk.
func (a *ParquetArchive) WriteTicks(_ context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	type key struct {
		symbol string
		date   string // YYYY-MM-DD
	}
	groups := make(map[key][]TickRecord)
	for _, t := range ticks {
		k := key{symbol: t.Symbol, date: t.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], TickRecord{
			Symbol:    t.Symbol,
			Timestamp: t.Timestamp.UnixNano(),
			Price:     t.Price,
			Volume:    t.Volume,
		})
	}

	for k, records := range groups {
		d, _ := time.Parse("2006-01-02", k.date)
		path := a.tickPath(k.symbol, d)

		existing, _ := readParquetFile[TickRecord](path)
		merged := mergeTickRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing ticks for %s/%s: %w", k.symbol, k.date, err)
		}
	}
	return nil
}

// ReadTicks reads ticks for symbol within [start, end].
func (a *ParquetArchive) ReadTicks(_ context.Context, symbol string, start, end time.Time) ([]domain.Tick, error) {
	var ticks []domain.Tick
	first := truncateDay(start)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[TickRecord](a.tickPath(symbol, d))
		if err != nil {
			// No file for this day.
			continue
		}
		for _, r := range records {
			ts := time.Unix(0, r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			ticks = append(ticks, domain.Tick{
				Symbol:    r.Symbol,
				Price:     r.Price,
				Volume:    r.Volume,
				Timestamp: ts,
			})
		}
	}
	return ticks, nil
}

// ReadSession reads every tick archived for the given day across symbols
// (all symbols when none are given), merged in timestamp order.
func (a *ParquetArchive) ReadSession(ctx context.Context, date time.Time, symbols ...string) ([]domain.Tick, error) {
	if len(symbols) == 0 {
		var err error
		symbols, err = a.ListSymbols(ctx)
		if err != nil {
			return nil, err
		}
	}
	start := truncateDay(date)
	end := start.Add(24*time.Hour - time.Nanosecond)

	var all []domain.Tick
	for _, sym := range symbols {
		ticks, err := a.ReadTicks(ctx, strings.ToUpper(sym), start, end)
		if err != nil {
			return nil, err
		}
		all = append(all, ticks...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}

// ListSymbols lists all symbols that have archived ticks.
func (a *ParquetArchive) ListSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.DataDir, "ticks"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// WriteTrades appends trades to the per-day fill files. Records are keyed by
// trade ID so rewriting the same trade is a no-op.
func (a *ParquetArchive) WriteTrades(_ context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	groups := make(map[string][]FillRecord)
	for _, t := range trades {
		date := t.Timestamp.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], FillRecord{
			ID:         t.ID,
			OrderID:    t.OrderID,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			Quantity:   t.Quantity,
			Price:      t.Price,
			Value:      t.Value,
			PnL:        t.PnL,
			BrokerID:   t.BrokerID,
			StrategyID: t.StrategyID,
			Timestamp:  t.Timestamp.UnixNano(),
		})
	}

	for date, records := range groups {
		d, _ := time.Parse("2006-01-02", date)
		path := a.fillPath(d)

		existing, _ := readParquetFile[FillRecord](path)
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing fills for %s: %w", date, err)
		}
	}
	return nil
}

// ReadTrades returns the trades archived for the given day.
func (a *ParquetArchive) ReadTrades(_ context.Context, date time.Time) ([]domain.Trade, error) {
	records, err := readParquetFile[FillRecord](a.fillPath(date))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	trades := make([]domain.Trade, 0, len(records))
	for _, r := range records {
		trades = append(trades, domain.Trade{
			ID:         r.ID,
			OrderID:    r.OrderID,
			Symbol:     r.Symbol,
			Side:       domain.OrderSide(r.Side),
			Quantity:   r.Quantity,
			Price:      r.Price,
			Value:      r.Value,
			PnL:        r.PnL,
			BrokerID:   r.BrokerID,
			StrategyID: r.StrategyID,
			Timestamp:  time.Unix(0, r.Timestamp).UTC(),
		})
	}
	return trades, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// tickPath returns the filesystem path for a tick Parquet file.
func (a *ParquetArchive) tickPath(symbol string, t time.Time) string {
	date := t.UTC().Format("2006-01-02")
	return filepath.Join(a.DataDir, "ticks", strings.ToUpper(symbol), date+".parquet")
}

// fillPath returns the filesystem path for a fill Parquet file.
func (a *ParquetArchive) fillPath(t time.Time) string {
	date := t.UTC().Format("2006-01-02")
	return filepath.Join(a.DataDir, "fills", date+".parquet")
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeTickRecords deduplicates identical tick records and sorts the result
// by timestamp.
func mergeTickRecords(existing, incoming []TickRecord) []TickRecord {
	seen := make(map[TickRecord]struct{}, len(existing)+len(incoming))
	merged := make([]TickRecord, 0, len(existing)+len(incoming))
	for _, group := range [][]TickRecord{existing, incoming} {
		for _, r := range group {
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// mergeFillRecords deduplicates fill records by id, preferring new records
// over existing ones. Results are sorted by timestamp.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	seen := make(map[string]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
