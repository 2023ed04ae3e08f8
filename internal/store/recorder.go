package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/eventbus"
)

// Recorder buffers ticks and trades in memory and flushes them to the
// archive in batches, so the hot path never waits on file I/O.
type Recorder struct {
	archive *ParquetArchive
	log     *slog.Logger

	mu     sync.Mutex
	ticks  []domain.Tick
	trades []domain.Trade
}

// NewRecorder creates a recorder writing to archive.
func NewRecorder(archive *ParquetArchive, log *slog.Logger) *Recorder {
	return &Recorder{archive: archive, log: log.With("component", "recorder")}
}

// AddTick buffers one tick.
func (r *Recorder) AddTick(t domain.Tick) {
	r.mu.Lock()
	r.ticks = append(r.ticks, t)
	r.mu.Unlock()
}

// AddTrade buffers one trade.
func (r *Recorder) AddTrade(t domain.Trade) {
	r.mu.Lock()
	r.trades = append(r.trades, t)
	r.mu.Unlock()
}

// Flush writes everything buffered so far. On failure the batch is put back
// so the next flush retries it.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	ticks, trades := r.ticks, r.trades
	r.ticks, r.trades = nil, nil
	r.mu.Unlock()

	if err := r.archive.WriteTicks(ctx, ticks); err != nil {
		r.requeue(ticks, trades)
		return err
	}
	if err := r.archive.WriteTrades(ctx, trades); err != nil {
		r.requeue(nil, trades)
		return err
	}
	if len(ticks)+len(trades) > 0 {
		r.log.Debug("archive flushed", "ticks", len(ticks), "trades", len(trades))
	}
	return nil
}

func (r *Recorder) requeue(ticks []domain.Tick, trades []domain.Trade) {
	r.mu.Lock()
	r.ticks = append(ticks, r.ticks...)
	r.trades = append(trades, r.trades...)
	r.mu.Unlock()
}

// Consume buffers the ticks and trades read from events and flushes every
// interval. When events is closed it flushes once more and returns, so
// nothing received is left unwritten.
func (r *Recorder) Consume(events <-chan eventbus.Event, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := r.Flush(context.Background()); err != nil {
					r.log.Error("final archive flush failed", "error", err)
				}
				return
			}
			switch {
			case ev.Tick != nil:
				r.AddTick(*ev.Tick)
			case ev.Trade != nil:
				r.AddTrade(*ev.Trade)
			}
		case <-ticker.C:
			if err := r.Flush(context.Background()); err != nil {
				r.log.Warn("archive flush failed", "error", err)
			}
		}
	}
}
