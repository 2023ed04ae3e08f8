package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradedesk/internal/store"
)

// Compile-time interface check.
var _ Feed = (*ReplayFeed)(nil)

// ReplayFeed plays one archived session back in timestamp order. With a
// Speed of zero ticks are delivered as fast as the sink accepts them;
// otherwise the gaps between ticks are divided by Speed.
type ReplayFeed struct {
	archive *store.ParquetArchive
	date    time.Time
	symbols []string
	Speed   float64
	log     *slog.Logger
}

// NewReplayFeed creates a replay of date for symbols (all archived symbols
// when none are given).
func NewReplayFeed(archive *store.ParquetArchive, date time.Time, symbols []string, log *slog.Logger) *ReplayFeed {
	if log == nil {
		log = slog.Default()
	}
	return &ReplayFeed{
		archive: archive,
		date:    date,
		symbols: symbols,
		log:     log.With("component", "replay-feed"),
	}
}

// Name returns "replay".
func (f *ReplayFeed) Name() string { return "replay" }

// Run delivers every tick of the session and returns nil once the archive
// is exhausted.
func (f *ReplayFeed) Run(ctx context.Context, sink Sink) error {
	ticks, err := f.archive.ReadSession(ctx, f.date, f.symbols...)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", f.date.Format("2006-01-02"), err)
	}
	f.log.Info("replay started", "date", f.date.Format("2006-01-02"), "ticks", len(ticks))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for i, t := range ticks {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if f.Speed > 0 && i > 0 {
			gap := time.Duration(float64(t.Timestamp.Sub(ticks[i-1].Timestamp)) / f.Speed)
			if gap > 0 {
				if timer == nil {
					timer = time.NewTimer(gap)
				} else {
					timer.Reset(gap)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-timer.C:
				}
			}
		}
		sink(t)
	}
	f.log.Info("replay finished", "ticks", len(ticks))
	return nil
}
