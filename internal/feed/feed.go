// Package feed provides the inbound market-data sources that drive the
// engine's tick path.
package feed

import (
	"context"

	"tradedesk/internal/domain"
)

// Sink receives ticks. It is called from the feed's goroutine and must not
// block for long.
type Sink func(domain.Tick)

// Feed is a source of market ticks. Run delivers ticks to sink until ctx is
// cancelled or the source is exhausted.
type Feed interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}
