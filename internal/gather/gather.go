// Package gather backfills historical bars from upstream market-data
// providers into the bar store.
package gather

import (
	"context"
	"time"

	"quantsim/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs the gathering job. It returns early when ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// BarSource fetches historical bars for one symbol at a fixed interval.
type BarSource interface {
	FetchBars(ctx context.Context, symbol string, r DateRange, interval time.Duration) (domain.Series, error)
}

// DateRange represents a time range for data fetching. Start is inclusive
// and End exclusive.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Split cuts r into consecutive windows of at most step. A non-positive step
// returns r unchanged.
func (r DateRange) Split(step time.Duration) []DateRange {
	if !r.End.After(r.Start) {
		return nil
	}
	if step <= 0 {
		return []DateRange{r}
	}
	var out []DateRange
	for t := r.Start; t.Before(r.End); t = t.Add(step) {
		end := t.Add(step)
		if end.After(r.End) {
			end = r.End
		}
		out = append(out, DateRange{Start: t, End: end})
	}
	return out
}
