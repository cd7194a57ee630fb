// Package collector orchestrates the fetch -> normalize -> statistics
// pipeline around the portal client and the statistics store.
package collector

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"thameswater-collector/internal/meter"
	"thameswater-collector/internal/store"
	"thameswater-collector/internal/thameswater"
)

const (
	// The portal publishes readings with roughly a three day lag, so the
	// periodic refresh looks at the window [now-6d, now-3d].
	publishLagDays    = 3
	refreshWindowDays = 3

	// Historical backfills are issued in chunks of at most a week so a
	// single upstream failure only loses that slice of the range.
	backfillChunkDays = 7
)

// UsageFetcher is the slice of the portal client the collector needs.
type UsageFetcher interface {
	MeterUsage(ctx context.Context, meterID string, start, end time.Time, granularity thameswater.Granularity) (*thameswater.MeterUsage, error)
}

// Service drives periodic refreshes and historical backfills. All entry
// points serialize on one mutex: the portal session underneath is strictly
// sequential, so concurrent fetches through it are never valid.
type Service struct {
	mu      sync.Mutex
	client  UsageFetcher
	store   *store.MemoryStore
	meterID string
	now     func() time.Time
}

// New creates a Service.
func New(client UsageFetcher, st *store.MemoryStore, meterID string) *Service {
	return &Service{
		client:  client,
		store:   st,
		meterID: meterID,
		now:     time.Now,
	}
}

// Refresh fetches the most recent published window and injects consumption
// and cost statistics. Without a baseline reading there is nothing to anchor
// the sums to, so the cycle is skipped with a warning rather than failing.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.now().AddDate(0, 0, -publishLagDays)
	start := end.AddDate(0, 0, -refreshWindowDays)

	usage, err := s.client.MeterUsage(ctx, s.meterID, start, end, thameswater.GranularityHour)
	if err != nil {
		return fmt.Errorf("fetching meter usage: %w", err)
	}
	log.Printf("collector: fetched %d reading rows", len(usage.Lines))

	if len(usage.Lines) == 0 {
		return nil
	}

	baseline, ok := s.store.Baseline()
	if !ok {
		log.Println("collector: initial meter reading not set; skipping statistics update")
		return nil
	}

	return s.inject(civilDate(start), usage.Lines, baseline)
}

// Backfill fetches [startDate, endDate) in chunks and injects statistics for
// every chunk that succeeds. A chunk whose fetch fails upstream is logged and
// skipped; an authentication failure aborts the whole range, since every
// remaining chunk would fail the same way. When no baseline is set yet it is
// derived from the first fetched row (read minus usage). Returns the number
// of injected hours.
func (s *Service) Backfill(ctx context.Context, startDate, endDate time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	injected := 0
	chunkStart := civilDate(startDate)
	end := civilDate(endDate)

	for chunkStart.Before(end) {
		chunkEnd := chunkStart.AddDate(0, 0, backfillChunkDays)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		log.Printf("collector: fetching historical data from %s to %s",
			chunkStart.Format("2006-01-02"), chunkEnd.Format("2006-01-02"))

		usage, err := s.client.MeterUsage(ctx, s.meterID, chunkStart, chunkEnd, thameswater.GranularityHour)
		if err != nil {
			if thameswater.IsAuthError(err) {
				return injected, fmt.Errorf("backfill aborted: %w", err)
			}
			log.Printf("collector: skipping chunk %s to %s: %v",
				chunkStart.Format("2006-01-02"), chunkEnd.Format("2006-01-02"), err)
			chunkStart = chunkEnd
			continue
		}

		if len(usage.Lines) == 0 {
			chunkStart = chunkEnd
			continue
		}

		first := usage.Lines[0]
		baseline := s.store.EnsureBaseline(first.Read - first.Usage)

		if err := s.inject(chunkStart, usage.Lines, baseline); err != nil {
			return injected, err
		}
		injected += len(usage.Lines)
		chunkStart = chunkEnd
	}

	log.Printf("collector: backfilled %d hours of statistics", injected)
	return injected, nil
}

// inject normalizes rows starting at the given civil date and upserts the
// consumption series plus the cost series scaled by the current unit cost.
func (s *Service) inject(startDate time.Time, lines []thameswater.Line, baseline float64) error {
	measurements, err := meter.Normalize(startDate, lines, nil)
	if err != nil {
		return fmt.Errorf("normalizing readings: %w", err)
	}

	stats := meter.Statistics(measurements, baseline)
	s.store.Upsert(store.SeriesConsumption, stats)

	costPerLitre := s.store.CostPerCubicMetre() / 1000
	s.store.Upsert(store.SeriesCost, meter.Scale(stats, costPerLitre))
	return nil
}

// civilDate strips t down to its calendar date at midnight UTC, the pure-date
// form the normalizer requires.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
