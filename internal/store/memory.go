package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"thameswater-collector/internal/meter"
)

var (
	// ErrNotFound is returned when no statistics exist for a series or range.
	ErrNotFound = errors.New("no statistics for series")
)

// Series names one statistics stream.
type Series string

const (
	SeriesConsumption Series = "consumption"
	SeriesCost        Series = "cost"
)

// MemoryStore is a concurrency-safe in-memory statistics store. Injection is
// idempotent: points are keyed by their start timestamp, so re-ingesting an
// overlapping window upserts rather than duplicates.
//
// The store also owns the two host-side settings the series derive from: the
// baseline (initial meter reading) and the unit cost. Both are guarded by the
// same lock as the points, so baseline reads and updates are atomic relative
// to concurrent injection.
type MemoryStore struct {
	mu sync.RWMutex

	// series -> start (unix seconds) -> point
	data map[Series]map[int64]meter.StatisticPoint

	baseline          *float64
	costPerCubicMetre float64
}

// NewMemoryStore creates an empty store with the given unit cost.
func NewMemoryStore(costPerCubicMetre float64) *MemoryStore {
	return &MemoryStore{
		data:              make(map[Series]map[int64]meter.StatisticPoint),
		costPerCubicMetre: costPerCubicMetre,
	}
}

// Upsert injects points into a series, replacing any existing point that
// shares a start timestamp.
func (s *MemoryStore) Upsert(series Series, points []meter.StatisticPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStart, ok := s.data[series]
	if !ok {
		byStart = make(map[int64]meter.StatisticPoint)
		s.data[series] = byStart
	}
	for _, p := range points {
		byStart[p.Start.Unix()] = p
	}
}

// Latest returns the point with the newest start timestamp in a series.
func (s *MemoryStore) Latest(series Series) (meter.StatisticPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStart, ok := s.data[series]
	if !ok || len(byStart) == 0 {
		return meter.StatisticPoint{}, ErrNotFound
	}

	var latest meter.StatisticPoint
	var latestKey int64
	first := true
	for key, p := range byStart {
		if first || key > latestKey {
			latest = p
			latestKey = key
			first = false
		}
	}
	return latest, nil
}

// Range returns all points of a series between from and to (inclusive),
// ordered by start timestamp.
func (s *MemoryStore) Range(series Series, from, to time.Time) ([]meter.StatisticPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStart, ok := s.data[series]
	if !ok || len(byStart) == 0 {
		return nil, ErrNotFound
	}

	var result []meter.StatisticPoint
	for _, p := range byStart {
		if !p.Start.Before(from) && !p.Start.After(to) {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Start.Before(result[j].Start)
	})
	return result, nil
}

// Baseline returns the initial meter reading, if set.
func (s *MemoryStore) Baseline() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.baseline == nil {
		return 0, false
	}
	return *s.baseline, true
}

// SetBaseline sets the initial meter reading.
func (s *MemoryStore) SetBaseline(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = &v
}

// EnsureBaseline sets the baseline to candidate if none is set yet and
// returns the effective value. The check and the set are one critical
// section, so two concurrent backfills cannot race to different baselines.
func (s *MemoryStore) EnsureBaseline(candidate float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseline == nil {
		s.baseline = &candidate
	}
	return *s.baseline
}

// CostPerCubicMetre returns the configured unit cost.
func (s *MemoryStore) CostPerCubicMetre() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.costPerCubicMetre
}

// SetCostPerCubicMetre updates the unit cost used for future cost series.
func (s *MemoryStore) SetCostPerCubicMetre(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costPerCubicMetre = v
}
