package collector

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thameswater-collector/internal/store"
	"thameswater-collector/internal/thameswater"
)

type fetchCall struct {
	meterID     string
	start, end  time.Time
	granularity thameswater.Granularity
}

// stubFetcher records every fetch and answers from a queue of canned results.
type stubFetcher struct {
	calls   []fetchCall
	results []fetchResult
}

type fetchResult struct {
	usage *thameswater.MeterUsage
	err   error
}

func (f *stubFetcher) MeterUsage(_ context.Context, meterID string, start, end time.Time, granularity thameswater.Granularity) (*thameswater.MeterUsage, error) {
	f.calls = append(f.calls, fetchCall{meterID, start, end, granularity})
	if len(f.results) == 0 {
		return usageWith(), nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next.usage, next.err
}

func usageWith(lines ...thameswater.Line) *thameswater.MeterUsage {
	if lines == nil {
		lines = []thameswater.Line{}
	}
	return &thameswater.MeterUsage{
		IsDataAvailable:        true,
		IsConsumptionAvailable: true,
		Lines:                  lines,
	}
}

func fixedNow(svc *Service, t time.Time) {
	svc.now = func() time.Time { return t }
}

func TestRefreshWindow(t *testing.T) {
	fetcher := &stubFetcher{}
	st := store.NewMemoryStore(2.41)
	svc := New(fetcher, st, "12345")
	fixedNow(svc, time.Date(2024, time.June, 21, 10, 30, 0, 0, time.UTC))

	require.NoError(t, svc.Refresh(context.Background()))
	require.Len(t, fetcher.calls, 1)

	call := fetcher.calls[0]
	require.Equal(t, "12345", call.meterID)
	require.Equal(t, thameswater.GranularityHour, call.granularity)
	// Publication lags three days and the window spans another three.
	require.Equal(t, 18, call.end.Day())
	require.Equal(t, 15, call.start.Day())
}

func TestRefreshSkipsWithoutBaseline(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchResult{
		{usage: usageWith(thameswater.Line{Label: "0:00", Usage: 2, Read: 1002})},
	}}
	st := store.NewMemoryStore(2.41)
	svc := New(fetcher, st, "12345")
	fixedNow(svc, time.Date(2024, time.June, 21, 0, 0, 0, 0, time.UTC))

	// No baseline yet: the cycle completes without injecting anything.
	require.NoError(t, svc.Refresh(context.Background()))
	_, err := st.Latest(store.SeriesConsumption)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefreshInjectsBothSeries(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchResult{
		{usage: usageWith(
			thameswater.Line{Label: "0:00", Usage: 2, Read: 1002},
			thameswater.Line{Label: "1:00", Usage: 3, Read: 1005},
		)},
	}}
	st := store.NewMemoryStore(2.41)
	st.SetBaseline(1000)
	svc := New(fetcher, st, "12345")
	fixedNow(svc, time.Date(2024, time.June, 21, 0, 0, 0, 0, time.UTC))

	require.NoError(t, svc.Refresh(context.Background()))

	consumption, err := st.Latest(store.SeriesConsumption)
	require.NoError(t, err)
	require.Equal(t, 3.0, consumption.State)
	require.Equal(t, 5.0, consumption.Sum)

	// The cost series is the consumption series at the per-litre rate.
	cost, err := st.Latest(store.SeriesCost)
	require.NoError(t, err)
	require.Equal(t, consumption.Start, cost.Start)
	require.InDelta(t, 3*2.41/1000, cost.State, 1e-9)
	require.InDelta(t, 5*2.41/1000, cost.Sum, 1e-9)
}

func TestRefreshPropagatesFetchError(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchResult{
		{err: &thameswater.UpstreamError{StatusCode: http.StatusBadGateway}},
	}}
	svc := New(fetcher, store.NewMemoryStore(2.41), "12345")
	fixedNow(svc, time.Date(2024, time.June, 21, 0, 0, 0, 0, time.UTC))

	err := svc.Refresh(context.Background())
	var upstream *thameswater.UpstreamError
	require.ErrorAs(t, err, &upstream)
}

func TestBackfillChunks(t *testing.T) {
	fetcher := &stubFetcher{}
	st := store.NewMemoryStore(2.41)
	svc := New(fetcher, st, "12345")

	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.January, 21, 0, 0, 0, 0, time.UTC)
	_, err := svc.Backfill(context.Background(), start, end)
	require.NoError(t, err)

	// 20 days split into week-sized chunks, the last one short.
	require.Len(t, fetcher.calls, 3)
	require.Equal(t, 1, fetcher.calls[0].start.Day())
	require.Equal(t, 8, fetcher.calls[0].end.Day())
	require.Equal(t, 8, fetcher.calls[1].start.Day())
	require.Equal(t, 15, fetcher.calls[1].end.Day())
	require.Equal(t, 15, fetcher.calls[2].start.Day())
	require.Equal(t, 21, fetcher.calls[2].end.Day())
}

func TestBackfillDerivesBaseline(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchResult{
		{usage: usageWith(
			thameswater.Line{Label: "0:00", Usage: 2, Read: 1002},
			thameswater.Line{Label: "1:00", Usage: 3, Read: 1005},
		)},
	}}
	st := store.NewMemoryStore(2.41)
	svc := New(fetcher, st, "12345")

	start := time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)
	injected, err := svc.Backfill(context.Background(), start, start.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Equal(t, 2, injected)

	// Baseline derives from the first row: read minus usage.
	baseline, ok := st.Baseline()
	require.True(t, ok)
	require.Equal(t, 1000.0, baseline)

	latest, err := st.Latest(store.SeriesConsumption)
	require.NoError(t, err)
	require.Equal(t, 5.0, latest.Sum)
}

func TestBackfillKeepsExistingBaseline(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchResult{
		{usage: usageWith(thameswater.Line{Label: "0:00", Usage: 2, Read: 1002})},
	}}
	st := store.NewMemoryStore(2.41)
	st.SetBaseline(900)
	svc := New(fetcher, st, "12345")

	start := time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)
	_, err := svc.Backfill(context.Background(), start, start.AddDate(0, 0, 1))
	require.NoError(t, err)

	latest, err := st.Latest(store.SeriesConsumption)
	require.NoError(t, err)
	require.Equal(t, 102.0, latest.Sum)
}

func TestBackfillSkipsFailedChunk(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchResult{
		{usage: usageWith(thameswater.Line{Label: "0:00", Usage: 2, Read: 1002})},
		{err: &thameswater.UpstreamError{StatusCode: http.StatusInternalServerError}},
		{usage: usageWith(thameswater.Line{Label: "0:00", Usage: 1, Read: 1050})},
	}}
	st := store.NewMemoryStore(2.41)
	svc := New(fetcher, st, "12345")

	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	injected, err := svc.Backfill(context.Background(), start, start.AddDate(0, 0, 21))
	require.NoError(t, err, "a failed chunk is skipped, not fatal")
	require.Len(t, fetcher.calls, 3)
	require.Equal(t, 2, injected)
}

func TestBackfillAbortsOnAuthFailure(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchResult{
		{err: fmt.Errorf("login stage self-asserted: %w", thameswater.ErrInvalidCredentials)},
	}}
	st := store.NewMemoryStore(2.41)
	svc := New(fetcher, st, "12345")

	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	injected, err := svc.Backfill(context.Background(), start, start.AddDate(0, 0, 21))
	require.ErrorIs(t, err, thameswater.ErrInvalidCredentials)
	require.Equal(t, 0, injected)

	// Remaining chunks are not attempted; they would fail identically.
	require.Len(t, fetcher.calls, 1)
}

func TestBackfillEmptyChunk(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchResult{{usage: usageWith()}}}
	st := store.NewMemoryStore(2.41)
	svc := New(fetcher, st, "12345")

	start := time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)
	injected, err := svc.Backfill(context.Background(), start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 0, injected)

	_, ok := st.Baseline()
	require.False(t, ok, "no rows means no baseline to derive")
}
