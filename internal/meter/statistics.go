package meter

import "time"

// StatisticPoint is the record shape the statistics store ingests: hourly
// incremental state plus a running sum relative to the externally owned
// baseline reading.
type StatisticPoint struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   float64   `json:"sum"`
}

// Statistics converts measurements into statistic points, expressing each
// cumulative total relative to the baseline (initial meter reading).
func Statistics(measurements []Measurement, baseline float64) []StatisticPoint {
	points := make([]StatisticPoint, 0, len(measurements))
	for _, m := range measurements {
		points = append(points, StatisticPoint{
			Start: m.Start,
			State: float64(m.Usage),
			Sum:   float64(m.Total) - baseline,
		})
	}
	return points
}

// Scale returns a parallel series with state and sum multiplied by factor,
// used to derive the cost series from the consumption series.
func Scale(points []StatisticPoint, factor float64) []StatisticPoint {
	scaled := make([]StatisticPoint, 0, len(points))
	for _, p := range points {
		scaled = append(scaled, StatisticPoint{
			Start: p.Start,
			State: p.State * factor,
			Sum:   p.Sum * factor,
		})
	}
	return scaled
}
