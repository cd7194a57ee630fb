package meter

import "time"

// CostPoint mirrors a Measurement scaled by a unit cost.
type CostPoint struct {
	Start          time.Time
	Cost           float64
	CumulativeCost float64
}

// ProjectCost multiplies each measurement by the unit cost per volume unit.
// Pure transform; it does not clamp, so callers reject a negative unit cost
// before calling.
func ProjectCost(measurements []Measurement, unitCost float64) []CostPoint {
	points := make([]CostPoint, 0, len(measurements))
	for _, m := range measurements {
		points = append(points, CostPoint{
			Start:          m.Start,
			Cost:           float64(m.Usage) * unitCost,
			CumulativeCost: float64(m.Total) * unitCost,
		})
	}
	return points
}
