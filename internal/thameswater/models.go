package thameswater

// DefaultClientID is the OAuth client id the Thames Water web portal uses for
// its own browser frontend. The consumption endpoint is only reachable through
// a session established as that client.
const DefaultClientID = "cedfde2d-79a7-44fd-9833-cae769640d3d"

// Credentials identifies one portal account and meter. Immutable for the
// lifetime of a session.
type Credentials struct {
	Email         string
	Password      string
	AccountNumber string
	MeterID       string
	ClientID      string
}

// Granularity selects the aggregation unit of the consumption query.
type Granularity string

const (
	GranularityHour  Granularity = "H"
	GranularityDay   Granularity = "D"
	GranularityMonth Granularity = "M"
)

// Line is one raw reading row as returned by the portal. Label is a
// wall-clock hour string ("0:00".."23:00") that resets every day and can
// repeat or skip around DST transitions; it is disambiguated downstream.
// JSON field names follow the portal response.
type Line struct {
	Label                string  `json:"Label"`
	Usage                float64 `json:"Usage"`
	Read                 float64 `json:"Read"`
	IsEstimated          bool    `json:"IsEstimated"`
	MeterSerialNumberHis string  `json:"MeterSerialNumberHis"`
}

// MeterUsage is the parsed response of the consumption query.
type MeterUsage struct {
	IsError                bool    `json:"IsError"`
	IsDataAvailable        bool    `json:"IsDataAvailable"`
	IsConsumptionAvailable bool    `json:"IsConsumptionAvailable"`
	TargetUsage            float64 `json:"TargetUsage"`
	AverageUsage           float64 `json:"AverageUsage"`
	ActualUsage            float64 `json:"ActualUsage"`
	Lines                  []Line  `json:"Lines"`
}
