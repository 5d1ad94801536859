package model

// HourlySummary aggregates Readings for one UTC hour, keyed by DateHour
// ("2006-01-02 15"). Re-running the Aggregator over the same Readings must
// produce a byte-identical row (spec.md §3 invariant (3)).
type HourlySummary struct {
	DateHour       string
	TotalKwh       float64
	PumpCycles     int64
	RuntimeMinutes float64
	AvgCurrent     float64
	PeakCurrent    float64
	AlertCount     int64
	UptimePct      float64
	Synced         bool
}

// DailySummary aggregates HourlySummary-equivalent totals for one UTC date
// ("2006-01-02").
type DailySummary struct {
	Date           string
	TotalKwh       float64
	PumpCycles     int64
	RuntimeMinutes float64
	AvgCurrent     float64
	PeakCurrent    float64
	AlertCount     int64
	UptimePct      float64
	Synced         bool
}

// MonthlySummary aggregates totals for one UTC month ("2006-01").
type MonthlySummary struct {
	Month          string
	TotalKwh       float64
	PumpCycles     int64
	RuntimeMinutes float64
	AvgCurrent     float64
	PeakCurrent    float64
	AlertCount     int64
	UptimePct      float64
	Synced         bool
}
