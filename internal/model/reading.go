package model

import "time"

// Reading is an immutable snapshot of one monitoring tick's OCR result and
// derived current draw. spec.md §3 invariant (1): Confidence is always in
// [0,1] when Error is empty.
type Reading struct {
	ID            int64
	TimestampUTC  time.Time
	CurrentAmps   *float64
	Status        PumpStatus
	RawText       string
	Confidence    float64
	ImageRef      string
	ProcessingMs  int64
	Synced        bool
	Error         string
}

// RelayAction records one commanded or attempted relay operation.
type RelayAction struct {
	ID           int64
	TimestampUTC time.Time
	Action       RelayActionKind
	Reason       string
	DurationMs   int64
	Success      bool
	Error        string
	Synced       bool
}

// OcrStat is a lightweight rolling record of one OCR attempt, used to
// compute Telemetry's rolling OCR statistics and Twin Sync's reported
// "OCR success rate" / "average confidence" without rescanning Readings.
type OcrStat struct {
	TimestampUTC time.Time
	Provider     string
	Confidence   float64
	Ms           int64
	FallbackUsed bool
	Succeeded    bool
}

// SystemHealthSample is an in-memory-only snapshot of host resource usage,
// sampled once per Telemetry tick (spec.md §4.L).
type SystemHealthSample struct {
	TimestampUTC          time.Time
	CPUPercent            float64
	MemPercent            float64
	DiskPercent           float64
	TemperatureC          float64
	UptimeSeconds         int64
	CameraStatus          string
	OcrStatus             string
	LastSuccessfulReading time.Time
}
