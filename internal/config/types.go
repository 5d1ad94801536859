// Package config implements the Config Store (spec.md §4.A): a
// thread-safe, versioned, hot-reloadable snapshot of every tunable the
// agent uses, sourced from compiled-in defaults, the Secrets Provider, a
// local environment file, and the cloud twin's desired properties.
package config

import "time"

// Snapshot is the full set of tunables read by every component at the top
// of its tick. Snapshot is always replaced as a whole (spec.md §3
// invariant (5)); never mutate a Snapshot obtained from Store.Current().
type Snapshot struct {
	Version int64
	Camera  CameraConfig
	Ocr     OcrConfig
	Monitoring MonitoringConfig
	Alerting   AlertingConfig
	Roi        RoiConfig
	Debug      DebugConfig
}

// ExposureMode is a fixed enum token understood by the Camera Capture
// subprocess contract (spec.md §4.D).
type ExposureMode string

const (
	ExposureAuto       ExposureMode = "auto"
	ExposureNormal     ExposureMode = "normal"
	ExposureSport      ExposureMode = "sport"
	ExposureNight      ExposureMode = "night"
	ExposureBacklight  ExposureMode = "backlight"
	ExposureSpotlight  ExposureMode = "spotlight"
	ExposureBarcode    ExposureMode = "barcode"
)

var validExposureModes = map[ExposureMode]bool{
	ExposureAuto: true, ExposureNormal: true, ExposureSport: true,
	ExposureNight: true, ExposureBacklight: true, ExposureSpotlight: true,
	ExposureBarcode: true,
}

// CameraConfig tunes Camera Capture (spec.md §4.D).
type CameraConfig struct {
	GainDb         float64
	ShutterMicros  int
	Width          int
	Height         int
	AutoExposure   bool
	AutoWhiteBal   bool
	ExposureMode   ExposureMode
	DebugImagePath string
	SaveDebug      bool
}

// PreprocessConfig gates each step of Image Preprocess (spec.md §4.E).
type PreprocessConfig struct {
	CropToRoi      bool
	Greyscale      bool
	ContrastFactor float64
	BrightnessOffset float64
	Denoise        bool
	Sharpen        bool
	ScaleFactor    float64
	Threshold      bool
	ThresholdLevel uint8
}

// TesseractConfig tunes the local OCR provider (spec.md §4.F).
type TesseractConfig struct {
	Language           string
	EngineMode         int // 0-3
	PageSegMode        int // 6,7,8,13
	CharWhitelist      string
	BinaryPath         string
}

// CloudVisionConfig tunes the cloud OCR provider (spec.md §4.F).
type CloudVisionConfig struct {
	Endpoint            string
	MaxPollingAttempts  int
	PollingIntervalMs   int
}

// OcrConfig selects and tunes the OCR Engine (spec.md §4.F).
type OcrConfig struct {
	Provider      string // "tesseract" | "cloudvision"
	MinConfidence float64
	Retries       int
	Timeout       time.Duration
	Preprocess    PreprocessConfig
	Tesseract     TesseractConfig
	CloudVision   CloudVisionConfig
}

// MonitoringConfig drives the periodic workers (spec.md §4.J, §4.K, §4.L, §4.M).
type MonitoringConfig struct {
	CaptureIntervalSeconds   int
	TelemetryIntervalSeconds int
	SyncIntervalSeconds      int
	RetentionDays            int
	AssumedVoltage           float64
}

// AlertingConfig drives the Classifier / FSM (spec.md §4.H).
type AlertingConfig struct {
	DryCurrentThreshold      float64
	IdleThreshold            float64
	MinimumRunningCurrent    float64
	RapidCycleThresholdCount int
	RapidCycleTimeWindow     time.Duration
	PowerCycleProtection     time.Duration
	RelayDebounceMs          int
	NDry                     int // consecutive Dry readings to trigger a cycle
	NRapidCycle              int // consecutive RapidCycle readings to trigger a cycle
}

// RoiConfig is the percent-based crop rectangle isolating the pump
// controller's display (spec.md §3, GLOSSARY).
type RoiConfig struct {
	XPercent float64
	YPercent float64
	WPercent float64
	HPercent float64
}

// DebugConfig tunes debug-image retention and log verbosity.
type DebugConfig struct {
	ImageSaveEnabled bool
	RetentionDays    int
	Verbose          bool
}

// Defaults returns the compiled-in baseline snapshot (layer "default").
func Defaults() *Snapshot {
	return &Snapshot{
		Camera: CameraConfig{
			GainDb: 1.0, ShutterMicros: 10000, Width: 1280, Height: 720,
			AutoExposure: false, AutoWhiteBal: true, ExposureMode: ExposureAuto,
			DebugImagePath: "/var/lib/wellmonitor/debug_images", SaveDebug: false,
		},
		Ocr: OcrConfig{
			Provider: "tesseract", MinConfidence: 0.6, Retries: 2, Timeout: 5 * time.Second,
			Preprocess: PreprocessConfig{
				CropToRoi: true, Greyscale: true, ContrastFactor: 1.2, BrightnessOffset: 0,
				Denoise: true, Sharpen: true, ScaleFactor: 2.0, Threshold: true, ThresholdLevel: 128,
			},
			Tesseract: TesseractConfig{
				Language: "eng", EngineMode: 1, PageSegMode: 7, CharWhitelist: "0123456789.DryRCYCdry",
				BinaryPath: "tesseract",
			},
			CloudVision: CloudVisionConfig{MaxPollingAttempts: 10, PollingIntervalMs: 500},
		},
		Monitoring: MonitoringConfig{
			CaptureIntervalSeconds: 30, TelemetryIntervalSeconds: 60, SyncIntervalSeconds: 120,
			RetentionDays: 90, AssumedVoltage: 240,
		},
		Alerting: AlertingConfig{
			DryCurrentThreshold: 0.0, IdleThreshold: 0.05, MinimumRunningCurrent: 0.1,
			RapidCycleThresholdCount: 10, RapidCycleTimeWindow: 10 * time.Minute,
			PowerCycleProtection: 5 * time.Minute, RelayDebounceMs: 50,
			NDry: 3, NRapidCycle: 1,
		},
		Roi: RoiConfig{XPercent: 20, YPercent: 30, WPercent: 60, HPercent: 25},
		Debug: DebugConfig{ImageSaveEnabled: false, RetentionDays: 14, Verbose: false},
	}
}

func (m ExposureMode) valid() bool { return validExposureModes[m] }
