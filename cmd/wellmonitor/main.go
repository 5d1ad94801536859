// Command wellmonitor runs the well-pump monitoring agent: it builds
// the full construction graph (Secrets Provider, Config Store, Camera
// Capture, OCR Engine, Classifier, Relay Driver, the periodic workers,
// and the hub transport) and runs until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/gpio"

	"github.com/wellmonitor/agent/internal/aggregator"
	"github.com/wellmonitor/agent/internal/camera"
	"github.com/wellmonitor/agent/internal/classifier"
	"github.com/wellmonitor/agent/internal/config"
	"github.com/wellmonitor/agent/internal/hubconn"
	"github.com/wellmonitor/agent/internal/imaging"
	"github.com/wellmonitor/agent/internal/logging"
	"github.com/wellmonitor/agent/internal/metrics"
	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/monitor"
	"github.com/wellmonitor/agent/internal/ocr"
	"github.com/wellmonitor/agent/internal/ocrstats"
	"github.com/wellmonitor/agent/internal/relay"
	"github.com/wellmonitor/agent/internal/secrets"
	"github.com/wellmonitor/agent/internal/statusserver"
	"github.com/wellmonitor/agent/internal/storage"
	syncer "github.com/wellmonitor/agent/internal/sync"
	"github.com/wellmonitor/agent/internal/syshealth"
	"github.com/wellmonitor/agent/internal/telemetry"
	"github.com/wellmonitor/agent/internal/twin"
)

func main() {
	var (
		deviceID       string
		secretsMode    string
		secretsFile    string
		vaultAddr      string
		vaultToken     string
		vaultPath      string
		storagePath    string
		envFile        string
		cameraBinary   string
		relayLine      string
		relaySafeLevel string
		relayProtect   time.Duration
		statusAddr     string
		mqttClientID   string
		showVersion    bool
		diagnose       bool
		ocrTestPath    string
		configDump     bool
		runCaptureOnce bool
	)
	flag.StringVar(&deviceID, "device-id", "", "IoT Hub device identity (required)")
	flag.StringVar(&secretsMode, "secrets-mode", string(secrets.ModeEnvironment), "Secrets backend: environment|file|vault")
	flag.StringVar(&secretsFile, "secrets-file", "", "Path to the secrets env file (secrets-mode=file)")
	flag.StringVar(&vaultAddr, "vault-addr", "", "Vault server address (secrets-mode=vault)")
	flag.StringVar(&vaultToken, "vault-token", "", "Vault token (secrets-mode=vault)")
	flag.StringVar(&vaultPath, "vault-path", "secret/data/wellmonitor", "Vault KV-v2 path (secrets-mode=vault)")
	flag.StringVar(&storagePath, "storage-path", "/var/lib/wellmonitor/wellmonitor.db", "SQLite database path")
	flag.StringVar(&envFile, "env-file", "", "Local environment file watched for config overrides (optional)")
	flag.StringVar(&cameraBinary, "camera-binary", "rpicam-still", "Camera capture subprocess binary")
	flag.StringVar(&relayLine, "relay-line", "GPIO17", "GPIO line name driving the relay")
	flag.StringVar(&relaySafeLevel, "relay-safe-level", "low", "Relay safe-by-default level: low|high")
	flag.DurationVar(&relayProtect, "relay-protect", 5*time.Minute, "Minimum interval between relay cycles")
	flag.StringVar(&statusAddr, "status-addr", ":8081", "Local read-only status endpoint address (empty disables it)")
	flag.StringVar(&mqttClientID, "mqtt-client-id", "", "MQTT client id (defaults to device-id)")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&diagnose, "diagnose", false, "Check camera, relay, and OCR reachability, then exit")
	flag.StringVar(&ocrTestPath, "ocr-test", "", "Run the OCR engine against a JPEG file and print the result, then exit")
	flag.BoolVar(&configDump, "config-dump", false, "Print the resolved configuration snapshot as YAML, then exit")
	flag.BoolVar(&runCaptureOnce, "capture-once", false, "Run a single capture/extract/parse pass and print the reading, then exit")
	flag.Parse()

	if showVersion {
		fmt.Println("wellmonitor agent")
		return
	}
	if deviceID == "" {
		log.Fatal("device-id is required")
	}

	logger := logging.New(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.InfoCtx(ctx, "signal received; initiating graceful shutdown")
		cancel()
		<-sigCh
		logger.WarnCtx(ctx, "second signal received; forcing exit")
		os.Exit(1)
	}()

	secretsProvider, err := secrets.New(secrets.Config{
		Mode: secrets.Mode(secretsMode), FilePath: secretsFile,
		VaultAddr: vaultAddr, VaultToken: vaultToken, VaultPath: vaultPath,
	})
	if err != nil {
		log.Fatalf("construct secrets provider: %v", err)
	}
	if err := secretsProvider.Required(secrets.KeyIoTHubConnectionString); err != nil {
		log.Fatalf("missing required secret: %v", err)
	}
	connString, _ := secretsProvider.Get(secrets.KeyIoTHubConnectionString)
	hub, err := hubconn.Parse(connString)
	if err != nil {
		log.Fatalf("parse hub connection string: %v", err)
	}

	configStore := config.NewStore()
	if envFile != "" {
		if err := config.WatchEnvFile(ctx, configStore, envFile, logger); err != nil {
			log.Fatalf("watch env file: %v", err)
		}
	}

	store, err := storage.Open(ctx, storagePath)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	safeLevel := gpio.Low
	if relaySafeLevel == "high" {
		safeLevel = gpio.High
	}
	relayDriver, err := relay.Open(relay.Config{
		LineName: relayLine, SafeLevel: safeLevel,
		PowerCycleProtection: relayProtect, DebounceMs: configStore.Current().Alerting.RelayDebounceMs,
	})
	if err != nil {
		log.Fatalf("open relay: %v", err)
	}
	defer relayDriver.Release()

	fsm := classifier.New(thresholdsFromSnapshot(configStore.Current()))

	cam := camera.New(cameraBinary)
	ocrEngine := buildOCREngine(configStore.Current(), secretsProvider)
	stats := ocrstats.New()

	if configDump {
		runConfigDump(configStore.Current())
		return
	}

	diagLoop := monitor.New(monitor.Deps{
		ConfigStore: configStore, Store: store, Camera: cam, Engine: ocrEngine,
		Classifier: fsm, Relay: relayDriver, Logger: logger, OcrStats: stats,
	})
	if diagnose {
		code := runDiagnose(ctx, diagLoop)
		relayDriver.Release()
		store.Close()
		os.Exit(code)
	}
	if ocrTestPath != "" {
		code := runOcrTest(ctx, ocrTestPath, ocrEngine)
		relayDriver.Release()
		store.Close()
		os.Exit(code)
	}
	if runCaptureOnce {
		code := runCaptureOnceMode(ctx, diagLoop)
		relayDriver.Release()
		store.Close()
		os.Exit(code)
	}

	events := make(chan monitor.Event, 64)
	loop := monitor.New(monitor.Deps{
		ConfigStore: configStore, Store: store, Camera: cam, Engine: ocrEngine,
		Classifier: fsm, Relay: relayDriver, Logger: logger, Events: events, OcrStats: stats,
	})
	if err := loop.Start(ctx); err != nil {
		log.Fatalf("start monitoring loop: %v", err)
	}
	defer loop.Stop(context.Background())

	agg := aggregator.New(store, configStore, logger)
	if err := agg.Start(ctx); err != nil {
		log.Fatalf("start aggregator: %v", err)
	}
	defer agg.Stop(context.Background())

	clientID := mqttClientID
	if clientID == "" {
		clientID = deviceID + "-" + uuid.NewString()
	}
	mqttClient, err := connectHub(hub, clientID)
	if err != nil {
		log.Fatalf("connect to hub: %v", err)
	}
	defer mqttClient.Disconnect(250)

	var latestMu latestReading

	sampler := syshealth.New(
		func() string { return "ok" },
		func() string { return "ok" },
		func() time.Time { r, _ := latestMu.get(); return r.TimestampUTC },
	)
	telem := telemetry.New(mqttClient, deviceID, store, configStore, fsm, logger, func() model.SystemHealthSample {
		s := sampler.Sample()
		return model.SystemHealthSample{
			TimestampUTC: s.TimestampUTC, CPUPercent: s.CPUPercent, MemPercent: s.MemPercent,
			DiskPercent: s.DiskPercent, TemperatureC: s.TemperatureC, UptimeSeconds: s.UptimeSeconds,
			CameraStatus: s.CameraStatus, OcrStatus: s.OcrStatus, LastSuccessfulReading: s.LastSuccessfulReading,
		}
	})
	if err := telem.Start(ctx, latestMu.get); err != nil {
		log.Fatalf("start telemetry: %v", err)
	}
	defer telem.Stop(context.Background())

	go func() {
		for e := range events {
			latestMu.set(e.Reading)
			telem.Alert(telemetry.Event{At: e.At, Decision: e.Decision, Reading: e.Reading})
		}
	}()

	uploader := syncer.New(mqttClient, deviceID, store, configStore, logger)
	if err := uploader.Start(ctx); err != nil {
		log.Fatalf("start sync: %v", err)
	}
	defer uploader.Stop(context.Background())

	captureOnce := loop.RunOnce
	twinSync := twin.New(mqttClient, configStore, relayDriver, fsm, stats, logger,
		latestMu.get,
		func() (model.SystemHealthSample, bool) {
			s := sampler.Sample()
			return model.SystemHealthSample{
				TimestampUTC: s.TimestampUTC, CPUPercent: s.CPUPercent, MemPercent: s.MemPercent,
				DiskPercent: s.DiskPercent, TemperatureC: s.TemperatureC, UptimeSeconds: s.UptimeSeconds,
				CameraStatus: s.CameraStatus, OcrStatus: s.OcrStatus, LastSuccessfulReading: s.LastSuccessfulReading,
			}, true
		},
		captureOnce,
	)
	if err := twinSync.Start(ctx); err != nil {
		log.Fatalf("start twin sync: %v", err)
	}

	if statusAddr != "" {
		reg := metrics.New()
		srv := statusserver.New(statusAddr, reg, latestMu.get, fsm.Snapshot)
		errc := srv.Start()
		go func() {
			if err, ok := <-errc; ok && err != nil {
				logger.ErrorCtx(ctx, "status server exited", "error", err.Error())
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	logger.InfoCtx(ctx, "wellmonitor agent running", "device_id", deviceID)
	<-ctx.Done()
	logger.InfoCtx(context.Background(), "shutdown complete")
}

// Exit codes for the one-shot diagnostic flags (spec.md §6).
const (
	exitOK            = 0
	exitHardwareError = 2
)

// runConfigDump prints the resolved configuration snapshot as YAML, the
// `--config-dump` diagnostic flag (spec.md §6).
func runConfigDump(snap *config.Snapshot) {
	out, err := yaml.Marshal(snap)
	if err != nil {
		log.Fatalf("marshal config snapshot: %v", err)
	}
	fmt.Print(string(out))
}

// runDiagnose exercises one capture/extract pass and reports whether the
// camera and OCR engine are reachable, the `--diagnose` flag (spec.md §6).
func runDiagnose(ctx context.Context, loop *monitor.Loop) int {
	reading, err := loop.RunOnce(ctx)
	if err != nil {
		fmt.Printf("diagnose: FAIL: %v\n", err)
		return exitHardwareError
	}
	fmt.Printf("diagnose: OK status=%s confidence=%.2f raw=%q\n", reading.Status, reading.Confidence, reading.RawText)
	return exitOK
}

// runOcrTest runs the OCR engine against a JPEG file on disk and prints
// the extracted text and confidence, the `--ocr-test <path>` flag
// (spec.md §6).
func runOcrTest(ctx context.Context, path string, engine *ocr.Engine) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("ocr-test: FAIL: read %s: %v\n", path, err)
		return exitHardwareError
	}
	result, err := engine.Extract(ctx, raw, time.Now().Add(30*time.Second))
	if err != nil {
		fmt.Printf("ocr-test: FAIL: %v\n", err)
		return exitHardwareError
	}
	fmt.Printf("ocr-test: provider=%s confidence=%.2f text=%q\n", result.Provider, result.Confidence, result.Text)
	return exitOK
}

// runCaptureOnceMode runs a single capture/extract/parse pass and prints
// the resulting reading, the `--capture-once` CLI flag (spec.md §6) —
// the same RunOnce path the CaptureOnce direct method invokes over MQTT.
func runCaptureOnceMode(ctx context.Context, loop *monitor.Loop) int {
	reading, err := loop.RunOnce(ctx)
	if err != nil {
		fmt.Printf("capture-once: FAIL: %v\n", err)
		return exitHardwareError
	}
	amps := "n/a"
	if reading.CurrentAmps != nil {
		amps = fmt.Sprintf("%.2f", *reading.CurrentAmps)
	}
	fmt.Printf("capture-once: status=%s confidence=%.2f current_amps=%s\n", reading.Status, reading.Confidence, amps)
	return exitOK
}

// latestReading is a tiny mutex-guarded cache of the most recent Reading,
// shared by the status endpoint and Twin Sync's GetStatus method.
type latestReading struct {
	mu sync.Mutex
	r  model.Reading
	ok bool
}

func (l *latestReading) set(r model.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.r, l.ok = r, true
}

func (l *latestReading) get() (model.Reading, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r, l.ok
}

func thresholdsFromSnapshot(snap *config.Snapshot) classifier.Thresholds {
	return classifier.Thresholds{
		DryThreshold:             snap.Alerting.NDry,
		RapidCycleThreshold:      snap.Alerting.NRapidCycle,
		PowerCycleProtection:     snap.Alerting.PowerCycleProtection,
		RapidCycleThresholdCount: snap.Alerting.RapidCycleThresholdCount,
		RapidCycleTimeWindow:     snap.Alerting.RapidCycleTimeWindow,
	}
}

// buildOCREngine wires the tesseract and cloud-vision providers and the
// retry/ROI policy described in spec.md §4.F.
func buildOCREngine(snap *config.Snapshot, secretsProvider secrets.Provider) *ocr.Engine {
	tesseract := ocr.NewTesseract(ocr.TesseractConfig{
		Language: snap.Ocr.Tesseract.Language, EngineMode: snap.Ocr.Tesseract.EngineMode,
		PageSegMode: snap.Ocr.Tesseract.PageSegMode, CharWhitelist: snap.Ocr.Tesseract.CharWhitelist,
		Binary: snap.Ocr.Tesseract.BinaryPath,
	})

	apiKey, haveKey := secretsProvider.Get(secrets.KeyOcrAPIKey)
	cloudVision := ocr.NewCloudVision(ocr.CloudVisionConfig{
		Endpoint: snap.Ocr.CloudVision.Endpoint, APIKey: apiKey,
		MaxPollingAttempts: snap.Ocr.CloudVision.MaxPollingAttempts, PollingIntervalMs: snap.Ocr.CloudVision.PollingIntervalMs,
	})

	primary, fallback, unusable := tesseract, cloudVision, false
	if snap.Ocr.Provider == "cloudvision" {
		primary = cloudVision
		fallback = tesseract
		unusable = !haveKey
	}

	level := int(snap.Ocr.Preprocess.ThresholdLevel)
	base := preprocessConfigFromSnapshot(snap, snap.Ocr.Preprocess.ThresholdLevel)
	stricter := preprocessConfigFromSnapshot(snap, clampThreshold(level+40))
	looser := preprocessConfigFromSnapshot(snap, clampThreshold(level-40))

	return ocr.NewEngine(ocr.EngineConfig{
		Primary: primary, Fallback: fallback, PrimaryUnusable: unusable,
		MaxRetryAttempts: snap.Ocr.Retries, BaseROIConfig: base, StricterThreshold: stricter, LooserThreshold: looser,
	}, imaging.Process)
}

func clampThreshold(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

func preprocessConfigFromSnapshot(snap *config.Snapshot, thresholdLevel uint8) imaging.Config {
	p := snap.Ocr.Preprocess
	return imaging.Config{
		Roi: imaging.Roi{
			XPercent: snap.Roi.XPercent, YPercent: snap.Roi.YPercent,
			WPercent: snap.Roi.WPercent, HPercent: snap.Roi.HPercent,
		},
		Greyscale: p.Greyscale, ContrastFactor: p.ContrastFactor, BrightnessOffset: p.BrightnessOffset,
		DenoiseRadius: denoiseRadius(p.Denoise), Sharpen: p.Sharpen, ScaleFactor: p.ScaleFactor,
		ThresholdEnabled: p.Threshold, ThresholdLevel: thresholdLevel,
	}
}

func denoiseRadius(enabled bool) float64 {
	if enabled {
		return 1.0
	}
	return 0
}

// connectHub derives the MQTT username/password from the hub connection
// string's shared access key and connects over TLS (spec.md §6).
func connectHub(hub hubconn.Info, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(hub.MQTTBrokerURL()).
		SetClientID(clientID).
		SetUsername(hub.MQTTUsername()).
		SetPassword(hub.SASToken(time.Hour)).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}
