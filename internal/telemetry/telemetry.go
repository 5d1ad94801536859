// Package telemetry implements Telemetry (spec.md §4.L): periodically
// publishes readings, health, and alerts to the hub over MQTT, modeling
// the Azure IoT Hub device-to-cloud message bridge.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/robfig/cron/v3"

	"github.com/wellmonitor/agent/internal/classifier"
	"github.com/wellmonitor/agent/internal/config"
	"github.com/wellmonitor/agent/internal/logging"
	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/storage"
	"github.com/wellmonitor/agent/internal/wellerr"
)

// Envelope is the fixed JSON wrapper every hub message uses (spec.md §6).
type Envelope struct {
	DeviceID    string `json:"deviceId"`
	Timestamp   string `json:"timestamp"`
	MessageType string `json:"messageType"`
	Data        any    `json:"data"`
}

// PumpReadingData is the data payload for messageType "pumpReading".
type PumpReadingData struct {
	CurrentDraw  *float64 `json:"currentDraw"`
	Status       string   `json:"status"`
	Confidence   float64  `json:"confidence"`
	RawText      string   `json:"rawText"`
	ProcessingMs int64    `json:"processingMs"`
}

// AlertData is the data payload for messageType "alert".
type AlertData struct {
	AlertType       string   `json:"alertType"`
	Severity        string   `json:"severity"`
	Description     string   `json:"description"`
	CurrentDraw     *float64 `json:"currentDraw"`
	Duration        int64    `json:"duration"`
	ActionRequired  bool     `json:"actionRequired"`
}

// SystemHealthData is the data payload for messageType "systemHealth".
type SystemHealthData struct {
	CPUUsage              float64 `json:"cpuUsage"`
	MemoryUsage           float64 `json:"memoryUsage"`
	DiskUsage             float64 `json:"diskUsage"`
	Temperature           float64 `json:"temperature"`
	CameraStatus          string  `json:"cameraStatus"`
	OcrStatus             string  `json:"ocrStatus"`
	LastSuccessfulReading string  `json:"lastSuccessfulReading"`
	UptimeSeconds         int64   `json:"uptimeSeconds"`
}

const topicFmt = "devices/%s/messages/events/"

// Event mirrors monitor.Event without importing the monitor package
// (telemetry only needs the FSM decision and Reading).
type Event struct {
	At       time.Time
	Decision classifier.Decision
	Reading  model.Reading
}

// Telemetry owns the bounded drop-oldest queue and the cron-driven
// periodic publish (spec.md §4.L, §5).
type Telemetry struct {
	client   mqtt.Client
	deviceID string
	store    *storage.Store
	config   *config.Store
	fsm      *classifier.FSM
	logger   logging.Logger
	cron     *cron.Cron
	sampler  func() model.SystemHealthSample

	queue chan Envelope
}

// New constructs Telemetry with a bounded queue (default 10k, drop-oldest
// per spec.md §5 back-pressure rule).
func New(client mqtt.Client, deviceID string, store *storage.Store, cfg *config.Store, fsm *classifier.FSM, logger logging.Logger, sampler func() model.SystemHealthSample) *Telemetry {
	return &Telemetry{
		client: client, deviceID: deviceID, store: store, config: cfg, fsm: fsm, logger: logger,
		cron: cron.New(), sampler: sampler, queue: make(chan Envelope, 10_000),
	}
}

// Start arms the telemetry cadence and a background drain loop.
func (t *Telemetry) Start(ctx context.Context, latest func() (model.Reading, bool)) error {
	interval := t.config.Current().Monitoring.TelemetryIntervalSeconds
	spec := "@every " + time.Duration(interval*int(time.Second)).String()
	if _, err := t.cron.AddFunc(spec, func() { t.tick(ctx, latest) }); err != nil {
		return wellerr.New("telemetry", "start", wellerr.KindConfig, err)
	}
	t.cron.Start()
	go t.drain(ctx)
	return nil
}

func (t *Telemetry) Stop(ctx context.Context) {
	stopCtx := t.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (t *Telemetry) tick(ctx context.Context, latest func() (model.Reading, bool)) {
	if r, ok := latest(); ok {
		t.enqueue(t.envelope("pumpReading", PumpReadingData{
			CurrentDraw: r.CurrentAmps, Status: string(r.Status), Confidence: r.Confidence,
			RawText: r.RawText, ProcessingMs: r.ProcessingMs,
		}))
	}
	if t.sampler != nil {
		h := t.sampler()
		t.enqueue(t.envelope("systemHealth", SystemHealthData{
			CPUUsage: h.CPUPercent, MemoryUsage: h.MemPercent, DiskUsage: h.DiskPercent,
			Temperature: h.TemperatureC, CameraStatus: h.CameraStatus, OcrStatus: h.OcrStatus,
			LastSuccessfulReading: h.LastSuccessfulReading.UTC().Format(time.RFC3339), UptimeSeconds: h.UptimeSeconds,
		}))
	}
}

// Alert enqueues a High alert when the Classifier decision commands a
// power cycle and, otherwise, a Medium DryWell alert for every Dry
// reading. Transitions into Locked are not carried by Event and raise no
// alert.
func (t *Telemetry) Alert(e Event) {
	var alertType, severity string
	actionRequired := false
	switch {
	case e.Decision.Cycle:
		alertType, severity = alertTypeFor(e.Decision.CycleKind), "High"
	case e.Reading.Status == model.StatusDry:
		alertType, severity = "DryWell", "Medium"
	default:
		return
	}
	t.enqueue(t.envelope("alert", AlertData{
		AlertType: alertType, Severity: severity, Description: e.Decision.Reason,
		CurrentDraw: e.Reading.CurrentAmps, ActionRequired: actionRequired,
	}))
}

func alertTypeFor(kind model.PumpStatus) string {
	switch kind {
	case model.StatusDry:
		return "DryWell"
	case model.StatusRapidCycle:
		return "RapidCycling"
	default:
		return "OcrDegraded"
	}
}

func (t *Telemetry) envelope(messageType string, data any) Envelope {
	return Envelope{DeviceID: t.deviceID, Timestamp: time.Now().UTC().Format(time.RFC3339), MessageType: messageType, Data: data}
}

// enqueue drops the oldest queued message when full (spec.md §4.L, §5).
func (t *Telemetry) enqueue(e Envelope) {
	select {
	case t.queue <- e:
	default:
		select {
		case <-t.queue:
		default:
		}
		select {
		case t.queue <- e:
		default:
		}
	}
}

func (t *Telemetry) drain(ctx context.Context) {
	topic := topicPath(t.deviceID)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-t.queue:
			body, err := json.Marshal(e)
			if err != nil {
				wellerr.Log(ctx, t.logger.Base(), wellerr.New("telemetry", "marshal", wellerr.KindInternal, err))
				continue
			}
			if !t.client.IsConnectionOpen() {
				// Hub unreachable: Sync is responsible for durable
				// delivery, so the message is simply dropped here
				// rather than requeued (spec.md §4.L).
				continue
			}
			token := t.client.Publish(topic, 1, false, body)
			token.Wait()
			if err := token.Error(); err != nil {
				wellerr.Log(ctx, t.logger.Base(), wellerr.New("telemetry", "publish", wellerr.KindNetwork, err))
			}
		}
	}
}

func topicPath(deviceID string) string {
	return fmt.Sprintf(topicFmt, deviceID)
}
