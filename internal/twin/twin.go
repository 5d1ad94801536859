// Package twin implements Twin Sync (spec.md §4.N): subscribes to remote
// desired-properties, validates, and applies to the Config Store;
// reports a subset back to the hub. Also dispatches the four direct
// methods SPEC_FULL.md assigns to this component.
package twin

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wellmonitor/agent/internal/classifier"
	"github.com/wellmonitor/agent/internal/config"
	"github.com/wellmonitor/agent/internal/logging"
	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/ocrstats"
	"github.com/wellmonitor/agent/internal/wellerr"
)

const (
	topicDesiredPatch   = "$iothub/twin/PATCH/properties/desired/#"
	topicReported       = "$iothub/twin/PATCH/properties/reported/?rid=%d"
	topicMethodPOST     = "$iothub/methods/POST/+/?rid=+"
	topicMethodReplyFmt = "$iothub/methods/res/%d/?rid=%s"

	defaultCycleDuration = 5 * time.Second
)

type directMethodResponse struct {
	Status  int `json:"status"`
	Payload any `json:"payload"`
}

// Overrider is the narrow slice of the Relay Driver the PowerCycle direct
// method depends on (mirrors internal/monitor's Capturer/Extractor/Cycler
// pattern so tests don't need real GPIO).
type Overrider interface {
	ManualOverride(ctx context.Context, duration time.Duration, reason string) (model.RelayAction, error)
}

// TwinSync owns the desired/reported property exchange and direct-method
// dispatch over MQTT.
type TwinSync struct {
	client     mqtt.Client
	config     *config.Store
	relay      Overrider
	fsm        *classifier.FSM
	stats      *ocrstats.Tracker
	logger     logging.Logger
	latest     func() (model.Reading, bool)
	lastHealth func() (model.SystemHealthSample, bool)
	captureOne func(ctx context.Context) (model.Reading, error)
	rid        int64
}

func New(client mqtt.Client, cfg *config.Store, relayDrv Overrider, fsm *classifier.FSM, stats *ocrstats.Tracker, logger logging.Logger,
	latest func() (model.Reading, bool), lastHealth func() (model.SystemHealthSample, bool),
	captureOne func(ctx context.Context) (model.Reading, error)) *TwinSync {
	return &TwinSync{client: client, config: cfg, relay: relayDrv, fsm: fsm, stats: stats, logger: logger, latest: latest, lastHealth: lastHealth, captureOne: captureOne}
}

// Start subscribes to desired-property patches and direct methods. It
// does not fetch the full twin document, so desired properties set before
// startup take effect only when a later patch carries them.
func (t *TwinSync) Start(ctx context.Context) error {
	if token := t.client.Subscribe(topicDesiredPatch, 1, func(c mqtt.Client, m mqtt.Message) {
		t.handleDesiredPatch(ctx, m.Payload())
	}); token.Wait() && token.Error() != nil {
		return wellerr.New("twin", "subscribe_desired", wellerr.KindNetwork, token.Error())
	}
	if token := t.client.Subscribe(topicMethodPOST, 1, func(c mqtt.Client, m mqtt.Message) {
		t.handleDirectMethod(ctx, m.Topic(), m.Payload())
	}); token.Wait() && token.Error() != nil {
		return wellerr.New("twin", "subscribe_methods", wellerr.KindNetwork, token.Error())
	}
	return nil
}

// handleDesiredPatch applies a desired-properties patch, accepting both
// flat legacy keys (cameraGain) and nested (Camera.Gain); nested wins on
// conflict (spec.md §4.N, Open Question (b)).
func (t *TwinSync) handleDesiredPatch(ctx context.Context, payload []byte) {
	flatAndNested, err := decodeDesiredProperties(payload)
	if err != nil {
		wellerr.Log(ctx, t.logger.Base(), wellerr.New("twin", "decode_patch", wellerr.KindConfig, err))
		return
	}
	patch := config.Patch{}
	for k, v := range flatAndNested {
		patch[k] = v
	}

	result := t.config.Apply(patch, "twin")
	t.reportApplied(ctx, result)
}

// decodeDesiredProperties flattens a nested JSON document plus any flat
// legacy top-level keys into one field->value map, letting nested keys
// overwrite flat ones when both name the same field. Two passes over the
// raw document make this deterministic regardless of Go's randomized map
// iteration order: flat scalar keys apply first, nested objects second.
func decodeDesiredProperties(payload []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	out := map[string]any{}
	for k, val := range raw {
		if _, ok := val.(map[string]any); ok {
			continue
		}
		out[flatFieldName(k)] = val
	}
	for k, val := range raw {
		if nested, ok := val.(map[string]any); ok {
			flattenInto(out, normalizeField("", k), nested)
		}
	}
	return out, nil
}

// legacyFlatAliases maps the camelCase flat keys the source twin document
// carries (e.g. "cameraGain") to the Config Store's canonical dotted,
// kebab-case field names (spec.md §4.N, Open Question (b)). Only top-level
// flat keys need this: keys nested under an object already flatten to
// their dotted form via normalizeField/flattenInto.
var legacyFlatAliases = map[string]string{
	"cameragain":                          "camera.gain",
	"camerashuttermicros":                 "camera.shutter-micros",
	"cameraautoexposure":                  "camera.auto-exposure",
	"cameraautowb":                        "camera.auto-wb",
	"cameraexposuremode":                  "camera.exposure-mode",
	"camerasavedebug":                     "camera.save-debug",
	"ocrprovider":                         "ocr.provider",
	"ocrminimumconfidence":                "ocr.min-confidence",
	"ocrminconfidence":                    "ocr.min-confidence",
	"ocrretries":                          "ocr.retries",
	"monitoringcaptureintervalseconds":    "monitoring.capture-interval-seconds",
	"monitoringtelemetryintervalseconds":  "monitoring.telemetry-interval-seconds",
	"monitoringsyncintervalseconds":       "monitoring.sync-interval-seconds",
	"monitoringretentiondays":             "monitoring.retention-days",
	"monitoringassumedvoltage":            "monitoring.assumed-voltage",
	"alertingdrycurrentthreshold":         "alerting.dry-current-threshold",
	"alertingrapidcyclethresholdcount":    "alerting.rapid-cycle-threshold-count",
	"alertingpowercycleprotectionminutes": "alerting.power-cycle-protection-minutes",
	"roixpercent":                         "roi.x-percent",
	"roiypercent":                         "roi.y-percent",
	"roiwpercent":                         "roi.w-percent",
	"roihpercent":                         "roi.h-percent",
	"debugverbose":                        "debug.verbose",
	"debugimagesaveenabled":               "debug.image-save-enabled",
}

// flatFieldName resolves a top-level flat key to its canonical field name,
// translating legacy camelCase keys (cameraGain) via legacyFlatAliases and
// passing already-dotted keys through unchanged.
func flatFieldName(key string) string {
	normalized := normalizeField("", key)
	if canonical, ok := legacyFlatAliases[normalized]; ok {
		return canonical
	}
	return normalized
}

func normalizeField(prefix, key string) string {
	field := strings.ToLower(strings.TrimPrefix(key, "$"))
	if prefix != "" {
		field = prefix + "." + field
	}
	return field
}

func flattenInto(out map[string]any, prefix string, v map[string]any) {
	for k, val := range v {
		field := normalizeField(prefix, k)
		if nested, ok := val.(map[string]any); ok {
			flattenInto(out, field, nested)
			continue
		}
		out[field] = val
	}
}

func (t *TwinSync) reportApplied(ctx context.Context, result *config.ApplyResult) {
	reported := map[string]any{
		"appliedVersion": result.Version,
		"rejected":       result.Rejected,
		"ocrSuccessRate": t.stats.SuccessRate(),
		"avgConfidence":  t.stats.AverageConfidence(),
	}
	body, err := json.Marshal(reported)
	if err != nil {
		wellerr.Log(ctx, t.logger.Base(), wellerr.New("twin", "marshal_reported", wellerr.KindInternal, err))
		return
	}
	t.rid++
	topic := topicForReported(t.rid)
	token := t.client.Publish(topic, 1, false, body)
	token.Wait()
	if err := token.Error(); err != nil {
		wellerr.Log(ctx, t.logger.Base(), wellerr.New("twin", "publish_reported", wellerr.KindNetwork, err))
	}
}

func topicForReported(rid int64) string {
	return strings.Replace(topicReported, "%d", strconv.FormatInt(rid, 10), 1)
}

// handleDirectMethod dispatches PowerCycle, GetStatus, SetExposureMode,
// and CaptureOnce, the four direct methods SPEC_FULL.md assigns to Twin
// Sync, and replies on the topic's $rid (spec.md §4.N).
func (t *TwinSync) handleDirectMethod(ctx context.Context, topic string, payload []byte) {
	name, rid, ok := parseMethodTopic(topic)
	if !ok {
		wellerr.Log(ctx, t.logger.Base(), wellerr.New("twin", "parse_method_topic", wellerr.KindInternal, errBadMethodTopic(topic)))
		return
	}

	var status int
	var body any
	switch name {
	case "PowerCycle":
		status, body = t.methodPowerCycle(ctx, payload)
	case "GetStatus":
		status, body = t.methodGetStatus()
	case "SetExposureMode":
		status, body = t.methodSetExposureMode(payload)
	case "CaptureOnce":
		status, body = t.methodCaptureOnce(ctx)
	default:
		status, body = 404, map[string]string{"error": "unknown method: " + name}
	}

	t.replyMethod(ctx, rid, status, body)
}

type errBadMethodTopic string

func (e errBadMethodTopic) Error() string { return "malformed direct method topic: " + string(e) }

// parseMethodTopic extracts {name} and {rid} from
// $iothub/methods/POST/{name}/?rid={rid}.
func parseMethodTopic(topic string) (name, rid string, ok bool) {
	const prefix = "$iothub/methods/POST/"
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(topic, prefix)
	parts := strings.SplitN(rest, "/?rid=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (t *TwinSync) replyMethod(ctx context.Context, rid string, status int, payload any) {
	body, err := json.Marshal(directMethodResponse{Status: status, Payload: payload})
	if err != nil {
		wellerr.Log(ctx, t.logger.Base(), wellerr.New("twin", "marshal_method_reply", wellerr.KindInternal, err))
		return
	}
	topic := strings.Replace(strings.Replace(topicMethodReplyFmt, "%d", strconv.Itoa(status), 1), "%s", rid, 1)
	token := t.client.Publish(topic, 1, false, body)
	token.Wait()
	if err := token.Error(); err != nil {
		wellerr.Log(ctx, t.logger.Base(), wellerr.New("twin", "publish_method_reply", wellerr.KindNetwork, err))
	}
}

type powerCycleRequest struct {
	Reason string `json:"reason"`
}

// methodPowerCycle commands an immediate manual relay cycle, bypassing
// the Classifier's usual trigger path (spec.md §4.I ManualOverride).
func (t *TwinSync) methodPowerCycle(ctx context.Context, payload []byte) (int, any) {
	var req powerCycleRequest
	_ = json.Unmarshal(payload, &req)
	if req.Reason == "" {
		req.Reason = "twin: PowerCycle direct method"
	}
	action, err := t.relay.ManualOverride(ctx, defaultCycleDuration, req.Reason)
	if err != nil {
		wellerr.Log(ctx, t.logger.Base(), wellerr.New("twin", "power_cycle", wellerr.KindHardware, err))
		return 500, map[string]string{"error": err.Error()}
	}
	return 200, map[string]any{"success": action.Success, "durationMs": action.DurationMs}
}

type statusResponse struct {
	State         string                     `json:"state"`
	LastReading   *model.Reading             `json:"lastReading,omitempty"`
	LastHealth    *model.SystemHealthSample  `json:"lastHealth,omitempty"`
	ConfigVersion int64                      `json:"configVersion"`
}

// methodGetStatus returns the Classifier's current state, the most
// recent Reading, and the last sampled system health (spec.md §4.N
// direct-methods mapping).
func (t *TwinSync) methodGetStatus() (int, any) {
	snap := t.fsm.Snapshot()
	resp := statusResponse{State: snap.State.String(), ConfigVersion: t.config.Current().Version}
	if r, ok := t.latest(); ok {
		resp.LastReading = &r
	}
	if t.lastHealth != nil {
		if h, ok := t.lastHealth(); ok {
			resp.LastHealth = &h
		}
	}
	return 200, resp
}

type setExposureModeRequest struct {
	Mode string `json:"mode"`
}

// methodSetExposureMode routes through the same per-field validation
// every desired-property patch goes through.
func (t *TwinSync) methodSetExposureMode(payload []byte) (int, any) {
	var req setExposureModeRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Mode == "" {
		return 400, map[string]string{"error": "payload must be {\"mode\": \"<exposure mode>\"}"}
	}
	result := t.config.Apply(config.Patch{"camera.exposure-mode": req.Mode}, "twin")
	if len(result.Rejected) > 0 {
		return 400, map[string]any{"rejected": result.Rejected}
	}
	return 200, map[string]int64{"appliedVersion": result.Version}
}

// methodCaptureOnce forces one out-of-band capture/extract/parse pass,
// bypassing the cron schedule, and returns the resulting Reading.
func (t *TwinSync) methodCaptureOnce(ctx context.Context) (int, any) {
	if t.captureOne == nil {
		return 501, map[string]string{"error": "capture-once not wired"}
	}
	r, err := t.captureOne(ctx)
	if err != nil {
		wellerr.Log(ctx, t.logger.Base(), wellerr.New("twin", "capture_once", wellerr.KindHardware, err))
		return 500, map[string]string{"error": err.Error()}
	}
	return 200, r
}
