package twin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wellmonitor/agent/internal/classifier"
	"github.com/wellmonitor/agent/internal/config"
	"github.com/wellmonitor/agent/internal/logging"
	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/ocrstats"
)

// fakeToken is an already-resolved mqtt.Token.
type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool  { return true }
func (f *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *fakeToken) Error() error { return f.err }

// fakeMessage is a minimal mqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeMQTTClient records published messages and lets the test invoke
// subscribed handlers directly, avoiding a real broker.
type fakeMQTTClient struct {
	mqtt.Client
	published []fakeMessage
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body []byte
	switch v := payload.(type) {
	case []byte:
		body = v
	case string:
		body = []byte(v)
	}
	c.published = append(c.published, fakeMessage{topic: topic, payload: body})
	return &fakeToken{}
}

func (c *fakeMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeMQTTClient) IsConnectionOpen() bool { return true }

type fakeOverrider struct {
	action model.RelayAction
	err    error
}

func (f *fakeOverrider) ManualOverride(ctx context.Context, duration time.Duration, reason string) (model.RelayAction, error) {
	return f.action, f.err
}

func newTestTwin(t *testing.T, client *fakeMQTTClient, relay Overrider, latest func() (model.Reading, bool)) *TwinSync {
	t.Helper()
	cfg := config.NewStore()
	fsm := classifier.New(classifier.Thresholds{
		DryThreshold: 3, RapidCycleThreshold: 3, PowerCycleProtection: time.Minute,
		RapidCycleThresholdCount: 3, RapidCycleTimeWindow: time.Hour,
	})
	if latest == nil {
		latest = func() (model.Reading, bool) { return model.Reading{}, false }
	}
	return New(client, cfg, relay, fsm, ocrstats.New(), logging.New(nil), latest, nil, nil)
}

func TestParseMethodTopic(t *testing.T) {
	name, rid, ok := parseMethodTopic("$iothub/methods/POST/PowerCycle/?rid=42")
	if !ok || name != "PowerCycle" || rid != "42" {
		t.Fatalf("parseMethodTopic = %q %q %v", name, rid, ok)
	}
	if _, _, ok := parseMethodTopic("garbage"); ok {
		t.Fatalf("expected malformed topic to be rejected")
	}
}

func TestHandleDirectMethodPowerCycle(t *testing.T) {
	client := &fakeMQTTClient{}
	relay := &fakeOverrider{action: model.RelayAction{Success: true, DurationMs: 5000}}
	ts := newTestTwin(t, client, relay, nil)

	ts.handleDirectMethod(context.Background(), "$iothub/methods/POST/PowerCycle/?rid=7", []byte(`{"reason":"operator"}`))

	if len(client.published) != 1 {
		t.Fatalf("expected 1 published reply, got %d", len(client.published))
	}
	if client.published[0].topic != "$iothub/methods/res/200/?rid=7" {
		t.Fatalf("reply topic = %q", client.published[0].topic)
	}
}

func TestHandleDirectMethodGetStatus(t *testing.T) {
	client := &fakeMQTTClient{}
	amp := 4.2
	latest := func() (model.Reading, bool) {
		return model.Reading{CurrentAmps: &amp, Status: model.StatusNormal}, true
	}
	ts := newTestTwin(t, client, &fakeOverrider{}, latest)

	ts.handleDirectMethod(context.Background(), "$iothub/methods/POST/GetStatus/?rid=1", nil)

	if len(client.published) != 1 {
		t.Fatalf("expected 1 published reply, got %d", len(client.published))
	}
	var resp directMethodResponse
	if err := json.Unmarshal(client.published[0].payload, &resp); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
}

func TestHandleDirectMethodSetExposureMode(t *testing.T) {
	client := &fakeMQTTClient{}
	ts := newTestTwin(t, client, &fakeOverrider{}, nil)

	ts.handleDirectMethod(context.Background(), "$iothub/methods/POST/SetExposureMode/?rid=2", []byte(`{"mode":"night"}`))

	if ts.config.Current().Camera.ExposureMode != "night" {
		t.Fatalf("exposure mode not applied, got %q", ts.config.Current().Camera.ExposureMode)
	}
	if len(client.published) != 1 || client.published[0].topic != "$iothub/methods/res/200/?rid=2" {
		t.Fatalf("unexpected reply: %+v", client.published)
	}
}

func TestHandleDirectMethodUnknown(t *testing.T) {
	client := &fakeMQTTClient{}
	ts := newTestTwin(t, client, &fakeOverrider{}, nil)

	ts.handleDirectMethod(context.Background(), "$iothub/methods/POST/Bogus/?rid=9", nil)

	if len(client.published) != 1 || client.published[0].topic != "$iothub/methods/res/404/?rid=9" {
		t.Fatalf("unexpected reply: %+v", client.published)
	}
}

func TestHandleDesiredPatchNestedWinsOverFlat(t *testing.T) {
	client := &fakeMQTTClient{}
	ts := newTestTwin(t, client, &fakeOverrider{}, nil)

	payload := []byte(`{"cameraGain": 3, "camera": {"gain": 9}}`)
	ts.handleDesiredPatch(context.Background(), payload)

	if len(client.published) != 1 {
		t.Fatalf("expected a reported-properties publish, got %d", len(client.published))
	}
	if got := ts.config.Current().Camera.GainDb; got != 9 {
		t.Fatalf("expected nested value 9 to win over flat value 3, got %v", got)
	}
}
