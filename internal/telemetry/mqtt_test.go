package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/util"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic string
	body  map[string]interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	msgs      []published
}

func (f *fakePublisher) IsConnected() bool { return f.connected }

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	json.Unmarshal(payload.([]byte), &body)
	f.mu.Lock()
	f.msgs = append(f.msgs, published{topic, body})
	f.mu.Unlock()
	return doneToken{}
}

func newTestHandler(prefix string, pub *fakePublisher) *MQTTHandler {
	return &MQTTHandler{
		cfg:      config.MQTTConfig{TopicPrefix: prefix},
		eventBus: events.NewEventBus(),
		pub:      pub,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{"hostname": "test"},
	}
}

func TestEventsPublishedUnderPrefix(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler("blockgate/lobby-1", pub)
	h.subscribeEvents()
	ctx := context.Background()

	h.eventBus.EmitSync(ctx, events.Event{
		Type:    events.EventConnectionClosed,
		Payload: events.ConnectionPayload{ConnID: 4, Reason: "disconnect.quitting"},
	})
	h.eventBus.EmitSync(ctx, events.Event{
		Type:    events.EventTickLag,
		Payload: events.TickLagPayload{Tick: 9, Level: "warning"},
	})

	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages; want 2", len(pub.msgs))
	}
	if got := pub.msgs[0].topic; got != "blockgate/lobby-1/connections" {
		t.Errorf("topic = %s", got)
	}
	if got := pub.msgs[1].topic; got != "blockgate/lobby-1/tick/lag" {
		t.Errorf("topic = %s", got)
	}
	if pub.msgs[0].body["hostname"] != "test" || pub.msgs[0].body["timestamp"] == nil {
		t.Errorf("metadata missing: %v", pub.msgs[0].body)
	}
	inner := pub.msgs[0].body["payload"].(map[string]interface{})
	if inner["event"] != string(events.EventConnectionClosed) {
		t.Errorf("event = %v", inner["event"])
	}
}

func TestPublishDroppedWhileDisconnected(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler("", pub)
	h.publish(TopicHealth, "x")
	if len(pub.msgs) != 0 {
		t.Errorf("published %d messages while disconnected", len(pub.msgs))
	}
	if got := h.topic(TopicHealth); got != "health" {
		t.Errorf("topic without prefix = %s", got)
	}
}

func TestDisabledConfigRejected(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, nil); err == nil {
		t.Error("NewMQTTHandler accepted a disabled config")
	}
}
