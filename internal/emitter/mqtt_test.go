package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose-sensor/internal/status"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
	sent chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(chan struct{}, 16)}
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	f.msgs = append(f.msgs, published{topic, qos, retained, payload.([]byte)})
	f.mu.Unlock()
	f.sent <- struct{}{}
	return doneToken{err: f.err}
}

func (f *fakePublisher) wait(t *testing.T, n int) []published {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.sent:
		case <-time.After(2 * time.Second):
			t.Fatalf("published %d messages, want %d", i, n)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func newTestEmitter(t *testing.T, cfg Config) (*MQTTEmitter, *fakePublisher) {
	t.Helper()
	e := NewMQTTEmitter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pub := newFakePublisher()
	e.setConnected(true)
	e.start(context.Background(), pub)
	t.Cleanup(func() { e.Disconnect() })
	return e, pub
}

func TestStatusPublishedRetained(t *testing.T) {
	e, pub := newTestEmitter(t, Config{
		TopicPrefix: "orion/pose/node_001",
		InstanceID:  "node_001",
		SessionID:   "s-1",
		QoS:         map[string]byte{TopicStatus: 1},
	})

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	e.Publish(status.Update{Region: status.RegionMessage, Text: "Yoga model loaded", At: at})

	msgs := pub.wait(t, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "orion/pose/node_001/status", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.True(t, msgs[0].retain)

	var got StatusMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "Yoga model loaded", got.Text)
	assert.Equal(t, "message", got.Region)
	assert.Equal(t, "node_001", got.InstanceID)
	assert.Equal(t, "s-1", got.SessionID)
	assert.True(t, got.Timestamp.Equal(at))
}

func TestDebugOnlyWhenEnabled(t *testing.T) {
	e, pub := newTestEmitter(t, Config{TopicPrefix: "p"})

	e.Publish(status.Update{Region: status.RegionDebug, Text: "100,50"})
	e.Publish(status.Update{Region: status.RegionMessage, Text: "Pose model loaded"})

	msgs := pub.wait(t, 1)
	assert.Equal(t, "p/status", msgs[0].topic, "debug update skipped")

	e2, pub2 := newTestEmitter(t, Config{TopicPrefix: "p", PublishDebug: true})
	e2.Publish(status.Update{Region: status.RegionDebug, Text: "100,50"})
	msgs = pub2.wait(t, 1)
	assert.Equal(t, "p/debug", msgs[0].topic)
	assert.False(t, msgs[0].retain)
}

func TestClassificationPayload(t *testing.T) {
	e, pub := newTestEmitter(t, Config{TopicPrefix: "p", InstanceID: "node_001"})

	e.OnClassification(types.ClassificationResult{Label: "Tree", Confidence: 0.87}, types.FeatureVector{100, 50})

	msgs := pub.wait(t, 1)
	assert.Equal(t, "p/classification", msgs[0].topic)

	var got ClassificationMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "Tree", got.Label)
	assert.Equal(t, 0.87, got.Confidence)
	assert.Equal(t, []int{100, 50}, got.Features)

	assert.Eventually(t, func() bool {
		return e.Stats().Published["p/classification"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublishErrorsCounted(t *testing.T) {
	e, pub := newTestEmitter(t, Config{})
	pub.err = errors.New("broker gone")

	e.PublishHealth([]byte(`{"status":"ok"}`))
	msgs := pub.wait(t, 1)
	assert.Equal(t, "health", msgs[0].topic)

	assert.Eventually(t, func() bool { return e.Stats().Errors == 1 }, time.Second, 5*time.Millisecond)
}

func TestNotConnectedSkipsPublish(t *testing.T) {
	e, pub := newTestEmitter(t, Config{})
	e.setConnected(false)

	e.PublishHealth([]byte(`{}`))

	assert.Eventually(t, func() bool { return e.Stats().Errors == 1 }, time.Second, 5*time.Millisecond)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Empty(t, pub.msgs)
}

// TestQueueFullDrops validates Publish never blocks when the publisher
// goroutine is not draining.
func TestQueueFullDrops(t *testing.T) {
	e := NewMQTTEmitter(Config{QueueSize: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 5; i++ {
		e.Publish(status.Update{Region: status.RegionMessage, Text: "x"})
	}

	assert.Equal(t, uint64(3), e.Stats().Dropped)
	require.NoError(t, e.Disconnect())
}
