package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-pose-sensor/internal/status"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// Topic suffixes under Config.TopicPrefix.
const (
	TopicStatus         = "status"
	TopicDebug          = "debug"
	TopicClassification = "classification"
	TopicHealth         = "health"
)

// Config configures the MQTT emitter.
type Config struct {
	Broker       string // host:port
	ClientID     string
	TopicPrefix  string // e.g. orion/pose/{instance_id}
	QoS          map[string]byte
	PublishDebug bool // also publish the feature vector text
	QueueSize    int

	InstanceID string
	SessionID  string
}

// publisher is the subset of mqtt.Client used for publishing.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type outbound struct {
	topic   string
	payload []byte
	retain  bool
}

// StatusMessage is the payload of the status and debug topics.
type StatusMessage struct {
	InstanceID string    `json:"instance_id"`
	SessionID  string    `json:"session_id"`
	Region     string    `json:"region"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// ClassificationMessage is the payload of the classification topic.
type ClassificationMessage struct {
	InstanceID string    `json:"instance_id"`
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Features   []int     `json:"features"`
	Timestamp  time.Time `json:"timestamp"`
}

// MQTTEmitter publishes the status surface and classification results to
// an MQTT broker. It is a status.Sink and a classify.Observer.
//
// Publishing is asynchronous: updates are queued and sent by a single
// goroutine, so callers on the scheduler never wait on the network.
type MQTTEmitter struct {
	cfg    Config
	logger *slog.Logger
	Client mqtt.Client

	pub    publisher
	queue  chan outbound
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64
	connected bool
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
	Dropped   uint64
}

// NewMQTTEmitter creates an emitter. Nothing is sent until Connect.
func NewMQTTEmitter(cfg Config, logger *slog.Logger) *MQTTEmitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan outbound, cfg.QueueSize),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection and starts the publisher
// goroutine, which runs until ctx is cancelled or Disconnect.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("emitter: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	e.logger.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	e.start(ctx, e.Client)
	return nil
}

func (e *MQTTEmitter) start(ctx context.Context, pub publisher) {
	e.pub = pub
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.run(ctx)
}

func (e *MQTTEmitter) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.queue:
			if err := e.send(msg); err != nil {
				e.logger.Debug("emitter: publish failed", "topic", msg.topic, "error", err)
			}
		}
	}
}

func (e *MQTTEmitter) send(msg outbound) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.pub.Publish(msg.topic, e.qos(msg.topic), msg.retain, msg.payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[msg.topic]++
	e.mu.Unlock()
	return nil
}

// enqueue hands msg to the publisher goroutine, dropping it when the
// queue is full.
func (e *MQTTEmitter) enqueue(msg outbound) {
	select {
	case e.queue <- msg:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Publish implements status.Sink.
func (e *MQTTEmitter) Publish(u status.Update) {
	topic := TopicStatus
	if u.Region == status.RegionDebug {
		if !e.cfg.PublishDebug {
			return
		}
		topic = TopicDebug
	}

	payload, err := json.Marshal(StatusMessage{
		InstanceID: e.cfg.InstanceID,
		SessionID:  e.cfg.SessionID,
		Region:     string(u.Region),
		Text:       u.Text,
		Timestamp:  u.At,
	})
	if err != nil {
		e.countError()
		return
	}

	// The latest status message is retained so late subscribers see it.
	e.enqueue(outbound{topic: e.topic(topic), payload: payload, retain: topic == TopicStatus})
}

// OnClassification implements classify.Observer.
func (e *MQTTEmitter) OnClassification(result types.ClassificationResult, vec types.FeatureVector) {
	payload, err := json.Marshal(ClassificationMessage{
		InstanceID: e.cfg.InstanceID,
		SessionID:  e.cfg.SessionID,
		Label:      result.Label,
		Confidence: result.Confidence,
		Features:   vec,
		Timestamp:  time.Now(),
	})
	if err != nil {
		e.countError()
		return
	}

	e.enqueue(outbound{topic: e.topic(TopicClassification), payload: payload})
}

// PublishHealth queues a health message.
func (e *MQTTEmitter) PublishHealth(payload []byte) {
	e.enqueue(outbound{topic: e.topic(TopicHealth), payload: payload})
}

// Disconnect stops the publisher goroutine and closes the connection.
func (e *MQTTEmitter) Disconnect() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		e.logger.Info("emitter: mqtt disconnected")
	}

	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}

func (e *MQTTEmitter) topic(suffix string) string {
	if e.cfg.TopicPrefix == "" {
		return suffix
	}
	return e.cfg.TopicPrefix + "/" + suffix
}

// qos returns the QoS configured for the topic's suffix, default 0.
func (e *MQTTEmitter) qos(topic string) byte {
	for suffix, q := range e.cfg.QoS {
		if topic == e.topic(suffix) {
			return q
		}
	}
	return 0
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
