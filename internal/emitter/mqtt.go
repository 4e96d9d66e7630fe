// Package emitter publishes layout snapshots and status documents to MQTT.
//
// Snapshots are msgpack-encoded; status documents are JSON. The emitter
// owns the MQTT client and exposes it for the control plane.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/stylemixer"
)

// Config contains the broker and topics the emitter publishes to.
type Config struct {
	Broker      string
	ClientID    string
	QoS         byte
	LayoutTopic string
	StatusTopic string
}

// MQTTEmitter publishes layout snapshots to an MQTT broker
type MQTTEmitter struct {
	cfg    Config
	logger *slog.Logger
	Client mqtt.Client // Exported for control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
	lastSeq   uint64
}

// NewMQTTEmitter creates a new MQTT emitter. Connect creates the client.
func NewMQTTEmitter(cfg Config, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// NewWithClient creates an emitter over an existing client.
func NewWithClient(cfg Config, client mqtt.Client, logger *slog.Logger) *MQTTEmitter {
	e := NewMQTTEmitter(cfg, logger)
	e.Client = client
	e.connected = client.IsConnected()
	return e
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
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
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
			"category", stylemixer.ClassifyError(err).String())
	}

	e.Client = mqtt.NewClient(opts)

	e.logger.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("emitter: mqtt connection cancelled: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PublishSnapshot publishes one layout snapshot to the layout topic.
func (e *MQTTEmitter) PublishSnapshot(s stylemixer.Snapshot) error {
	payload, err := msgpack.Marshal(&s)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal snapshot: %w", err)
	}

	if err := e.publish(e.cfg.LayoutTopic, payload); err != nil {
		return err
	}

	e.mu.Lock()
	e.lastSeq = s.Seq
	e.mu.Unlock()

	e.logger.Debug("emitter: snapshot published",
		"topic", e.cfg.LayoutTopic,
		"seq", s.Seq,
		"trace_id", s.TraceID,
		"size", len(payload),
	)
	return nil
}

// PublishStatus publishes a status document to the status topic.
func (e *MQTTEmitter) PublishStatus(payload []byte) error {
	return e.publish(e.cfg.StatusTopic, payload)
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Run publishes every snapshot received on ch until ctx is cancelled or
// ch is closed. Publish failures are logged and do not stop the loop.
func (e *MQTTEmitter) Run(ctx context.Context, ch <-chan stylemixer.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			if err := e.PublishSnapshot(s); err != nil {
				e.logger.Warn("emitter: snapshot dropped",
					"seq", s.Seq,
					"error", err,
					"category", stylemixer.ClassifyError(err).String(),
				)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		e.logger.Info("emitter: mqtt disconnected")
	}

	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
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
		LastSeq:   e.lastSeq,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
	LastSeq   uint64
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = v
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors++
}
