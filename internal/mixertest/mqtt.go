package mixertest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one message handed to MQTTClient.Publish.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// MQTTClient is an in-memory mqtt.Client. Subscriptions are recorded and
// Inject delivers a message to the matching handler. Methods the package
// does not override panic through the nil embedded interface.
type MQTTClient struct {
	mqtt.Client

	// PublishErr, when set, fails every publish.
	PublishErr error

	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	published []Published
}

// NewMQTTClient creates a connected fake client.
func NewMQTTClient() *MQTTClient {
	return &MQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (c *MQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MQTTClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

// SetConnected flips the connection state.
func (c *MQTTClient) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *MQTTClient) Disconnect(quiesce uint) {
	c.SetConnected(false)
}

func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	if c.PublishErr != nil {
		return &Token{err: c.PublishErr}
	}

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}

	c.mu.Lock()
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: data})
	c.mu.Unlock()
	return &Token{}
}

func (c *MQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &Token{}
}

func (c *MQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return &Token{}
}

// Inject delivers payload to the handler subscribed to topic and reports
// whether one was found.
func (c *MQTTClient) Inject(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &Message{topic: topic, payload: payload})
	return true
}

// Published returns a copy of every published message.
func (c *MQTTClient) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// WaitPublished polls until at least n messages were published or the
// timeout expires.
func (c *MQTTClient) WaitPublished(n int, timeout time.Duration) []Published {
	deadline := time.Now().Add(timeout)
	for {
		got := c.Published()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Token is an already completed mqtt.Token.
type Token struct {
	err error
}

func (t *Token) Wait() bool                     { return true }
func (t *Token) WaitTimeout(time.Duration) bool { return true }
func (t *Token) Error() error                   { return t.err }

func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Message is an mqtt.Message carrying a topic and payload.
type Message struct {
	topic   string
	payload []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 0 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}
