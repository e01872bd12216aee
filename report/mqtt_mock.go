package report

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockOp names a MockClient operation that can be made to fail.
type MockOp int

const (
	OpConnect MockOp = iota
	OpPublish
	OpSubscribe
)

// MockClient is an in-memory mqtt.Client. It records publishes and delivers
// messages passed to Deliver to whichever handler is routed on the topic.
type MockClient struct {
	mu        sync.RWMutex
	connected bool
	failures  map[MockOp]error
	routes    map[string]mqtt.MessageHandler
	published []MockMessage
}

// MockMessage is one recorded publish.
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// NewMockClient creates a disconnected mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		failures: make(map[MockOp]error),
		routes:   make(map[string]mqtt.MessageHandler),
	}
}

func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// Fail makes every later op return err; nil clears it.
func (c *MockClient) Fail(op MockOp, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// Published returns a copy of every recorded publish, oldest first.
func (c *MockClient) Published() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]MockMessage(nil), c.published...)
}

// Deliver hands payload to the handler routed on topic, if any. The handler
// runs on the caller's goroutine.
func (c *MockClient) Deliver(topic string, payload []byte) {
	c.mu.RLock()
	handler := c.routes[topic]
	c.mu.RUnlock()
	if handler != nil {
		handler(c, mockMessage{topic: topic, payload: payload})
	}
}

// check returns the error a connected-only op should report, if any.
// Callers hold c.mu.
func (c *MockClient) check(op MockOp) error {
	if !c.connected {
		return mqtt.ErrNotConnected
	}
	return c.failures[op]
}

func (c *MockClient) route(topic string, handler mqtt.MessageHandler) {
	c.mu.Lock()
	c.routes[topic] = handler
	c.mu.Unlock()
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.failures[OpConnect]
	c.connected = err == nil
	return mockToken{err}
}

func (c *MockClient) Disconnect(uint) { c.SetConnected(false) }

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpPublish); err != nil {
		return mockToken{err}
	}

	msg := MockMessage{Topic: topic, QoS: qos, Retain: retained}
	switch v := payload.(type) {
	case []byte:
		msg.Payload = v
	case string:
		msg.Payload = []byte(v)
	}
	c.published = append(c.published, msg)
	return mockToken{}
}

func (c *MockClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: 0}, callback)
}

func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.RLock()
	err := c.check(OpSubscribe)
	c.mu.RUnlock()
	if err != nil {
		return mockToken{err}
	}
	for topic := range filters {
		c.route(topic, callback)
	}
	return mockToken{}
}

func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.routes, topic)
	}
	return mockToken{}
}

func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) { c.route(topic, callback) }

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// mockToken is already complete.
type mockToken struct{ err error }

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (mockToken) Wait() bool                     { return true }
func (mockToken) WaitTimeout(time.Duration) bool { return true }
func (mockToken) Done() <-chan struct{}          { return closedDone }
func (t mockToken) Error() error                 { return t.err }

type mockMessage struct {
	topic   string
	payload []byte
}

func (mockMessage) Duplicate() bool   { return false }
func (mockMessage) Qos() byte         { return 0 }
func (mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string   { return m.topic }
func (mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte { return m.payload }
func (mockMessage) Ack()              {}
