package mqttbridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesceMS   = 1000
	maxQoS                = 2
	maxPayloadSize        = 1 << 20
)

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrInvalidTopic     = errors.New("mqtt: topic cannot be empty")
)

// MessageHandler receives messages of a subscription. The topic has its
// wildcards expanded.
type MessageHandler func(topic string, payload []byte)

// Broker is the part of an MQTT connection the bridge uses.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Close()
}

// BrokerConfig describes the connection to an MQTT broker.
type BrokerConfig struct {
	URL      string
	ClientID string
	Username string
	Password string

	// WillTopic receives WillPayload, retained, when the connection drops
	// without a clean disconnect.
	WillTopic   string
	WillPayload string
	// OnlinePayload is published retained to WillTopic on every connect.
	OnlinePayload string
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// pahoBroker wraps a paho client and restores subscriptions on reconnect.
type pahoBroker struct {
	client pahomqtt.Client
	cfg    BrokerConfig
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

// Dial connects to the broker. The client id defaults to a random one so
// several instances can share a broker.
func Dial(cfg BrokerConfig, logger *slog.Logger) (Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "melsync-" + uuid.NewString()
	}
	b := &pahoBroker{cfg: cfg, logger: logger, subs: make(map[string]subscription)}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, cfg.WillPayload, 1, true)
	}
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		b.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return b, nil
}

func (b *pahoBroker) handleConnect() {
	b.mu.Lock()
	subs := make(map[string]subscription, len(b.subs))
	for topic, sub := range b.subs {
		subs[topic] = sub
	}
	b.mu.Unlock()

	for topic, sub := range subs {
		b.client.Subscribe(topic, sub.qos, b.wrap(sub.handler))
	}
	if b.cfg.WillTopic != "" && b.cfg.OnlinePayload != "" {
		b.client.Publish(b.cfg.WillTopic, 1, true, b.cfg.OnlinePayload)
	}
}

func (b *pahoBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := b.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (b *pahoBroker) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	b.mu.Lock()
	b.subs[topic] = subscription{qos: qos, handler: handler}
	b.mu.Unlock()

	token := b.client.Subscribe(topic, qos, b.wrap(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		b.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		b.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (b *pahoBroker) forget(topic string) {
	b.mu.Lock()
	delete(b.subs, topic)
	b.mu.Unlock()
}

// wrap recovers handler panics so one bad message cannot kill paho's
// router goroutine.
func (b *pahoBroker) wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("mqtt handler panic", "topic", msg.Topic(), "panic", r)
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}

func (b *pahoBroker) Close() {
	if b.client == nil {
		return
	}
	if b.client.IsConnectionOpen() && b.cfg.WillTopic != "" {
		b.client.Publish(b.cfg.WillTopic, 1, true, b.cfg.WillPayload).WaitTimeout(defaultPublishTimeout)
	}
	b.client.Disconnect(disconnectQuiesceMS)
}
