// Package mqttbridge mirrors device snapshots to MQTT and accepts property
// writes from it.
//
// Topics, below the configured prefix:
//
//	<prefix>/status          online/offline, retained
//	<prefix>/<id>/state      JSON snapshot after every update or write
//	<prefix>/<id>/set        JSON object of properties to write
//	<prefix>/<id>/error      JSON error of a rejected or failed write
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joshp123/melsync/internal/config"
	"github.com/joshp123/melsync/internal/device"
	"github.com/joshp123/melsync/internal/hub"
)

// setTimeout bounds the wait for one write received over MQTT, debounce
// included.
const setTimeout = 30 * time.Second

// Setter queues property writes for a device. Validation errors are returned
// at once; the Completion resolves when the coalesced push finished.
type Setter interface {
	Queue(id int, props map[string]any) (*device.Completion, error)
}

// Bridge publishes snapshots and dispatches set requests. It implements
// hub.Sink.
type Bridge struct {
	broker Broker
	setter Setter
	prefix string
	qos    byte
	retain bool
	logger *slog.Logger

	// inflight tracks writes whose push result is still awaited.
	inflight sync.WaitGroup
}

type statePayload struct {
	DeviceID    int            `json:"device_id"`
	BuildingID  int            `json:"building_id"`
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	TempUnit    string         `json:"temp_unit,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Power       *bool          `json:"power,omitempty"`
	DailyEnergy *float64       `json:"daily_energy_kwh,omitempty"`
	WifiSignal  *int           `json:"wifi_signal_dbm,omitempty"`
	HasError    bool           `json:"has_error"`
	ErrorCode   *int           `json:"error_code,omitempty"`
	LastSeen    string         `json:"last_seen,omitempty"`
	Removed     bool           `json:"removed,omitempty"`
}

type errorPayload struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// New builds a bridge over an established broker connection.
func New(broker Broker, setter Setter, cfg config.MQTTConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = config.DefaultMQTTTopicPrefix
	}
	return &Bridge{
		broker: broker,
		setter: setter,
		prefix: prefix,
		qos:    cfg.QoS,
		retain: cfg.Retain,
		logger: logger,
	}
}

// Connect dials the configured broker and starts listening for set requests.
func Connect(cfg config.MQTTConfig, setter Setter, logger *slog.Logger) (*Bridge, error) {
	password, err := config.ReadSecretFile(cfg.PasswordFile)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	broker, err := Dial(BrokerConfig{
		URL:           cfg.Broker,
		ClientID:      cfg.ClientID,
		Username:      cfg.Username,
		Password:      password,
		WillTopic:     prefix + "/status",
		WillPayload:   "offline",
		OnlinePayload: "online",
	}, logger)
	if err != nil {
		return nil, err
	}
	b := New(broker, setter, cfg, logger)
	if err := b.Start(); err != nil {
		broker.Close()
		return nil, err
	}
	return b, nil
}

// Start subscribes to set requests for every device.
func (b *Bridge) Start() error {
	return b.broker.Subscribe(b.prefix+"/+/set", b.qos, b.handleSet)
}

// Close waits for queued writes to report their result and disconnects.
func (b *Bridge) Close() {
	b.inflight.Wait()
	b.broker.Close()
}

func (b *Bridge) StateTopic(id int) string {
	return fmt.Sprintf("%s/%d/state", b.prefix, id)
}

func (b *Bridge) errorTopic(id int) string {
	return fmt.Sprintf("%s/%d/error", b.prefix, id)
}

// Publish sends the snapshot to the device's state topic.
func (b *Bridge) Publish(ctx context.Context, snap hub.Snapshot) error {
	payload := statePayload{
		DeviceID:    snap.DeviceID,
		BuildingID:  snap.BuildingID,
		Name:        snap.Name,
		Kind:        snap.Kind,
		TempUnit:    snap.TempUnit,
		Properties:  snap.Properties,
		Power:       snap.Power,
		DailyEnergy: snap.DailyEnergy,
		WifiSignal:  snap.WifiSignal,
		HasError:    snap.HasError,
		ErrorCode:   snap.ErrorCode,
		Removed:     snap.Removed,
	}
	if !snap.LastSeen.IsZero() {
		payload.LastSeen = snap.LastSeen.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return b.broker.Publish(b.StateTopic(snap.DeviceID), b.qos, b.retain, data)
}

func (b *Bridge) handleSet(topic string, payload []byte) {
	id, err := b.deviceFromSetTopic(topic)
	if err != nil {
		b.logger.Warn("ignoring mqtt set", "topic", topic, "error", err)
		return
	}

	var props map[string]any
	if err := json.Unmarshal(payload, &props); err != nil {
		b.reportError(id, fmt.Errorf("decode set payload: %w", err))
		return
	}
	if len(props) == 0 {
		b.reportError(id, fmt.Errorf("set payload has no properties"))
		return
	}

	// The callback must not block: paho delivers messages one at a time and
	// later writes for the same device have to land in the pending cycle.
	done, err := b.setter.Queue(id, props)
	if err != nil {
		b.reportError(id, err)
		return
	}
	b.inflight.Add(1)
	go b.awaitSet(id, len(props), done)
}

func (b *Bridge) awaitSet(id, count int, done *device.Completion) {
	defer b.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
	defer cancel()
	if err := done.Wait(ctx); err != nil {
		b.reportError(id, err)
		return
	}
	b.logger.Info("mqtt set applied", "device_id", id, "properties", count)
}

func (b *Bridge) deviceFromSetTopic(topic string) (int, error) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return 0, fmt.Errorf("unexpected prefix")
	}
	idPart, ok := strings.CutSuffix(rest, "/set")
	if !ok || strings.Contains(idPart, "/") {
		return 0, fmt.Errorf("unexpected topic layout")
	}
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return 0, fmt.Errorf("invalid device id %q", idPart)
	}
	return id, nil
}

func (b *Bridge) reportError(id int, err error) {
	b.logger.Warn("mqtt set failed", "device_id", id, "error", err)
	data, _ := json.Marshal(errorPayload{
		Error:     err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if perr := b.broker.Publish(b.errorTopic(id), b.qos, false, data); perr != nil {
		b.logger.Warn("publish mqtt error failed", "device_id", id, "error", perr)
	}
}
