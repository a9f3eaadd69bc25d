// Package tsdb records device snapshots as InfluxDB points.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/joshp123/melsync/internal/config"
	"github.com/joshp123/melsync/internal/hub"
)

const (
	defaultConnectTimeout = 10 * time.Second
	flushIntervalMS       = 10_000

	measurementState      = "melcloud_device"
	measurementProperties = "melcloud_property"
)

var (
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// pointWriter is the non-blocking write side of the InfluxDB client.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Writer turns snapshots into points. It implements hub.Sink.
type Writer struct {
	client influxdb2.Client
	points pointWriter
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// Connect pings the server and opens a batching write API.
func Connect(cfg config.InfluxDBConfig, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	token, err := config.ReadSecretFile(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = config.DefaultInfluxBatchSize
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushIntervalMS))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	w := &Writer{client: client, points: writeAPI, logger: logger, connected: true}
	go w.handleWriteErrors(writeAPI.Errors())
	return w, nil
}

func newWriter(points pointWriter, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{points: points, logger: logger, connected: true}
}

func (w *Writer) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		w.logger.Warn("influxdb write failed", "error", err)
	}
}

func (w *Writer) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Publish queues the snapshot. Delivery happens in the background batch.
func (w *Writer) Publish(ctx context.Context, snap hub.Snapshot) error {
	if !w.IsConnected() {
		return ErrNotConnected
	}
	for _, point := range pointsFor(snap, time.Now()) {
		w.points.WritePoint(point)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()

	w.points.Flush()
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

// pointsFor maps a snapshot to one status point and one point per
// property. Snapshots without state yield nothing.
func pointsFor(snap hub.Snapshot, now time.Time) []*write.Point {
	if snap.Properties == nil {
		return nil
	}
	tags := map[string]string{
		"device_id":   strconv.Itoa(snap.DeviceID),
		"building_id": strconv.Itoa(snap.BuildingID),
		"device_name": snap.Name,
		"kind":        snap.Kind,
	}

	fields := map[string]any{"has_error": snap.HasError}
	if snap.Power != nil {
		fields["power"] = *snap.Power
	}
	if snap.DailyEnergy != nil {
		fields["daily_energy_kwh"] = *snap.DailyEnergy
	}
	if snap.WifiSignal != nil {
		fields["wifi_signal_dbm"] = *snap.WifiSignal
	}
	if snap.ErrorCode != nil {
		fields["error_code"] = *snap.ErrorCode
	}
	points := []*write.Point{write.NewPoint(measurementState, tags, fields, now)}

	for key, value := range snap.Properties {
		// Field types are fixed per measurement: numbers go to "value",
		// enum names to "label".
		var propFields map[string]any
		switch v := value.(type) {
		case float64:
			propFields = map[string]any{"value": v}
		case int:
			propFields = map[string]any{"value": float64(v)}
		case bool:
			propFields = map[string]any{"value": boolToFloat(v)}
		case string:
			propFields = map[string]any{"label": v}
		default:
			continue
		}
		propTags := maps.Clone(tags)
		propTags["property"] = key
		points = append(points, write.NewPoint(measurementProperties, propTags, propFields, now))
	}
	return points
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
