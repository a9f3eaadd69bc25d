package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joshp123/melsync/internal/device"
	"github.com/joshp123/melsync/internal/melcloud"
	"github.com/joshp123/melsync/internal/session"
)

const DefaultPollInterval = time.Minute

// maxParallelUpdates bounds concurrent Device/Get calls in one poll.
const maxParallelUpdates = 4

var ErrUnknownDevice = errors.New("unknown device")

// Sink receives a snapshot after every successful device update or write.
type Sink interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Snapshot is the read model of one device handed to sinks and surfaces.
type Snapshot struct {
	DeviceID    int
	BuildingID  int
	Name        string
	Kind        string
	MAC         string
	Serial      string
	TempUnit    string
	Properties  map[string]any
	Power       *bool
	DailyEnergy *float64
	WifiSignal  *int
	HasError    bool
	ErrorCode   *int
	LastSeen    time.Time
	UpdatedAt   time.Time
	// Removed is set once the device disappeared from the listing. The
	// other fields keep the last values read.
	Removed bool
}

// Discover enumerates the session's devices grouped by kind name, for
// callers that manage device handles themselves. Devices of unsupported types
// are skipped. A Hub does the same enumeration incrementally in Sync.
func Discover(ctx context.Context, sess *session.Cache, api device.API, opts ...device.Option) (map[string][]*device.Device, error) {
	if err := sess.Refresh(ctx); err != nil {
		return nil, err
	}
	out := make(map[string][]*device.Device)
	for _, d := range newDevices(sess.Devices(), sess, api, opts, slog.Default()) {
		out[d.Kind().Name()] = append(out[d.Kind().Name()], d)
	}
	return out, nil
}

func newDevices(confs []melcloud.DeviceConf, sess *session.Cache, api device.API, opts []device.Option, logger *slog.Logger) []*device.Device {
	out := make([]*device.Device, 0, len(confs))
	for _, conf := range confs {
		d, err := device.New(conf, sess, api, opts...)
		if err != nil {
			logger.Info("skipping device", "device_id", conf.DeviceID, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out
}

type Option func(*Hub)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithSinks(sinks ...Sink) Option {
	return func(h *Hub) {
		h.sinks = append(h.sinks, sinks...)
	}
}

func WithDeviceOptions(opts ...device.Option) Option {
	return func(h *Hub) {
		h.deviceOpts = append(h.deviceOpts, opts...)
	}
}

// Hub keeps one Device per listing entry of a session and polls them.
type Hub struct {
	sess       *session.Cache
	api        device.API
	logger     *slog.Logger
	deviceOpts []device.Option

	mu        sync.RWMutex
	sinks     []Sink
	devices   map[int]*device.Device
	updatedAt map[int]time.Time
	removed   map[int]bool
	// watching holds write cycles that already have a publisher waiting.
	watching map[*device.Completion]struct{}

	pollMu      sync.Mutex
	lastPoll    time.Time
	lastPollErr error
}

func New(sess *session.Cache, api device.API, opts ...Option) *Hub {
	h := &Hub{
		sess:      sess,
		api:       api,
		logger:    slog.Default(),
		devices:   make(map[int]*device.Device),
		updatedAt: make(map[int]time.Time),
		removed:   make(map[int]bool),
		watching:  make(map[*device.Completion]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Sync refreshes the session and creates handles for devices that appeared
// in the listing since the last call. Devices that were removed and are
// listed again are reinstated.
func (h *Hub) Sync(ctx context.Context) error {
	if err := h.sess.Refresh(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var added []melcloud.DeviceConf
	for _, conf := range h.sess.Devices() {
		if _, ok := h.devices[conf.DeviceID]; !ok {
			added = append(added, conf)
			continue
		}
		if h.removed[conf.DeviceID] {
			delete(h.removed, conf.DeviceID)
			h.logger.Info("device listed again", "device_id", conf.DeviceID)
		}
	}
	for _, d := range newDevices(added, h.sess, h.api, h.deviceOpts, h.logger) {
		h.devices[d.DeviceID()] = d
		h.logger.Info("device discovered", "device_id", d.DeviceID(), "name", d.Name(), "kind", d.Kind().Name())
	}
	return nil
}

// Run polls every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if err := h.Poll(ctx); err != nil {
		h.logger.Warn("poll failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.Poll(ctx); err != nil {
				h.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// Poll syncs the listing and updates every device. Device errors do not stop
// the other updates; the first one is returned.
func (h *Hub) Poll(ctx context.Context) error {
	err := h.poll(ctx)
	h.pollMu.Lock()
	h.lastPoll = time.Now()
	h.lastPollErr = err
	h.pollMu.Unlock()
	return err
}

func (h *Hub) poll(ctx context.Context) error {
	if err := h.Sync(ctx); err != nil {
		return fmt.Errorf("sync devices: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(maxParallelUpdates)
	var (
		errMu    sync.Mutex
		firstErr error
	)
	for _, d := range h.listed() {
		g.Go(func() error {
			if err := h.update(ctx, d); err != nil {
				h.logger.Warn("device update failed", "device_id", d.DeviceID(), "error", err)
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return firstErr
}

func (h *Hub) update(ctx context.Context, d *device.Device) error {
	err := d.Update(ctx)
	if errors.Is(err, device.ErrDeviceNotFound) {
		h.mu.Lock()
		wasRemoved := h.removed[d.DeviceID()]
		h.removed[d.DeviceID()] = true
		h.mu.Unlock()
		if !wasRemoved {
			h.logger.Info("device removed from listing", "device_id", d.DeviceID())
			h.publish(ctx, d)
		}
		return err
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.updatedAt[d.DeviceID()] = time.Now()
	delete(h.removed, d.DeviceID())
	h.mu.Unlock()
	h.publish(ctx, d)
	return nil
}

// AddSink registers a sink after construction, for sinks that need the hub
// themselves.
func (h *Hub) AddSink(sink Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

func (h *Hub) publish(ctx context.Context, d *device.Device) {
	h.mu.RLock()
	sinks := slices.Clone(h.sinks)
	h.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	snap := h.snapshot(d)
	for _, sink := range sinks {
		if err := sink.Publish(ctx, snap); err != nil {
			h.logger.Warn("publish snapshot failed", "device_id", d.DeviceID(), "error", err)
		}
	}
}

// Devices returns the known devices ordered by id, removed ones included.
func (h *Hub) Devices() []*device.Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sorted(func(int) bool { return true })
}

// listed returns the devices still present in the listing.
func (h *Hub) listed() []*device.Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sorted(func(id int) bool { return !h.removed[id] })
}

// sorted filters the devices by id. Caller holds h.mu.
func (h *Hub) sorted(keep func(id int) bool) []*device.Device {
	out := make([]*device.Device, 0, len(h.devices))
	for id, d := range h.devices {
		if keep(id) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID() < out[j].DeviceID() })
	return out
}

func (h *Hub) Device(id int) (*device.Device, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	return d, nil
}

// writable returns the device if it can accept writes.
func (h *Hub) writable(id int) (*device.Device, error) {
	d, err := h.Device(id)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	removed := h.removed[id]
	h.mu.RUnlock()
	if removed {
		return nil, &device.NotFoundError{DeviceID: id, BuildingID: d.BuildingID()}
	}
	return d, nil
}

// Update refreshes one device now.
func (h *Hub) Update(ctx context.Context, id int) (Snapshot, error) {
	d, err := h.Device(id)
	if err != nil {
		return Snapshot{}, err
	}
	if err := h.update(ctx, d); err != nil {
		return Snapshot{}, err
	}
	return h.snapshot(d), nil
}

// Set writes properties to one device and waits until they were pushed.
func (h *Hub) Set(ctx context.Context, id int, props map[string]any) (Snapshot, error) {
	d, err := h.writable(id)
	if err != nil {
		return Snapshot{}, err
	}
	if err := d.SetAndWait(ctx, props); err != nil {
		return Snapshot{}, err
	}
	h.publish(ctx, d)
	return h.snapshot(d), nil
}

// Queue validates and queues property writes without waiting for the push.
// Sinks receive the snapshot once the write cycle succeeded, one publish per
// cycle however many writes it carries.
func (h *Hub) Queue(id int, props map[string]any) (*device.Completion, error) {
	d, err := h.writable(id)
	if err != nil {
		return nil, err
	}
	done, err := d.Set(props)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	_, watched := h.watching[done]
	h.watching[done] = struct{}{}
	h.mu.Unlock()
	if !watched {
		go h.publishWhenDone(d, done)
	}
	return done, nil
}

func (h *Hub) publishWhenDone(d *device.Device, done *device.Completion) {
	<-done.Done()
	h.mu.Lock()
	delete(h.watching, done)
	h.mu.Unlock()
	if done.Err() != nil {
		return
	}
	h.publish(context.Background(), d)
}

func (h *Hub) Snapshot(id int) (Snapshot, error) {
	d, err := h.Device(id)
	if err != nil {
		return Snapshot{}, err
	}
	return h.snapshot(d), nil
}

func (h *Hub) Snapshots() []Snapshot {
	devices := h.Devices()
	out := make([]Snapshot, 0, len(devices))
	for _, d := range devices {
		out = append(out, h.snapshot(d))
	}
	return out
}

// LastPoll reports when the last poll finished and its error.
func (h *Hub) LastPoll() (time.Time, error) {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()
	return h.lastPoll, h.lastPollErr
}

func (h *Hub) snapshot(d *device.Device) Snapshot {
	h.mu.RLock()
	updatedAt := h.updatedAt[d.DeviceID()]
	removed := h.removed[d.DeviceID()]
	h.mu.RUnlock()

	snap := Snapshot{
		DeviceID:   d.DeviceID(),
		BuildingID: d.BuildingID(),
		Name:       d.Name(),
		Kind:       d.Kind().Name(),
		MAC:        d.MAC(),
		Serial:     d.Serial(),
		TempUnit:   d.TempUnit(),
		HasError:   d.HasError(),
		UpdatedAt:  updatedAt,
		Removed:    removed,
	}
	if props, ok := d.Properties(); ok {
		snap.Properties = props
	}
	if v, ok := d.Power(); ok {
		snap.Power = &v
	}
	if v, ok := d.DailyEnergyConsumed(); ok {
		snap.DailyEnergy = &v
	}
	if v, ok := d.WifiSignal(); ok {
		snap.WifiSignal = &v
	}
	if v, ok := d.ErrorCode(); ok {
		snap.ErrorCode = &v
	}
	if v, ok := d.LastSeen(); ok {
		snap.LastSeen = v
	}
	return snap
}

// Units exposes unit metadata for surfaces that print it.
func (h *Hub) Units(id int) ([]melcloud.Unit, bool, error) {
	d, err := h.Device(id)
	if err != nil {
		return nil, false, err
	}
	units, ok := d.Units()
	return units, ok, nil
}
