package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/joshp123/melsync/internal/melcloud"
)

const (
	TempUnitCelsius    = "celsius"
	TempUnitFahrenheit = "fahrenheit"

	lastSeenLayout = "2006-01-02T15:04:05"
	energyWindow   = 48 * time.Hour
)

var energyModes = []string{"Heating", "Cooling", "Auto", "Dry", "Fan", "Other"}

// API is the part of the transport a device talks to directly.
type API interface {
	FetchDeviceState(ctx context.Context, deviceID, buildingID int) (melcloud.State, error)
	FetchEnergyReport(ctx context.Context, deviceID int, from, to time.Time) (melcloud.EnergyReport, error)
	FetchDeviceUnits(ctx context.Context, deviceID int) ([]melcloud.Unit, error)
	PushState(ctx context.Context, state melcloud.State) error
}

// Session is the shared listing cache a device resolves its configuration
// from.
type Session interface {
	Refresh(ctx context.Context) error
	Lookup(deviceID, buildingID int) (melcloud.DeviceConf, bool)
	UseFahrenheit() bool
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Option func(*options)

type options struct {
	debounce  time.Duration
	afterFunc AfterFunc
	clock     Clock
	logger    *slog.Logger
	ctx       context.Context
}

func WithSetDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}

func WithAfterFunc(afterFunc AfterFunc) Option {
	return func(o *options) {
		if afterFunc != nil {
			o.afterFunc = afterFunc
		}
	}
}

func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithContext sets the context state pushes run under.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// Device is one MELCloud device bound to a session.
//
// Update pulls configuration from the session cache and fetches state and
// energy. Set queues property writes that are pushed as one payload after
// the debounce window. Callers should poll Update about once a minute; it
// performs no rate limiting of its own.
type Device struct {
	deviceID   int
	buildingID int
	kind       Kind
	session    Session
	api        API
	clock      Clock
	logger     *slog.Logger
	writes     *Coalescer

	mu           sync.RWMutex
	conf         melcloud.DeviceConf
	state        melcloud.State
	energy       melcloud.EnergyReport
	units        []melcloud.Unit
	unitsFetched bool
}

func New(conf melcloud.DeviceConf, sess Session, api API, opts ...Option) (*Device, error) {
	if sess == nil || api == nil {
		return nil, fmt.Errorf("session and api are required")
	}
	kind, err := KindFor(conf.Device.DeviceType)
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", conf.DeviceID, err)
	}

	o := options{
		debounce:  DefaultSetDebounce,
		afterFunc: systemAfterFunc,
		clock:     systemClock{},
		logger:    slog.Default(),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		deviceID:   conf.DeviceID,
		buildingID: conf.BuildingID,
		kind:       kind,
		session:    sess,
		api:        api,
		clock:      o.clock,
		logger:     o.logger.With("device_id", conf.DeviceID, "kind", kind.Name()),
		conf:       conf,
	}
	d.writes = NewCoalescer(deviceTarget{d}, o.debounce,
		WithTimerFunc(o.afterFunc),
		WithFlushContext(o.ctx),
		WithCoalescerLogger(d.logger),
	)
	return d, nil
}

// Update refreshes the session cache, re-resolves the configuration and
// fetches state plus energy report. State and report are stored together
// only when both calls succeed. Unit metadata is fetched once for non-guest
// devices.
func (d *Device) Update(ctx context.Context) error {
	if err := d.session.Refresh(ctx); err != nil {
		updateTotal.WithLabelValues("error").Inc()
		return err
	}

	conf, ok := d.session.Lookup(d.deviceID, d.buildingID)
	if !ok {
		updateTotal.WithLabelValues("not_found").Inc()
		return &NotFoundError{DeviceID: d.deviceID, BuildingID: d.buildingID}
	}
	d.mu.Lock()
	d.conf = conf
	d.mu.Unlock()

	state, err := d.api.FetchDeviceState(ctx, d.deviceID, d.buildingID)
	if err != nil {
		updateTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch state of device %d: %w", d.deviceID, err)
	}
	now := d.clock.Now()
	energy, err := d.api.FetchEnergyReport(ctx, d.deviceID, now.Add(-energyWindow), now.Add(energyWindow))
	if err != nil {
		updateTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch energy report of device %d: %w", d.deviceID, err)
	}

	d.mu.Lock()
	d.state = state
	d.energy = energy
	needUnits := !d.unitsFetched && conf.AccessLevel != melcloud.AccessLevelGuest
	d.mu.Unlock()

	if needUnits {
		if err := d.fetchUnits(ctx); err != nil {
			updateTotal.WithLabelValues("error").Inc()
			return err
		}
	}

	updateTotal.WithLabelValues("ok").Inc()
	return nil
}

func (d *Device) fetchUnits(ctx context.Context) error {
	units, err := d.api.FetchDeviceUnits(ctx, d.deviceID)
	if err != nil && !errors.Is(err, melcloud.ErrAccessDenied) {
		return fmt.Errorf("fetch units of device %d: %w", d.deviceID, err)
	}
	if err != nil {
		d.logger.Debug("unit metadata not available", "error", err)
		units = nil
	}

	d.mu.Lock()
	d.units = units
	d.unitsFetched = true
	d.mu.Unlock()
	return nil
}

// Set queues property writes. Validation errors are returned immediately;
// the Completion resolves once the coalesced push has finished.
func (d *Device) Set(props map[string]any) (*Completion, error) {
	return d.writes.Set(props)
}

// SetAndWait queues property writes and blocks until they were pushed.
func (d *Device) SetAndWait(ctx context.Context, props map[string]any) error {
	done, err := d.Set(props)
	if err != nil {
		return err
	}
	return done.Wait(ctx)
}

func (d *Device) DeviceID() int   { return d.deviceID }
func (d *Device) BuildingID() int { return d.buildingID }
func (d *Device) Kind() Kind      { return d.kind }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conf.DeviceName
}

func (d *Device) MAC() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conf.MacAddress
}

func (d *Device) Serial() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conf.SerialNumber
}

func (d *Device) AccessLevel() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conf.AccessLevel
}

// Conf returns the configuration record from the latest listing.
func (d *Device) Conf() melcloud.DeviceConf {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conf
}

// State returns a copy of the last state, false before the first Update.
func (d *Device) State() (melcloud.State, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == nil {
		return nil, false
	}
	return d.state.Clone(), true
}

// Energy returns the last energy report, false when none was received.
func (d *Device) Energy() (melcloud.EnergyReport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.energy == nil {
		return nil, false
	}
	return d.energy, true
}

func (d *Device) Power() (bool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == nil {
		return false, false
	}
	return d.state.Bool(keyPower)
}

// LastSeen is the last time the device talked to MELCloud, in UTC.
func (d *Device) LastSeen() (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	raw, ok := d.state["LastCommunication"].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(lastSeenLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// DailyEnergyConsumed sums the newest bucket of every mode in the report, in
// kWh. The report window spans two days either side of now so the newest
// bucket is today in MELCloud time whatever the local timezone.
func (d *Device) DailyEnergyConsumed() (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.energy == nil {
		return 0, false
	}
	var total float64
	for _, mode := range energyModes {
		buckets, _ := d.energy[mode].([]any)
		if len(buckets) == 0 {
			continue
		}
		if v, err := toFloat(buckets[len(buckets)-1]); err == nil {
			total += v
		}
	}
	return total, true
}

// WifiSignal is the signal strength in dBm.
func (d *Device) WifiSignal() (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conf.Device.WifiSignalStrength == nil {
		return 0, false
	}
	return int(*d.conf.Device.WifiSignalStrength), true
}

func (d *Device) HasError() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, _ := d.state.Bool("HasError")
	return v
}

func (d *Device) ErrorCode() (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Int("ErrorCode")
}

// Units returns the unit metadata. False means it was not fetched, either
// before the first Update or because the device is shared as guest.
func (d *Device) Units() ([]melcloud.Unit, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.unitsFetched {
		return nil, false
	}
	return slices.Clone(d.units), true
}

func (d *Device) TemperatureIncrement() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conf.TemperatureIncrement()
}

func (d *Device) RoundTemperature(value float64) float64 {
	return RoundTemperature(value, d.TemperatureIncrement())
}

func (d *Device) TempUnit() string {
	if d.session.UseFahrenheit() {
		return TempUnitFahrenheit
	}
	return TempUnitCelsius
}

// Properties maps the last state onto the kind's property names.
func (d *Device) Properties() (map[string]any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == nil {
		return nil, false
	}
	return d.kind.Properties(d.conf, d.state), true
}

// deviceTarget adapts a Device to the coalescer.
type deviceTarget struct {
	d *Device
}

func (t deviceTarget) Snapshot() (melcloud.State, bool) {
	t.d.mu.RLock()
	defer t.d.mu.RUnlock()
	return t.d.state, t.d.state != nil
}

func (t deviceTarget) ApplyWrite(state melcloud.State, key string, value any) error {
	return t.d.kind.ApplyWrite(t.d.Conf(), state, key, value)
}

func (t deviceTarget) PushState(ctx context.Context, state melcloud.State) error {
	return t.d.api.PushState(ctx, state)
}

func (t deviceTarget) Commit(state melcloud.State) {
	t.d.mu.Lock()
	t.d.state = state
	t.d.mu.Unlock()
}
