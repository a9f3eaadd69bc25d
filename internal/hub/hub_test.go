package hub

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/melsync/internal/device"
	"github.com/joshp123/melsync/internal/melcloud"
	"github.com/joshp123/melsync/internal/session"
)

type fakeCloud struct {
	mu      sync.Mutex
	devices []melcloud.DeviceConf
	states  map[int]melcloud.State
	pushes  []melcloud.State
}

func (f *fakeCloud) FetchAccount(ctx context.Context) (melcloud.Account, error) {
	return melcloud.Account{}, nil
}

func (f *fakeCloud) FetchListing(ctx context.Context) ([]melcloud.ListingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	devices := append([]melcloud.DeviceConf(nil), f.devices...)
	return []melcloud.ListingEntry{{ID: 1, Structure: melcloud.Structure{Devices: devices}}}, nil
}

func (f *fakeCloud) FetchDeviceState(ctx context.Context, deviceID, buildingID int) (melcloud.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[deviceID]
	if !ok {
		return nil, errors.New("no state")
	}
	return state.Clone(), nil
}

func (f *fakeCloud) FetchEnergyReport(ctx context.Context, deviceID int, from, to time.Time) (melcloud.EnergyReport, error) {
	return melcloud.EnergyReport{"Heating": []any{1.5}}, nil
}

func (f *fakeCloud) FetchDeviceUnits(ctx context.Context, deviceID int) ([]melcloud.Unit, error) {
	return []melcloud.Unit{{Model: "MSZ"}}, nil
}

func (f *fakeCloud) PushState(ctx context.Context, state melcloud.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, state.Clone())
	return nil
}

func (f *fakeCloud) setDevices(devices ...melcloud.DeviceConf) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (s *recordingSink) Publish(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

// tickClock lets the session cache treat every call as stale.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Hour)
	return c.now
}

func confOf(id, deviceType int, name string) melcloud.DeviceConf {
	return melcloud.DeviceConf{
		DeviceID:    id,
		BuildingID:  1,
		DeviceName:  name,
		AccessLevel: melcloud.AccessLevelOwner,
		Device:      melcloud.DeviceAttribute{DeviceType: deviceType},
	}
}

func ataState(id int) melcloud.State {
	return melcloud.State{
		"DeviceID":          float64(id),
		"DeviceType":        0.0,
		"Power":             true,
		"SetTemperature":    21.0,
		"RoomTemperature":   20.5,
		"OperationMode":     1.0,
		"EffectiveFlags":    0.0,
		"LastCommunication": "2024-05-01T11:58:30",
		"HasError":          false,
	}
}

func newTestHub(t *testing.T, cloud *fakeCloud, sinks ...Sink) *Hub {
	t.Helper()
	sess := session.New(cloud, session.WithClock(&tickClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}))
	return New(sess, cloud,
		WithSinks(sinks...),
		WithDeviceOptions(device.WithSetDebounce(10*time.Millisecond)),
	)
}

func TestDiscoverGroupsByKind(t *testing.T) {
	cloud := &fakeCloud{devices: []melcloud.DeviceConf{
		confOf(1, melcloud.DeviceTypeATA, "living"),
		confOf(2, melcloud.DeviceTypeATA, "bedroom"),
		confOf(3, melcloud.DeviceTypeATW, "boiler"),
		confOf(4, 99, "mystery"),
	}}
	sess := session.New(cloud)

	groups, err := Discover(context.Background(), sess, cloud)
	require.NoError(t, err)
	assert.Len(t, groups["ata"], 2)
	assert.Len(t, groups["atw"], 1)
	assert.Len(t, groups, 2, "unsupported types are skipped")
}

func TestPollUpdatesAndPublishes(t *testing.T) {
	cloud := &fakeCloud{
		devices: []melcloud.DeviceConf{confOf(1, melcloud.DeviceTypeATA, "living")},
		states:  map[int]melcloud.State{1: ataState(1)},
	}
	sink := &recordingSink{}
	h := newTestHub(t, cloud, sink)

	require.NoError(t, h.Poll(context.Background()))
	require.Equal(t, 1, sink.count())

	snap, err := h.Snapshot(1)
	require.NoError(t, err)
	assert.Equal(t, "living", snap.Name)
	assert.Equal(t, "ata", snap.Kind)
	require.NotNil(t, snap.Power)
	assert.True(t, *snap.Power)
	assert.Equal(t, 21.0, snap.Properties[device.PropertyTargetTemperature])
	require.NotNil(t, snap.DailyEnergy)
	assert.Equal(t, 1.5, *snap.DailyEnergy)
	assert.False(t, snap.UpdatedAt.IsZero())

	at, pollErr := h.LastPoll()
	assert.False(t, at.IsZero())
	assert.NoError(t, pollErr)
}

func TestPollTracksListingChanges(t *testing.T) {
	cloud := &fakeCloud{
		devices: []melcloud.DeviceConf{confOf(1, melcloud.DeviceTypeATA, "living")},
		states:  map[int]melcloud.State{1: ataState(1), 2: ataState(2)},
	}
	sink := &recordingSink{}
	h := newTestHub(t, cloud, sink)
	ctx := context.Background()

	require.NoError(t, h.Poll(ctx))
	assert.Len(t, h.Devices(), 1)

	cloud.setDevices(confOf(2, melcloud.DeviceTypeATA, "office"))
	err := h.Poll(ctx)
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
	assert.Len(t, h.Devices(), 2)

	snap, err := h.Snapshot(1)
	require.NoError(t, err)
	assert.True(t, snap.Removed)
	assert.Equal(t, "living", snap.Name)
	require.NotNil(t, snap.Power)
	assert.True(t, *snap.Power)

	sink.mu.Lock()
	removedPublished := slices.ContainsFunc(sink.snaps, func(s Snapshot) bool { return s.DeviceID == 1 && s.Removed })
	sink.mu.Unlock()
	assert.True(t, removedPublished)

	_, err = h.Set(ctx, 1, map[string]any{device.PropertyPower: false})
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
	_, err = h.Queue(1, map[string]any{device.PropertyPower: false})
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)

	require.NoError(t, h.Poll(ctx), "removed devices are not polled")

	cloud.setDevices(confOf(1, melcloud.DeviceTypeATA, "living"), confOf(2, melcloud.DeviceTypeATA, "office"))
	require.NoError(t, h.Poll(ctx))
	snap, err = h.Snapshot(1)
	require.NoError(t, err)
	assert.False(t, snap.Removed)
}

func TestPollKeepsGoingOnDeviceError(t *testing.T) {
	cloud := &fakeCloud{
		devices: []melcloud.DeviceConf{
			confOf(1, melcloud.DeviceTypeATA, "living"),
			confOf(2, melcloud.DeviceTypeATA, "broken"),
		},
		states: map[int]melcloud.State{1: ataState(1)},
	}
	sink := &recordingSink{}
	h := newTestHub(t, cloud, sink)

	err := h.Poll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, sink.count())
	assert.Len(t, h.Devices(), 2)
}

func TestSetPushesAndPublishes(t *testing.T) {
	cloud := &fakeCloud{
		devices: []melcloud.DeviceConf{confOf(1, melcloud.DeviceTypeATA, "living")},
		states:  map[int]melcloud.State{1: ataState(1)},
	}
	sink := &recordingSink{}
	h := newTestHub(t, cloud, sink)
	ctx := context.Background()
	require.NoError(t, h.Poll(ctx))

	snap, err := h.Set(ctx, 1, map[string]any{device.PropertyTargetTemperature: 23.0})
	require.NoError(t, err)
	assert.Equal(t, 23.0, snap.Properties[device.PropertyTargetTemperature])
	assert.Equal(t, 2, sink.count())

	cloud.mu.Lock()
	defer cloud.mu.Unlock()
	require.Len(t, cloud.pushes, 1)
	assert.Equal(t, 23.0, cloud.pushes[0]["SetTemperature"])
}

func TestSetRejectsInvalidAndUnknown(t *testing.T) {
	cloud := &fakeCloud{
		devices: []melcloud.DeviceConf{confOf(1, melcloud.DeviceTypeATA, "living")},
		states:  map[int]melcloud.State{1: ataState(1)},
	}
	h := newTestHub(t, cloud)
	ctx := context.Background()
	require.NoError(t, h.Poll(ctx))

	_, err := h.Set(ctx, 1, map[string]any{"bogus": 1})
	var verr *device.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = h.Set(ctx, 42, map[string]any{device.PropertyPower: true})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = h.Update(ctx, 42)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestQueuePublishesOncePerCycle(t *testing.T) {
	cloud := &fakeCloud{
		devices: []melcloud.DeviceConf{confOf(1, melcloud.DeviceTypeATA, "living")},
		states:  map[int]melcloud.State{1: ataState(1)},
	}
	sink := &recordingSink{}
	h := newTestHub(t, cloud, sink)
	ctx := context.Background()
	require.NoError(t, h.Poll(ctx))
	require.Equal(t, 1, sink.count())

	first, err := h.Queue(1, map[string]any{device.PropertyTargetTemperature: 23.0})
	require.NoError(t, err)
	second, err := h.Queue(1, map[string]any{device.PropertyPower: false})
	require.NoError(t, err)
	assert.Same(t, first, second)
	require.NoError(t, first.Wait(ctx))

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return sink.count() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	cloud.mu.Lock()
	require.Len(t, cloud.pushes, 1)
	assert.Equal(t, 23.0, cloud.pushes[0]["SetTemperature"])
	assert.Equal(t, false, cloud.pushes[0]["Power"])
	cloud.mu.Unlock()

	_, err = h.Queue(1, map[string]any{"bogus": 1})
	var verr *device.ValidationError
	assert.ErrorAs(t, err, &verr)
	_, err = h.Queue(42, map[string]any{device.PropertyPower: true})
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestRunStopsOnCancel(t *testing.T) {
	cloud := &fakeCloud{
		devices: []melcloud.DeviceConf{confOf(1, melcloud.DeviceTypeATA, "living")},
		states:  map[int]melcloud.State{1: ataState(1)},
	}
	h := newTestHub(t, cloud)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool {
		at, _ := h.LastPoll()
		return !at.IsZero()
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMetricsCollectorExportsSnapshots(t *testing.T) {
	cloud := &fakeCloud{
		devices: []melcloud.DeviceConf{confOf(1, melcloud.DeviceTypeATA, "living")},
		states:  map[int]melcloud.State{1: ataState(1)},
	}
	h := newTestHub(t, cloud)
	require.NoError(t, h.Poll(context.Background()))

	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(NewMetricsCollector(h))
	families, err := registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			name := family.GetName()
			for _, label := range metric.GetLabel() {
				if label.GetName() == "property" {
					name += "/" + label.GetValue()
				}
			}
			values[name] = metric.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, values["melsync_devices"])
	assert.Equal(t, 1.0, values["melsync_device_power_bool"])
	assert.Equal(t, 21.0, values["melsync_device_property/target_temperature"])
	assert.Equal(t, 1.5, values["melsync_device_daily_energy_kwh"])
	assert.Equal(t, 1.0, values["melsync_poll_success"])
}
