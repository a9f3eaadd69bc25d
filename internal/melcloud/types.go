package melcloud

import "maps"

// Device type tags as reported in DeviceConf.Device.DeviceType and in the
// DeviceType field of a state payload.
const (
	DeviceTypeATA = 0
	DeviceTypeATW = 1
	DeviceTypeERV = 3
)

// Access levels reported per device in the listing.
const (
	AccessLevelGuest = 3
	AccessLevelOwner = 4
)

const defaultTemperatureIncrement = 0.5

// Account is the opaque user-details record returned by GetUserDetails.
type Account map[string]any

// UseFahrenheit reports the account display-unit preference.
func (a Account) UseFahrenheit() bool {
	v, _ := a["UseFahrenheit"].(bool)
	return v
}

// State is a full device state payload as returned by Device/Get and accepted
// by the Set* endpoints.
type State map[string]any

// Clone returns a shallow copy. Values are JSON scalars so a shallow copy is
// enough to keep the original intact when the copy is written to.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	return maps.Clone(s)
}

// Int returns a numeric field as int.
func (s State) Int(key string) (int, bool) {
	switch v := s[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// Float returns a numeric field as float64.
func (s State) Float(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool returns a boolean field.
func (s State) Bool(key string) (bool, bool) {
	v, ok := s[key].(bool)
	return v, ok
}

// EnergyReport is the EnergyCost/Report payload. Each mode key holds a list
// of per-day buckets, oldest first.
type EnergyReport map[string]any

// ListingEntry is one building in the User/ListDevices response.
type ListingEntry struct {
	ID        int       `json:"ID"`
	Name      string    `json:"Name"`
	Structure Structure `json:"Structure"`
}

// Structure is the device tree of one building.
type Structure struct {
	Devices []DeviceConf `json:"Devices"`
	Areas   []Area       `json:"Areas"`
	Floors  []Floor      `json:"Floors"`
}

type Area struct {
	ID      int          `json:"ID"`
	Name    string       `json:"Name"`
	Devices []DeviceConf `json:"Devices"`
}

type Floor struct {
	ID      int          `json:"ID"`
	Name    string       `json:"Name"`
	Devices []DeviceConf `json:"Devices"`
	Areas   []Area       `json:"Areas"`
}

// DeviceConf is the configuration record of a single device in the listing.
type DeviceConf struct {
	DeviceID     int             `json:"DeviceID"`
	BuildingID   int             `json:"BuildingID"`
	DeviceName   string          `json:"DeviceName"`
	MacAddress   string          `json:"MacAddress"`
	SerialNumber string          `json:"SerialNumber"`
	AccessLevel  int             `json:"AccessLevel"`
	Device       DeviceAttribute `json:"Device"`
}

// DeviceAttribute holds the static attributes nested under "Device".
type DeviceAttribute struct {
	DeviceType             int      `json:"DeviceType"`
	TemperatureIncrement   *float64 `json:"TemperatureIncrement"`
	WifiSignalStrength     *float64 `json:"WifiSignalStrength"`
	NumberOfFanSpeeds      int      `json:"NumberOfFanSpeeds"`
	HasEnergyConsumedMeter bool     `json:"HasEnergyConsumedMeter"`
	MinTempHeat            float64  `json:"MinTempHeat"`
	MaxTempHeat            float64  `json:"MaxTempHeat"`
	MinTempCoolDry         float64  `json:"MinTempCoolDry"`
	MaxTempCoolDry         float64  `json:"MaxTempCoolDry"`
	MinTempAutomatic       float64  `json:"MinTempAutomatic"`
	MaxTempAutomatic       float64  `json:"MaxTempAutomatic"`
	MaxTankTemperature     float64  `json:"MaxTankTemperature"`
	HasZone2               bool     `json:"HasZone2"`
}

// TemperatureIncrement returns the setpoint step, 0.5 when unset.
func (c DeviceConf) TemperatureIncrement() float64 {
	if c.Device.TemperatureIncrement == nil || *c.Device.TemperatureIncrement <= 0 {
		return defaultTemperatureIncrement
	}
	return *c.Device.TemperatureIncrement
}

// Unit is hardware metadata of an indoor or outdoor unit.
type Unit struct {
	ModelNumber  any    `json:"ModelNumber"`
	Model        string `json:"Model"`
	SerialNumber string `json:"SerialNumber"`
}

type loginResponse struct {
	ErrorID   *int       `json:"ErrorId"`
	LoginData *loginData `json:"LoginData"`
}

type loginData struct {
	ContextKey    string `json:"ContextKey"`
	Expiry        string `json:"Expiry"`
	UseFahrenheit bool   `json:"UseFahrenheit"`
}
