package device

import (
	"fmt"
	"strconv"

	"github.com/joshp123/melsync/internal/melcloud"
)

const PropertyVentilationMode = "ventilation_mode"

const (
	ervFlagVentilationMode uint64 = 0x04
	ervFlagFanSpeed        uint64 = 0x08

	ervDefaultFanSpeeds = 4
)

var ervVentilationModes = map[string]int{
	"recovery": 0,
	"bypass":   1,
	"auto":     2,
}

type erv struct{}

func (erv) Name() string { return "erv" }

func (erv) ApplyWrite(conf melcloud.DeviceConf, state melcloud.State, key string, value any) error {
	switch key {
	case PropertyVentilationMode:
		mode, err := lookupName(ervVentilationModes, value)
		if err != nil {
			return err
		}
		state["VentilationMode"] = float64(mode)
		addFlags(state, ervFlagVentilationMode)
	case PropertyFanSpeed:
		speed, err := lookupName(ervFanSpeeds(conf), value)
		if err != nil {
			return err
		}
		state["SetFanSpeed"] = float64(speed)
		addFlags(state, ervFlagFanSpeed)
	default:
		return fmt.Errorf("unsupported property %q", key)
	}
	return nil
}

func (erv) Properties(conf melcloud.DeviceConf, state melcloud.State) map[string]any {
	out := make(map[string]any)
	copyBool(out, state, keyPower, PropertyPower)
	copyFloat(out, state, "RoomTemperature", "room_temperature")
	copyFloat(out, state, "OutdoorTemperature", "outside_temperature")
	copyName(out, state, "VentilationMode", PropertyVentilationMode, ervVentilationModes)
	copyName(out, state, "SetFanSpeed", PropertyFanSpeed, ervFanSpeeds(conf))
	return out
}

func ervFanSpeeds(conf melcloud.DeviceConf) map[string]int {
	n := conf.Device.NumberOfFanSpeeds
	if n <= 0 {
		n = ervDefaultFanSpeeds
	}
	speeds := make(map[string]int, n)
	for i := 1; i <= n; i++ {
		speeds[strconv.Itoa(i)] = i
	}
	return speeds
}
