package device

import (
	"fmt"
	"strconv"

	"github.com/joshp123/melsync/internal/melcloud"
)

// Air-to-air properties.
const (
	PropertyTargetTemperature = "target_temperature"
	PropertyOperationMode     = "operation_mode"
	PropertyFanSpeed          = "fan_speed"
	PropertyVaneHorizontal    = "vane_horizontal"
	PropertyVaneVertical      = "vane_vertical"
)

const (
	ataFlagOperationMode     uint64 = 0x02
	ataFlagTargetTemperature uint64 = 0x04
	ataFlagFanSpeed          uint64 = 0x08
	ataFlagVaneVertical      uint64 = 0x10
	ataFlagVaneHorizontal    uint64 = 0x100

	ataDefaultFanSpeeds = 5
)

const (
	ataModeHeat     = 1
	ataModeDry      = 2
	ataModeCool     = 3
	ataModeFanOnly  = 7
	ataModeHeatCool = 8
)

var ataOperationModes = map[string]int{
	"heat":      ataModeHeat,
	"dry":       ataModeDry,
	"cool":      ataModeCool,
	"fan_only":  ataModeFanOnly,
	"heat_cool": ataModeHeatCool,
}

var ataVaneHorizontal = map[string]int{
	"auto": 0, "1": 1, "2": 2, "3": 3, "4": 4, "5": 5, "split": 8, "swing": 12,
}

var ataVaneVertical = map[string]int{
	"auto": 0, "1": 1, "2": 2, "3": 3, "4": 4, "5": 5, "swing": 7,
}

type ata struct{}

func (ata) Name() string { return "ata" }

func (ata) ApplyWrite(conf melcloud.DeviceConf, state melcloud.State, key string, value any) error {
	switch key {
	case PropertyTargetTemperature:
		temp, err := toFloat(value)
		if err != nil {
			return err
		}
		temp = RoundTemperature(temp, conf.TemperatureIncrement())
		minimum, maximum := ataTemperatureRange(conf, state)
		if err := checkRange(temp, minimum, maximum); err != nil {
			return err
		}
		state["SetTemperature"] = temp
		addFlags(state, ataFlagTargetTemperature)
	case PropertyOperationMode:
		mode, err := lookupName(ataOperationModes, value)
		if err != nil {
			return err
		}
		state["OperationMode"] = float64(mode)
		addFlags(state, ataFlagOperationMode)
	case PropertyFanSpeed:
		speed, err := lookupName(ataFanSpeeds(conf), value)
		if err != nil {
			return err
		}
		state["SetFanSpeed"] = float64(speed)
		addFlags(state, ataFlagFanSpeed)
	case PropertyVaneHorizontal:
		pos, err := lookupName(ataVaneHorizontal, value)
		if err != nil {
			return err
		}
		state["VaneHorizontal"] = float64(pos)
		addFlags(state, ataFlagVaneHorizontal)
	case PropertyVaneVertical:
		pos, err := lookupName(ataVaneVertical, value)
		if err != nil {
			return err
		}
		state["VaneVertical"] = float64(pos)
		addFlags(state, ataFlagVaneVertical)
	default:
		return fmt.Errorf("unsupported property %q", key)
	}
	return nil
}

func (ata) Properties(conf melcloud.DeviceConf, state melcloud.State) map[string]any {
	out := make(map[string]any)
	copyBool(out, state, keyPower, PropertyPower)
	copyFloat(out, state, "RoomTemperature", "room_temperature")
	copyFloat(out, state, "SetTemperature", PropertyTargetTemperature)
	copyName(out, state, "OperationMode", PropertyOperationMode, ataOperationModes)
	copyName(out, state, "SetFanSpeed", PropertyFanSpeed, ataFanSpeeds(conf))
	copyName(out, state, "ActualFanSpeed", "actual_fan_speed", ataFanSpeeds(conf))
	copyName(out, state, "VaneHorizontal", PropertyVaneHorizontal, ataVaneHorizontal)
	copyName(out, state, "VaneVertical", PropertyVaneVertical, ataVaneVertical)
	return out
}

func ataFanSpeeds(conf melcloud.DeviceConf) map[string]int {
	n := conf.Device.NumberOfFanSpeeds
	if n <= 0 {
		n = ataDefaultFanSpeeds
	}
	speeds := map[string]int{"auto": 0}
	for i := 1; i <= n; i++ {
		speeds[strconv.Itoa(i)] = i
	}
	return speeds
}

// ataTemperatureRange picks the setpoint limits of the operation mode the
// state is in. Zero limits mean the listing did not report them.
func ataTemperatureRange(conf melcloud.DeviceConf, state melcloud.State) (float64, float64) {
	attrs := conf.Device
	mode, _ := state.Int("OperationMode")
	switch mode {
	case ataModeHeat:
		return attrs.MinTempHeat, attrs.MaxTempHeat
	case ataModeCool, ataModeDry:
		return attrs.MinTempCoolDry, attrs.MaxTempCoolDry
	case ataModeHeatCool:
		return attrs.MinTempAutomatic, attrs.MaxTempAutomatic
	default:
		return 0, 0
	}
}
