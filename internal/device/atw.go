package device

import (
	"fmt"

	"github.com/joshp123/melsync/internal/melcloud"
)

// Air-to-water properties.
const (
	PropertyTargetTankTemperature          = "target_tank_temperature"
	PropertyZone1TargetTemperature         = "zone_1_target_temperature"
	PropertyZone2TargetTemperature         = "zone_2_target_temperature"
	PropertyZone1TargetHeatFlowTemperature = "zone_1_target_heat_flow_temperature"
	PropertyZone2TargetHeatFlowTemperature = "zone_2_target_heat_flow_temperature"
	PropertyZone1OperationMode             = "zone_1_operation_mode"
	PropertyZone2OperationMode             = "zone_2_operation_mode"
)

const (
	atwFlagForcedHotWater      uint64 = 0x10000
	atwFlagTankTemperature     uint64 = 0x1000000000020
	atwFlagZone1Temperature    uint64 = 0x200000080
	atwFlagZone2Temperature    uint64 = 0x800000200
	atwFlagHeatFlowTemperature uint64 = 0x1000000000000
	atwFlagZone1OperationMode  uint64 = 0x08
	atwFlagZone2OperationMode  uint64 = 0x10
)

const (
	atwMinTankTemperature        = 30.0
	atwDefaultMaxTankTemperature = 60.0
	atwMinFlowTemperature        = 25.0
	atwMaxFlowTemperature        = 60.0
	atwMinZoneTemperature        = 10.0
	atwMaxZoneTemperature        = 30.0
)

var atwOperationModes = map[string]int{
	"auto":            0,
	"force_hot_water": 1,
}

var atwZoneOperationModes = map[string]int{
	"heat_thermostat": 0,
	"heat_flow":       1,
	"curve":           2,
	"cool_thermostat": 3,
	"cool_flow":       4,
}

type atw struct{}

func (atw) Name() string { return "atw" }

func (atw) ApplyWrite(conf melcloud.DeviceConf, state melcloud.State, key string, value any) error {
	switch key {
	case PropertyTargetTankTemperature:
		maximum := conf.Device.MaxTankTemperature
		if maximum <= 0 {
			maximum = atwDefaultMaxTankTemperature
		}
		return setTemperature(conf, state, "SetTankWaterTemperature", value, atwMinTankTemperature, maximum, atwFlagTankTemperature)
	case PropertyOperationMode:
		mode, err := lookupName(atwOperationModes, value)
		if err != nil {
			return err
		}
		state["ForcedHotWaterMode"] = mode == atwOperationModes["force_hot_water"]
		addFlags(state, atwFlagForcedHotWater)
	case PropertyZone1TargetTemperature:
		return setTemperature(conf, state, "SetTemperatureZone1", value, atwMinZoneTemperature, atwMaxZoneTemperature, atwFlagZone1Temperature)
	case PropertyZone2TargetTemperature:
		if !conf.Device.HasZone2 {
			return fmt.Errorf("device has no zone 2")
		}
		return setTemperature(conf, state, "SetTemperatureZone2", value, atwMinZoneTemperature, atwMaxZoneTemperature, atwFlagZone2Temperature)
	case PropertyZone1TargetHeatFlowTemperature:
		return setTemperature(conf, state, "SetHeatFlowTemperatureZone1", value, atwMinFlowTemperature, atwMaxFlowTemperature, atwFlagHeatFlowTemperature)
	case PropertyZone2TargetHeatFlowTemperature:
		if !conf.Device.HasZone2 {
			return fmt.Errorf("device has no zone 2")
		}
		return setTemperature(conf, state, "SetHeatFlowTemperatureZone2", value, atwMinFlowTemperature, atwMaxFlowTemperature, atwFlagHeatFlowTemperature)
	case PropertyZone1OperationMode:
		mode, err := lookupName(atwZoneOperationModes, value)
		if err != nil {
			return err
		}
		state["OperationModeZone1"] = float64(mode)
		addFlags(state, atwFlagZone1OperationMode)
	case PropertyZone2OperationMode:
		if !conf.Device.HasZone2 {
			return fmt.Errorf("device has no zone 2")
		}
		mode, err := lookupName(atwZoneOperationModes, value)
		if err != nil {
			return err
		}
		state["OperationModeZone2"] = float64(mode)
		addFlags(state, atwFlagZone2OperationMode)
	default:
		return fmt.Errorf("unsupported property %q", key)
	}
	return nil
}

func (atw) Properties(conf melcloud.DeviceConf, state melcloud.State) map[string]any {
	out := make(map[string]any)
	copyBool(out, state, keyPower, PropertyPower)
	copyFloat(out, state, "TankWaterTemperature", "tank_temperature")
	copyFloat(out, state, "SetTankWaterTemperature", PropertyTargetTankTemperature)
	copyFloat(out, state, "OutdoorTemperature", "outside_temperature")
	copyFloat(out, state, "RoomTemperatureZone1", "zone_1_room_temperature")
	copyFloat(out, state, "SetTemperatureZone1", PropertyZone1TargetTemperature)
	copyFloat(out, state, "SetHeatFlowTemperatureZone1", PropertyZone1TargetHeatFlowTemperature)
	copyName(out, state, "OperationModeZone1", PropertyZone1OperationMode, atwZoneOperationModes)
	if forced, ok := state.Bool("ForcedHotWaterMode"); ok {
		if forced {
			out[PropertyOperationMode] = "force_hot_water"
		} else {
			out[PropertyOperationMode] = "auto"
		}
	}
	if conf.Device.HasZone2 {
		copyFloat(out, state, "RoomTemperatureZone2", "zone_2_room_temperature")
		copyFloat(out, state, "SetTemperatureZone2", PropertyZone2TargetTemperature)
		copyFloat(out, state, "SetHeatFlowTemperatureZone2", PropertyZone2TargetHeatFlowTemperature)
		copyName(out, state, "OperationModeZone2", PropertyZone2OperationMode, atwZoneOperationModes)
	}
	return out
}

func setTemperature(conf melcloud.DeviceConf, state melcloud.State, field string, value any, minimum, maximum float64, flags uint64) error {
	temp, err := toFloat(value)
	if err != nil {
		return err
	}
	temp = RoundTemperature(temp, conf.TemperatureIncrement())
	if err := checkRange(temp, minimum, maximum); err != nil {
		return err
	}
	state[field] = temp
	addFlags(state, flags)
	return nil
}
