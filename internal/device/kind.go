package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/joshp123/melsync/internal/melcloud"
)

// PropertyPower is handled by the coalescer for every kind.
const PropertyPower = "power"

const (
	keyPower             = "Power"
	keyEffectiveFlags    = "EffectiveFlags"
	keyHasPendingCommand = "HasPendingCommand"

	flagPower uint64 = 0x01
)

// Kind holds the device-type specific rules. ApplyWrite validates value and
// writes it into state, raising the effective flag bits of the field it
// touches. It is also used on scratch copies for validation, so it must not
// keep references to state.
type Kind interface {
	Name() string
	ApplyWrite(conf melcloud.DeviceConf, state melcloud.State, key string, value any) error
	Properties(conf melcloud.DeviceConf, state melcloud.State) map[string]any
}

// KindFor returns the rules for a DeviceType tag.
func KindFor(deviceType int) (Kind, error) {
	switch deviceType {
	case melcloud.DeviceTypeATA:
		return ata{}, nil
	case melcloud.DeviceTypeATW:
		return atw{}, nil
	case melcloud.DeviceTypeERV:
		return erv{}, nil
	default:
		return nil, fmt.Errorf("unsupported device type %d", deviceType)
	}
}

// RoundTemperature rounds half-up to the nearest multiple of increment.
func RoundTemperature(value, increment float64) float64 {
	if increment <= 0 {
		increment = 0.5
	}
	steps := value / increment
	// Absorb binary noise such as 48.4999999999 before rounding half-up.
	steps = math.Round(steps*1e9) / 1e9
	return math.Floor(steps+0.5) * increment
}

func addFlags(state melcloud.State, flags uint64) {
	state[keyEffectiveFlags] = float64(effectiveFlags(state) | flags)
}

func effectiveFlags(state melcloud.State) uint64 {
	v, ok := state.Float(keyEffectiveFlags)
	if !ok || v < 0 {
		return 0
	}
	return uint64(v)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %v", value)
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("not a boolean: %q", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("not a boolean: %v", value)
	}
}

// toName accepts strings and whole numbers, so "3" and 3 both select fan
// speed 3.
func toName(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v)), nil
	case float64:
		if v != math.Trunc(v) {
			return "", fmt.Errorf("not a whole number: %v", v)
		}
		return strconv.Itoa(int(v)), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("unsupported value %v", value)
	}
}

func lookupName(table map[string]int, value any) (int, error) {
	name, err := toName(value)
	if err != nil {
		return 0, err
	}
	code, ok := table[name]
	if !ok {
		return 0, fmt.Errorf("unknown value %q", name)
	}
	return code, nil
}

func reverseLookup(table map[string]int, code int) (string, bool) {
	for name, c := range table {
		if c == code {
			return name, true
		}
	}
	return "", false
}

func checkRange(value, minimum, maximum float64) error {
	if minimum > 0 && value < minimum {
		return fmt.Errorf("%v is below minimum %v", value, minimum)
	}
	if maximum > 0 && value > maximum {
		return fmt.Errorf("%v is above maximum %v", value, maximum)
	}
	return nil
}

func copyFloat(out map[string]any, state melcloud.State, key, name string) {
	if v, ok := state.Float(key); ok {
		out[name] = v
	}
}

func copyBool(out map[string]any, state melcloud.State, key, name string) {
	if v, ok := state.Bool(key); ok {
		out[name] = v
	}
}

func copyName(out map[string]any, state melcloud.State, key, name string, table map[string]int) {
	code, ok := state.Int(key)
	if !ok {
		return
	}
	if label, ok := reverseLookup(table, code); ok {
		out[name] = label
	}
}
