package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer(" ", "_", "-", "_", "__", "_")
	name = replacer.Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// resolveDevice accepts a numeric id or a device name from the listing.
func resolveDevice(input string, devices []map[string]any) (int, error) {
	if id, err := strconv.Atoi(strings.TrimSpace(input)); err == nil {
		return id, nil
	}
	options := make(map[string]int, len(devices))
	for _, dev := range devices {
		name, _ := dev["name"].(string)
		id, _ := dev["device_id"].(float64)
		if name != "" && id > 0 {
			options[name] = int(id)
		}
	}
	return resolveNamedID("device", input, options)
}

func resolveNamedID(kind, input string, options map[string]int) (int, error) {
	needle := normalizeName(input)
	for label, id := range options {
		if normalizeName(label) == needle {
			return id, nil
		}
	}
	available := make([]string, 0, len(options))
	for label := range options {
		available = append(available, label)
	}
	sort.Strings(available)
	return 0, fmt.Errorf("%s %q not found. Available: %s", kind, input, strings.Join(available, ", "))
}

// parseAssignments turns key=value arguments into properties. Values are
// parsed as bool, then number, and otherwise kept as strings.
func parseAssignments(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no properties given")
	}
	props := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want key=value", arg)
		}
		props[key] = parseValue(strings.TrimSpace(raw))
	}
	return props, nil
}

func parseValue(raw string) any {
	switch strings.ToLower(raw) {
	case "true", "on":
		return true
	case "false", "off":
		return false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
