package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "living_room", normalizeName("  Living Room "))
	assert.Equal(t, "living_room", normalizeName("living--room"))
}

func TestResolveDevice(t *testing.T) {
	devices := []map[string]any{
		{"device_id": 10.0, "name": "Living Room"},
		{"device_id": 11.0, "name": "Bedroom"},
	}

	id, err := resolveDevice("11", devices)
	require.NoError(t, err)
	assert.Equal(t, 11, id)

	id, err = resolveDevice("living-room", devices)
	require.NoError(t, err)
	assert.Equal(t, 10, id)

	_, err = resolveDevice("kitchen", devices)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Available: Bedroom, Living Room")
}

func TestParseAssignments(t *testing.T) {
	props, err := parseAssignments([]string{"power=on", "target_temperature=21.5", "operation_mode=heat"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"power":              true,
		"target_temperature": 21.5,
		"operation_mode":     "heat",
	}, props)

	_, err = parseAssignments(nil)
	assert.Error(t, err)
	_, err = parseAssignments([]string{"power"})
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=1"})
	assert.Error(t, err)
}
