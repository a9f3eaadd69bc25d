package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
)

type outputMode struct {
	json bool
}

func (o outputMode) printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal("format json", err)
	}
	fmt.Println(string(data))
}

func (o outputMode) table(rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, row := range rows {
		fmt.Fprintln(w, joinRow(row))
	}
	_ = w.Flush()
}

// device prints one device as JSON or as a key/value listing with its
// properties sorted by name.
func (o outputMode) device(dev map[string]any) {
	if o.json {
		o.printJSON(dev)
		return
	}
	rows := [][]string{
		{"id", formatValue(dev["device_id"])},
		{"name", formatValue(dev["name"])},
		{"kind", formatValue(dev["kind"])},
		{"power", formatValue(dev["power"])},
		{"last_seen", formatValue(dev["last_seen"])},
		{"daily_energy_kwh", formatValue(dev["daily_energy_kwh"])},
		{"has_error", formatValue(dev["has_error"])},
	}
	props, _ := dev["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rows = append(rows, []string{"  " + key, formatValue(props[key])})
	}
	o.table(rows)
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		if v == "" {
			return "-"
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}

func joinRow(row []string) string {
	if len(row) == 0 {
		return ""
	}
	out := row[0]
	for i := 1; i < len(row); i++ {
		out += "\t" + row[i]
	}
	return out
}
