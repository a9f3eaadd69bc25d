package main

import (
	"context"
	"flag"
	"os"

	"github.com/joshp123/melsync/internal/server"
)

func devicesCmd(ctx context.Context, client *server.DeviceClient, args []string) {
	flags := flag.NewFlagSet("devices", flag.ExitOnError)
	jsonOut := flags.Bool("json", false, "output JSON")
	_ = flags.Parse(args)
	out := outputMode{json: *jsonOut}

	devices, err := client.ListDevices(ctx)
	if err != nil {
		fatal("list devices", err)
	}
	if out.json {
		out.printJSON(devices)
		return
	}
	rows := [][]string{{"ID", "NAME", "KIND", "POWER", "LAST SEEN"}}
	for _, dev := range devices {
		rows = append(rows, []string{
			formatValue(dev["device_id"]),
			formatValue(dev["name"]),
			formatValue(dev["kind"]),
			formatValue(dev["power"]),
			formatValue(dev["last_seen"]),
		})
	}
	out.table(rows)
}

func getCmd(ctx context.Context, client *server.DeviceClient, args []string) {
	out, rest := parseDeviceFlags("get", args)
	id := deviceArg(ctx, client, rest)
	dev, err := client.GetDevice(ctx, id)
	if err != nil {
		fatal("get device", err)
	}
	out.device(dev)
}

func updateCmd(ctx context.Context, client *server.DeviceClient, args []string) {
	out, rest := parseDeviceFlags("update", args)
	id := deviceArg(ctx, client, rest)
	dev, err := client.UpdateDevice(ctx, id)
	if err != nil {
		fatal("update device", err)
	}
	out.device(dev)
}

func setCmd(ctx context.Context, client *server.DeviceClient, args []string) {
	out, rest := parseDeviceFlags("set", args)
	id := deviceArg(ctx, client, rest)
	props, err := parseAssignments(rest[1:])
	if err != nil {
		fatal("set", err)
	}
	dev, err := client.SetDevice(ctx, id, props)
	if err != nil {
		fatal("set device", err)
	}
	out.device(dev)
}

func parseDeviceFlags(name string, args []string) (outputMode, []string) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	jsonOut := flags.Bool("json", false, "output JSON")
	_ = flags.Parse(args)
	return outputMode{json: *jsonOut}, flags.Args()
}

func deviceArg(ctx context.Context, client *server.DeviceClient, args []string) int {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	devices, err := client.ListDevices(ctx)
	if err != nil {
		fatal("list devices", err)
	}
	id, err := resolveDevice(args[0], devices)
	if err != nil {
		fatal("resolve device", err)
	}
	return id
}
