package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// DeviceClient calls melsync.v1.DeviceService over an existing connection.
type DeviceClient struct {
	conn grpc.ClientConnInterface
}

func NewDeviceClient(conn grpc.ClientConnInterface) *DeviceClient {
	return &DeviceClient{conn: conn}
}

func (c *DeviceClient) ListDevices(ctx context.Context) ([]map[string]any, error) {
	out, err := c.invoke(ctx, "ListDevices", map[string]any{})
	if err != nil {
		return nil, err
	}
	raw, _ := out["devices"].([]any)
	devices := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			devices = append(devices, m)
		}
	}
	return devices, nil
}

func (c *DeviceClient) GetDevice(ctx context.Context, id int) (map[string]any, error) {
	return c.invoke(ctx, "GetDevice", map[string]any{"device_id": id})
}

func (c *DeviceClient) UpdateDevice(ctx context.Context, id int) (map[string]any, error) {
	return c.invoke(ctx, "UpdateDevice", map[string]any{"device_id": id})
}

func (c *DeviceClient) SetDevice(ctx context.Context, id int, props map[string]any) (map[string]any, error) {
	return c.invoke(ctx, "SetDevice", map[string]any{"device_id": id, "properties": props})
}

func (c *DeviceClient) invoke(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+DeviceServiceName+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}
