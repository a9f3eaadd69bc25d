package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/melsync/internal/device"
	"github.com/joshp123/melsync/internal/hub"
	"github.com/joshp123/melsync/internal/melcloud"
	"github.com/joshp123/melsync/internal/rate"
)

// Hub is the device registry behind the gRPC service.
type Hub interface {
	Snapshots() []hub.Snapshot
	Snapshot(id int) (hub.Snapshot, error)
	Update(ctx context.Context, id int) (hub.Snapshot, error)
	Set(ctx context.Context, id int, props map[string]any) (hub.Snapshot, error)
	Units(id int) ([]melcloud.Unit, bool, error)
}

// DeviceServer is the server API for melsync.v1.DeviceService.
//
// Requests carry "device_id" and, for SetDevice, a "properties" object.
type DeviceServer interface {
	ListDevices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// DeviceService implements DeviceServer over a Hub.
type DeviceService struct {
	hub Hub
}

func NewDeviceService(h Hub) *DeviceService {
	return &DeviceService{hub: h}
}

// RegisterDeviceService registers the descriptor and the service.
func RegisterDeviceService(s *grpc.Server, srv DeviceServer) error {
	if err := RegisterDescriptor(); err != nil {
		return err
	}
	s.RegisterService(&deviceServiceDesc, srv)
	return nil
}

func (s *DeviceService) ListDevices(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snaps := s.hub.Snapshots()
	devices := make([]any, 0, len(snaps))
	for _, snap := range snaps {
		devices = append(devices, snapshotFields(snap))
	}
	out, err := structpb.NewStruct(map[string]any{"devices": devices})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode devices: %v", err)
	}
	return out, nil
}

func (s *DeviceService) GetDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := deviceID(req)
	if err != nil {
		return nil, err
	}
	snap, err := s.hub.Snapshot(id)
	if err != nil {
		return nil, toStatus(err)
	}
	fields := snapshotFields(snap)
	if units, ok, err := s.hub.Units(id); err == nil && ok {
		list := make([]any, 0, len(units))
		for _, u := range units {
			list = append(list, map[string]any{
				"model":         u.Model,
				"model_number":  fmt.Sprint(u.ModelNumber),
				"serial_number": u.SerialNumber,
			})
		}
		fields["units"] = list
	}
	return encodeFields(fields)
}

func (s *DeviceService) UpdateDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := deviceID(req)
	if err != nil {
		return nil, err
	}
	snap, err := s.hub.Update(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeFields(snapshotFields(snap))
}

func (s *DeviceService) SetDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := deviceID(req)
	if err != nil {
		return nil, err
	}
	props := req.GetFields()["properties"].GetStructValue().AsMap()
	if len(props) == 0 {
		return nil, status.Error(codes.InvalidArgument, "properties is required")
	}
	snap, err := s.hub.Set(ctx, id, props)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeFields(snapshotFields(snap))
}

func deviceID(req *structpb.Struct) (int, error) {
	v, ok := req.GetFields()["device_id"]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "device_id is required")
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != float64(int(n.NumberValue)) || n.NumberValue <= 0 {
		return 0, status.Error(codes.InvalidArgument, "device_id must be a positive integer")
	}
	return int(n.NumberValue), nil
}

func snapshotFields(snap hub.Snapshot) map[string]any {
	fields := map[string]any{
		"device_id":   snap.DeviceID,
		"building_id": snap.BuildingID,
		"name":        snap.Name,
		"kind":        snap.Kind,
		"mac":         snap.MAC,
		"serial":      snap.Serial,
		"temp_unit":   snap.TempUnit,
		"has_error":   snap.HasError,
		"removed":     snap.Removed,
	}
	if snap.Properties != nil {
		fields["properties"] = snap.Properties
	}
	if snap.Power != nil {
		fields["power"] = *snap.Power
	}
	if snap.DailyEnergy != nil {
		fields["daily_energy_kwh"] = *snap.DailyEnergy
	}
	if snap.WifiSignal != nil {
		fields["wifi_signal_dbm"] = *snap.WifiSignal
	}
	if snap.ErrorCode != nil {
		fields["error_code"] = *snap.ErrorCode
	}
	if !snap.LastSeen.IsZero() {
		fields["last_seen"] = snap.LastSeen.UTC().Format(time.RFC3339)
	}
	if !snap.UpdatedAt.IsZero() {
		fields["updated_at"] = snap.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return fields
}

func encodeFields(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode device: %v", err)
	}
	return out, nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(err error) error {
	var (
		validation *device.ValidationError
		limited    rate.RateLimitError
	)
	switch {
	case errors.Is(err, hub.ErrUnknownDevice), errors.Is(err, device.ErrDeviceNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, device.ErrNoState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &limited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, melcloud.ErrAccessDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func listDevicesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "ListDevices", DeviceServer.ListDevices)
}

func getDeviceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "GetDevice", DeviceServer.GetDevice)
}

func updateDeviceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "UpdateDevice", DeviceServer.UpdateDevice)
}

func setDeviceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "SetDevice", DeviceServer.SetDevice)
}

type deviceMethod func(DeviceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor, name string, call deviceMethod) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(srv.(DeviceServer), ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + DeviceServiceName + "/" + name,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return call(srv.(DeviceServer), ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var deviceServiceDesc = grpc.ServiceDesc{
	ServiceName: DeviceServiceName,
	HandlerType: (*DeviceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListDevices", Handler: listDevicesHandler},
		{MethodName: "GetDevice", Handler: getDeviceHandler},
		{MethodName: "UpdateDevice", Handler: updateDeviceHandler},
		{MethodName: "SetDevice", Handler: setDeviceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: deviceServiceFile,
}
