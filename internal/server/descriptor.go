package server

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	DeviceServiceName = "melsync.v1.DeviceService"

	deviceServiceFile = "melsync/v1/device_service.proto"
	structType        = ".google.protobuf.Struct"
)

var deviceMethods = []string{"ListDevices", "GetDevice", "UpdateDevice", "SetDevice"}

var registerOnce sync.Once

// RegisterDescriptor adds the DeviceService file descriptor to the global
// registry so server reflection and grpcurl can resolve it. Requests and
// responses are google.protobuf.Struct.
func RegisterDescriptor() error {
	var err error
	registerOnce.Do(func() {
		err = registerDescriptor(protoregistry.GlobalFiles)
	})
	return err
}

func registerDescriptor(files *protoregistry.Files) error {
	if _, err := files.FindFileByPath(deviceServiceFile); err == nil {
		return nil
	}
	fd, err := protodesc.NewFile(deviceServiceProto(), files)
	if err != nil {
		return fmt.Errorf("build %s: %w", deviceServiceFile, err)
	}
	return files.RegisterFile(fd)
}

func deviceServiceProto() *descriptorpb.FileDescriptorProto {
	_ = structpb.File_google_protobuf_struct_proto

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(deviceMethods))
	for _, name := range deviceMethods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		})
	}
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String(deviceServiceFile),
		Package:    proto.String("melsync.v1"),
		Dependency: []string{"google/protobuf/struct.proto"},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String("DeviceService"),
			Method: methods,
		}},
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/joshp123/melsync/internal/server"),
		},
	}
}

// serviceDescriptor resolves the registered DeviceService.
func serviceDescriptor(files *protoregistry.Files) (protoreflect.ServiceDescriptor, error) {
	desc, err := files.FindDescriptorByName(DeviceServiceName)
	if err != nil {
		return nil, err
	}
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, fmt.Errorf("%s is not a service", DeviceServiceName)
	}
	return svc, nil
}
