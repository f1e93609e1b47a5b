// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package rpc exposes a device over gRPC. Messages are protobuf well-known types, so the service
// descriptor is written by hand instead of generated.
package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/siderolabs/talos-xeniface/internal/ioctl"
)

// ServiceName is the full name of the gRPC service.
const ServiceName = "xeniface.v1.Device"

// Metadata keys identifying the caller.
const (
	MetadataProcess = "xeniface-process"
	MetadataHandle  = "xeniface-handle"
)

// DeviceServer is the server side of the service.
type DeviceServer interface {
	OpenHandle(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error)
	CloseHandle(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ExitProcess(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	CreateEvent(context.Context, *wrapperspb.BoolValue) (*wrapperspb.UInt64Value, error)
	WaitEvent(context.Context, *wrapperspb.UInt64Value) (*emptypb.Empty, error)
	Ioctl(*wrapperspb.BytesValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Res any](name string, call func(DeviceServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			if interceptor == nil {
				return call(srv.(DeviceServer), ctx, in) //nolint:forcetypeassert
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}

			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(DeviceServer), ctx, req.(*Req)) //nolint:forcetypeassert
			})
		},
	}
}

func ioctlStream(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	return srv.(DeviceServer).Ioctl(in, &grpc.GenericServerStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ServerStream: stream}) //nolint:forcetypeassert
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("OpenHandle", DeviceServer.OpenHandle),
		unary("CloseHandle", DeviceServer.CloseHandle),
		unary("ExitProcess", DeviceServer.ExitProcess),
		unary("CreateEvent", DeviceServer.CreateEvent),
		unary("WaitEvent", DeviceServer.WaitEvent),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Ioctl",
			Handler:       ioctlStream,
			ServerStreams: true,
		},
	},
}

// RegisterDeviceServer registers srv with s.
func RegisterDeviceServer(s grpc.ServiceRegistrar, srv DeviceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ioctlHeader prefixes the input buffer of an Ioctl request.
type ioctlHeader struct {
	Code         uint32
	OutputLength uint32
}

// replyHeader prefixes the output buffer of an Ioctl reply.
type replyHeader struct {
	Status uint32
	_      uint32
}

const headerSize = 8

func encodeRequest(code ioctl.Code, input []byte, outLen int) *wrapperspb.BytesValue {
	buf := ioctl.Encode(&ioctlHeader{Code: uint32(code), OutputLength: uint32(outLen)})

	return wrapperspb.Bytes(append(buf, input...))
}

func decodeRequest(in *wrapperspb.BytesValue) (ioctl.Code, []byte, int, error) {
	buf := in.GetValue()
	if len(buf) < headerSize {
		return 0, nil, 0, status.Errorf(codes.InvalidArgument, "ioctl request of %d bytes", len(buf))
	}

	var hdr ioctlHeader

	if err := ioctl.Decode(buf[:headerSize], &hdr); err != nil {
		return 0, nil, 0, status.Error(codes.InvalidArgument, err.Error())
	}

	return ioctl.Code(hdr.Code), buf[headerSize:], int(hdr.OutputLength), nil
}

func encodeReply(s ioctl.Status, output []byte) *wrapperspb.BytesValue {
	buf := ioctl.Encode(&replyHeader{Status: uint32(s)})

	return wrapperspb.Bytes(append(buf, output...))
}

func decodeReply(in *wrapperspb.BytesValue) (ioctl.Status, []byte, error) {
	buf := in.GetValue()
	if len(buf) < headerSize {
		return 0, nil, fmt.Errorf("%w: ioctl reply of %d bytes", ioctl.ErrInvalidBufferSize, len(buf))
	}

	var hdr replyHeader

	if err := ioctl.Decode(buf[:headerSize], &hdr); err != nil {
		return 0, nil, err
	}

	return ioctl.Status(hdr.Status), buf[headerSize:], nil
}

var statusCodes = map[ioctl.Status]codes.Code{
	ioctl.StatusInvalidParameter:     codes.InvalidArgument,
	ioctl.StatusInvalidBufferSize:    codes.InvalidArgument,
	ioctl.StatusNotFound:             codes.NotFound,
	ioctl.StatusNoMemory:             codes.ResourceExhausted,
	ioctl.StatusCancelled:            codes.Canceled,
	ioctl.StatusDeviceNotReady:       codes.Unavailable,
	ioctl.StatusInvalidDeviceRequest: codes.Unimplemented,
	ioctl.StatusUnsuccessful:         codes.Unknown,
}

// toStatus converts a device error to a gRPC status error. The device status travels as a detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	s := ioctl.StatusOf(err)

	code, ok := statusCodes[s]
	if !ok {
		code = codes.Unknown
	}

	st, derr := status.New(code, err.Error()).WithDetails(wrapperspb.UInt32(uint32(s)))
	if derr != nil {
		return status.Error(code, err.Error())
	}

	return st.Err()
}

// fromStatus converts a gRPC error back to an error matching the device sentinels.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, d := range st.Details() {
		if v, ok := d.(*wrapperspb.UInt32Value); ok {
			return fmt.Errorf("%w: %s", ioctl.Status(v.GetValue()).Err(), st.Message())
		}
	}

	switch st.Code() { //nolint:exhaustive
	case codes.Canceled:
		return errors.Join(ioctl.ErrCancelled, err)
	case codes.Unavailable:
		return errors.Join(ioctl.ErrDeviceNotReady, err)
	}

	return err
}
