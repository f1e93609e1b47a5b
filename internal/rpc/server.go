// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/siderolabs/talos-xeniface/internal/device"
	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/util"
)

// Server serves a device.
type Server struct {
	logger *slog.Logger
	device *device.Device
}

var _ DeviceServer = (*Server)(nil)

// NewServer returns a server for d.
func NewServer(logger *slog.Logger, d *device.Device) *Server {
	return &Server{
		logger: logger,
		device: d,
	}
}

func metadataUint(ctx context.Context, key string, bits int) (uint64, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	vals := md.Get(key)
	if len(vals) != 1 {
		return 0, status.Errorf(codes.InvalidArgument, "expected one %q metadata value, got %d", key, len(vals))
	}

	v, err := strconv.ParseUint(vals[0], 10, bits)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %q metadata: %v", key, err)
	}

	return v, nil
}

func processID(ctx context.Context) (process.ID, error) {
	v, err := metadataUint(ctx, MetadataProcess, 32)

	return process.ID(v), err
}

func (s *Server) handle(ctx context.Context) (*process.Handle, error) {
	pid, err := processID(ctx)
	if err != nil {
		return nil, err
	}

	hid, err := metadataUint(ctx, MetadataHandle, 64)
	if err != nil {
		return nil, err
	}

	h, err := s.device.Handle(pid, process.HandleID(hid))
	if err != nil {
		return nil, toStatus(err)
	}

	return h, nil
}

// OpenHandle implements DeviceServer.
func (s *Server) OpenHandle(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	pid, err := processID(ctx)
	if err != nil {
		return nil, err
	}

	h, err := s.device.OpenHandle(pid)
	if err != nil {
		return nil, toStatus(err)
	}

	return wrapperspb.UInt64(uint64(h.ID())), nil
}

// CloseHandle implements DeviceServer.
func (s *Server) CloseHandle(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	h, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	if err = s.device.CloseHandle(h); err != nil {
		return nil, toStatus(err)
	}

	return &emptypb.Empty{}, nil
}

// ExitProcess implements DeviceServer.
func (s *Server) ExitProcess(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	pid, err := processID(ctx)
	if err != nil {
		return nil, err
	}

	if err = s.device.ExitProcess(pid); err != nil {
		return nil, toStatus(err)
	}

	return &emptypb.Empty{}, nil
}

// CreateEvent implements DeviceServer.
func (s *Server) CreateEvent(ctx context.Context, in *wrapperspb.BoolValue) (*wrapperspb.UInt64Value, error) {
	pid, err := processID(ctx)
	if err != nil {
		return nil, err
	}

	h, err := s.device.CreateEvent(pid, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}

	return wrapperspb.UInt64(uint64(h)), nil
}

// WaitEvent implements DeviceServer.
func (s *Server) WaitEvent(ctx context.Context, in *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	pid, err := processID(ctx)
	if err != nil {
		return nil, err
	}

	if err = s.device.WaitEvent(ctx, pid, event.Handle(in.GetValue())); err != nil {
		return nil, toStatus(err)
	}

	return &emptypb.Empty{}, nil
}

// Ioctl implements DeviceServer. A pending request sends its output right away and a second
// reply once it completes. The request is cancelled when the client goes away first.
func (s *Server) Ioctl(in *wrapperspb.BytesValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	ctx := stream.Context()

	h, err := s.handle(ctx)
	if err != nil {
		return err
	}

	code, input, outLen, err := decodeRequest(in)
	if err != nil {
		return err
	}

	req, err := s.device.Dispatch(ctx, h, code, input, outLen)

	switch {
	case errors.Is(err, ioctl.ErrPending):
	case err != nil:
		return toStatus(err)
	default:
		return stream.Send(encodeReply(ioctl.StatusSuccess, req.Output))
	}

	if err = stream.Send(encodeReply(ioctl.StatusPending, req.Output)); err != nil {
		// the stream context ends with the failed send, which cancels the request
		return err
	}

	util.TraceLog(s.logger, "request pending", "code", code, "handle", h.ID())

	st, err := req.Wait(ctx)
	if err != nil {
		return toStatus(err)
	}

	if st != ioctl.StatusSuccess {
		return toStatus(st.Err())
	}

	return stream.Send(encodeReply(st, nil))
}
