// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
)

// Client calls a remote device on behalf of one process.
type Client struct {
	conn    grpc.ClientConnInterface
	process process.ID
}

// NewClient returns a client acting as process pid.
func NewClient(conn grpc.ClientConnInterface, pid process.ID) *Client {
	return &Client{
		conn:    conn,
		process: pid,
	}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataProcess, strconv.FormatUint(uint64(c.process), 10))
}

func (c *Client) outgoingHandle(ctx context.Context, h process.HandleID) context.Context {
	return metadata.AppendToOutgoingContext(c.outgoing(ctx), MetadataHandle, strconv.FormatUint(uint64(h), 10))
}

// OpenHandle opens a device handle.
func (c *Client) OpenHandle(ctx context.Context) (process.HandleID, error) {
	out := new(wrapperspb.UInt64Value)

	if err := c.conn.Invoke(c.outgoing(ctx), fullMethod("OpenHandle"), &emptypb.Empty{}, out); err != nil {
		return 0, fromStatus(err)
	}

	return process.HandleID(out.GetValue()), nil
}

// CloseHandle closes h.
func (c *Client) CloseHandle(ctx context.Context, h process.HandleID) error {
	return fromStatus(c.conn.Invoke(c.outgoingHandle(ctx, h), fullMethod("CloseHandle"), &emptypb.Empty{}, new(emptypb.Empty)))
}

// ExitProcess tears the process down on the device.
func (c *Client) ExitProcess(ctx context.Context) error {
	return fromStatus(c.conn.Invoke(c.outgoing(ctx), fullMethod("ExitProcess"), &emptypb.Empty{}, new(emptypb.Empty)))
}

// CreateEvent creates an event object owned by the process.
func (c *Client) CreateEvent(ctx context.Context, manualReset bool) (event.Handle, error) {
	out := new(wrapperspb.UInt64Value)

	if err := c.conn.Invoke(c.outgoing(ctx), fullMethod("CreateEvent"), wrapperspb.Bool(manualReset), out); err != nil {
		return 0, fromStatus(err)
	}

	return event.Handle(out.GetValue()), nil
}

// WaitEvent blocks until the event is signalled or ctx ends.
func (c *Client) WaitEvent(ctx context.Context, h event.Handle) error {
	return fromStatus(c.conn.Invoke(c.outgoing(ctx), fullMethod("WaitEvent"), wrapperspb.UInt64(uint64(h)), new(emptypb.Empty)))
}

// Call is an issued control request.
type Call struct {
	// Output is the output buffer as filled in when the request was issued.
	Output []byte
	// Status is StatusSuccess for a completed request and StatusPending otherwise.
	Status ioctl.Status

	stream grpc.ClientStream
}

// Wait blocks until a pending call completes. Cancelling the context passed to Ioctl cancels
// the request.
func (c *Call) Wait() error {
	if c.Status != ioctl.StatusPending {
		return nil
	}

	in := new(wrapperspb.BytesValue)

	if err := c.stream.RecvMsg(in); err != nil {
		return fromStatus(err)
	}

	st, _, err := decodeReply(in)
	if err != nil {
		return err
	}

	c.Status = st

	drain(c.stream)

	return st.Err()
}

// drain reads the end of a stream so its resources are released.
func drain(stream grpc.ClientStream) {
	for stream.RecvMsg(new(wrapperspb.BytesValue)) == nil { //nolint:revive
	}
}

// Ioctl issues a control request through handle h. A request left pending by the device stays
// open until its Call is waited for or ctx is cancelled.
func (c *Client) Ioctl(ctx context.Context, h process.HandleID, code ioctl.Code, input []byte, outLen int) (*Call, error) {
	stream, err := c.conn.NewStream(c.outgoingHandle(ctx, h), &serviceDesc.Streams[0], fullMethod("Ioctl"))
	if err != nil {
		return nil, fromStatus(err)
	}

	if err = stream.SendMsg(encodeRequest(code, input, outLen)); err != nil {
		return nil, fromStatus(err)
	}

	if err = stream.CloseSend(); err != nil {
		return nil, fromStatus(err)
	}

	in := new(wrapperspb.BytesValue)

	if err = stream.RecvMsg(in); err != nil {
		return nil, fromStatus(err)
	}

	st, output, err := decodeReply(in)
	if err != nil {
		return nil, err
	}

	switch st {
	case ioctl.StatusSuccess:
		drain(stream)
	case ioctl.StatusPending:
	default:
		return nil, fmt.Errorf("%w: unexpected reply status", st.Err())
	}

	return &Call{
		Output: output,
		Status: st,
		stream: stream,
	}, nil
}
