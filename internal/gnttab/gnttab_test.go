// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package gnttab_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/evtchn"
	"github.com/siderolabs/talos-xeniface/internal/gnttab"
	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/hv/loopback"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/irp"
	"github.com/siderolabs/talos-xeniface/internal/memory"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/registry"
	"github.com/siderolabs/talos-xeniface/internal/workqueue"
)

type fixture struct {
	hv       *loopback.Hypervisor
	registry *registry.Registry
	channels *evtchn.Manager
	broker   *memory.AddressSpace
	manager  *gnttab.Manager
	proc     *process.Process
	handle   *process.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.Default()
	queue := workqueue.New(logger, 2)

	f := &fixture{
		hv:     loopback.New(0, 64),
		broker: memory.NewAddressSpace(),
		proc:   process.New(10, logger),
	}

	f.registry = registry.New(logger, queue)
	f.channels = evtchn.New(logger, f.hv.Channels)
	f.manager = gnttab.New(logger, f.hv.Grants, f.registry, f.channels, f.broker, false)

	var err error

	f.handle, err = f.proc.OpenHandle()
	require.NoError(t, err)

	t.Cleanup(func() {
		f.registry.RemoveAll()
		queue.Stop()
		queue.Wait()
		f.channels.Shutdown()
		assert.NoError(t, f.proc.Close())
		assert.NoError(t, f.broker.Close())
	})

	return f
}

func (f *fixture) request(t *testing.T, code ioctl.Code, input []byte, outLen int) *irp.Request {
	t.Helper()

	req, err := irp.New(context.Background(), code, f.handle, input, outLen)
	require.NoError(t, err)

	return req
}

func (f *fixture) permit(t *testing.T, in ioctl.PageRequest) (*irp.Request, ioctl.PermitReply) {
	t.Helper()

	req := f.request(t, ioctl.GnttabPermitForeignAccess, ioctl.Encode(&in), ioctl.PermitReplySize(in.NumberPages))
	require.ErrorIs(t, f.manager.PermitForeignAccess(req), ioctl.ErrPending)

	reply, err := ioctl.DecodePermitReply(req.Output)
	require.NoError(t, err)

	return req, reply
}

func (f *fixture) release(t *testing.T, code ioctl.Code, id uint32) error {
	t.Helper()

	req := f.request(t, code, ioctl.Encode(&ioctl.RequestID{RequestID: id}), 0)

	var err error

	if code == ioctl.GnttabRevokeForeignAccess {
		err = f.manager.RevokeForeignAccess(req)
	} else {
		err = f.manager.UnmapForeignPages(req)
	}

	req.Complete(err)

	return err
}

func waitStatus(t *testing.T, req *irp.Request) ioctl.Status {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := req.Wait(ctx)
	require.NoError(t, err)

	return status
}

func TestPermitRevokeRoundTrip(t *testing.T) {
	f := newFixture(t)

	req, reply := f.permit(t, ioctl.PageRequest{RequestID: 1, RemoteDomain: 0, NumberPages: 3})

	assert.NotZero(t, reply.Address)
	assert.Len(t, reply.References, 3)
	assert.Equal(t, 3, f.hv.Grants.InUse())
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, ioctl.StatusPending, req.Status())

	view, ok := f.proc.Space().Bytes(uintptr(reply.Address))
	require.True(t, ok)
	assert.Len(t, view, 3*memory.PageSize)
	assert.Equal(t, make([]byte, len(view)), view)

	view[0] = 1

	require.NoError(t, f.release(t, ioctl.GnttabRevokeForeignAccess, 1))

	assert.Equal(t, ioctl.StatusSuccess, waitStatus(t, req))
	assert.Equal(t, []hv.GrantRef{
		hv.GrantRef(reply.References[2]),
		hv.GrantRef(reply.References[1]),
		hv.GrantRef(reply.References[0]),
	}, f.hv.Grants.Revoked())
	assert.Zero(t, f.hv.Grants.InUse())
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.proc.Space().Len())

	require.ErrorIs(t, f.release(t, ioctl.GnttabRevokeForeignAccess, 1), ioctl.ErrNotFound)
}

func TestPermitRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)

	f.permit(t, ioctl.PageRequest{RequestID: 7, NumberPages: 1})

	// a duplicate must fail before it reaches the grant table
	f.hv.Grants.FailPermit(1)

	in := ioctl.PageRequest{RequestID: 7, NumberPages: 2}
	req := f.request(t, ioctl.GnttabPermitForeignAccess, ioctl.Encode(&in), ioctl.PermitReplySize(2))

	err := f.manager.PermitForeignAccess(req)
	require.ErrorIs(t, err, ioctl.ErrInvalidParameter)
	require.ErrorIs(t, err, registry.ErrDuplicate)
	req.Complete(err)

	assert.Equal(t, 1, f.hv.Grants.InUse())
	assert.Empty(t, f.hv.Grants.Revoked())
	assert.Equal(t, 1, f.proc.Space().Len())
}

func TestMapRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)

	_, grant := f.permit(t, ioctl.PageRequest{RequestID: 1, NumberPages: 1})

	_, err := f.mapPages(t, 5, grant.References)
	require.ErrorIs(t, err, ioctl.ErrPending)

	// the reference is bogus, so only the duplicate check can produce this error
	req, err := f.mapPages(t, 5, []uint32{9999})
	require.ErrorIs(t, err, ioctl.ErrInvalidParameter)
	require.ErrorIs(t, err, registry.ErrDuplicate)
	req.Complete(err)

	assert.Equal(t, 1, f.hv.Grants.Mappings())
	assert.Equal(t, 1, f.broker.Len())
	assert.Equal(t, 2, f.registry.Len())
}

func TestPermitValidation(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		name   string
		in     ioctl.PageRequest
		outLen int
		err    error
	}{
		{"zero pages", ioctl.PageRequest{}, 8, ioctl.ErrInvalidParameter},
		{"too many pages", ioctl.PageRequest{NumberPages: ioctl.MaxPages + 1}, 8, ioctl.ErrInvalidParameter},
		{"notify offset outside", ioctl.PageRequest{NumberPages: 1, Flags: ioctl.FlagUseNotifyOffset, NotifyOffset: uint32(memory.PageSize)}, ioctl.PermitReplySize(1), ioctl.ErrInvalidParameter},
		{"short output", ioctl.PageRequest{NumberPages: 2}, ioctl.PermitReplySize(1), ioctl.ErrInvalidBufferSize},
		{"long output", ioctl.PageRequest{NumberPages: 2}, ioctl.PermitReplySize(3), ioctl.ErrInvalidBufferSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := f.request(t, ioctl.GnttabPermitForeignAccess, ioctl.Encode(&tc.in), tc.outLen)

			err := f.manager.PermitForeignAccess(req)
			require.ErrorIs(t, err, tc.err)
			req.Complete(err)
		})
	}

	req := f.request(t, ioctl.GnttabPermitForeignAccess, []byte{1, 2, 3}, 0)
	require.ErrorIs(t, f.manager.PermitForeignAccess(req), ioctl.ErrInvalidBufferSize)
	req.Complete(nil)

	assert.Zero(t, f.hv.Grants.InUse())
	assert.Zero(t, f.registry.Len())
}

func TestPermitRollsBackPartialFailure(t *testing.T) {
	f := newFixture(t)

	f.hv.Grants.FailPermit(3)

	in := ioctl.PageRequest{RequestID: 4, NumberPages: 4}
	req := f.request(t, ioctl.GnttabPermitForeignAccess, ioctl.Encode(&in), ioctl.PermitReplySize(4))

	err := f.manager.PermitForeignAccess(req)
	require.ErrorIs(t, err, ioctl.ErrNoMemory)
	req.Complete(err)

	// two grants were issued in ascending order before the failure and are revoked last first
	revoked := f.hv.Grants.Revoked()
	require.Len(t, revoked, 2)
	assert.Greater(t, revoked[0], revoked[1])

	assert.Zero(t, f.hv.Grants.InUse())
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.proc.Space().Len())

	// the id can be reused
	f.permit(t, in)
	assert.Equal(t, 4, f.hv.Grants.InUse())
}

func (f *fixture) mapPages(t *testing.T, id uint32, refs []uint32, flags ...uint32) (*irp.Request, error) {
	t.Helper()

	in := ioctl.MapRequest{
		PageRequest: ioctl.PageRequest{RequestID: id, RemoteDomain: 0, NumberPages: uint32(len(refs))},
		References:  refs,
	}

	for _, flag := range flags {
		in.Flags |= flag
	}

	req := f.request(t, ioctl.GnttabMapForeignPages, in.Encode(), 8)

	return req, f.manager.MapForeignPages(req)
}

func TestMapUnmapRoundTrip(t *testing.T) {
	f := newFixture(t)

	permitReq, grant := f.permit(t, ioctl.PageRequest{RequestID: 1, NumberPages: 2})

	mapReq, err := f.mapPages(t, 1, grant.References)
	require.ErrorIs(t, err, ioctl.ErrPending)

	var reply ioctl.MapReply

	require.NoError(t, ioctl.Decode(mapReq.Output, &reply))

	granted, ok := f.proc.Space().Bytes(uintptr(grant.Address))
	require.True(t, ok)

	mapped, ok := f.proc.Space().Bytes(uintptr(reply.Address))
	require.True(t, ok)

	mapped[memory.PageSize+1] = 0x42
	assert.Equal(t, byte(0x42), granted[memory.PageSize+1])

	assert.Equal(t, 1, f.hv.Grants.Mappings())
	assert.Equal(t, 2, f.registry.Len())

	require.NoError(t, f.release(t, ioctl.GnttabUnmapForeignPages, 1))
	assert.Equal(t, ioctl.StatusSuccess, waitStatus(t, mapReq))
	assert.Zero(t, f.hv.Grants.Mappings())

	require.NoError(t, f.release(t, ioctl.GnttabRevokeForeignAccess, 1))
	assert.Equal(t, ioctl.StatusSuccess, waitStatus(t, permitReq))
	assert.Zero(t, f.proc.Space().Len())
}

func TestMapRejectsReferenceMismatch(t *testing.T) {
	f := newFixture(t)

	_, grant := f.permit(t, ioctl.PageRequest{RequestID: 1, NumberPages: 2})

	in := ioctl.MapRequest{
		PageRequest: ioctl.PageRequest{RequestID: 2, NumberPages: 3},
		References:  grant.References,
	}

	req := f.request(t, ioctl.GnttabMapForeignPages, in.Encode(), 8)

	err := f.manager.MapForeignPages(req)
	require.ErrorIs(t, err, ioctl.ErrInvalidParameter)
	req.Complete(err)

	assert.Zero(t, f.hv.Grants.Mappings())
	assert.Equal(t, 1, f.registry.Len())
}

func TestMapFailureUnwinds(t *testing.T) {
	f := newFixture(t)

	req, err := f.mapPages(t, 1, []uint32{1000})
	require.ErrorIs(t, err, ioctl.ErrUnsuccessful)
	req.Complete(err)

	assert.Zero(t, f.hv.Grants.Mappings())
	assert.Zero(t, f.broker.Len())
	assert.Zero(t, f.registry.Len())
}

func TestReleaseNotifications(t *testing.T) {
	f := newFixture(t)

	signal := event.New(false)

	local, err := f.channels.BindUnbound(f.handle, 0, signal, false)
	require.NoError(t, err)

	peer, err := f.channels.BindInterdomain(f.handle, 0, local, event.New(false), false)
	require.NoError(t, err)

	_, grant := f.permit(t, ioctl.PageRequest{RequestID: 1, NumberPages: 1})

	granted, ok := f.proc.Space().Bytes(uintptr(grant.Address))
	require.True(t, ok)

	granted[100] = 0xff

	in := ioctl.MapRequest{
		PageRequest: ioctl.PageRequest{
			RequestID:    2,
			NumberPages:  1,
			Flags:        ioctl.FlagUseNotifyOffset | ioctl.FlagUseNotifyPort,
			NotifyOffset: 100,
			NotifyPort:   uint32(peer),
		},
		References: grant.References,
	}

	mapReq := f.request(t, ioctl.GnttabMapForeignPages, in.Encode(), 8)
	require.ErrorIs(t, f.manager.MapForeignPages(mapReq), ioctl.ErrPending)

	require.NoError(t, f.release(t, ioctl.GnttabUnmapForeignPages, 2))
	assert.Equal(t, ioctl.StatusSuccess, waitStatus(t, mapReq))

	assert.Zero(t, granted[100])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, signal.Wait(ctx))
}

func TestMapRejectsNotifyOffsetOnReadOnly(t *testing.T) {
	f := newFixture(t)

	_, grant := f.permit(t, ioctl.PageRequest{RequestID: 1, NumberPages: 1})

	req, err := f.mapPages(t, 1, grant.References, ioctl.FlagReadOnly, ioctl.FlagUseNotifyOffset)
	require.ErrorIs(t, err, ioctl.ErrInvalidParameter)
	req.Complete(err)
}

func TestProcessExitCancelsPending(t *testing.T) {
	f := newFixture(t)

	permitReq, grant := f.permit(t, ioctl.PageRequest{RequestID: 1, NumberPages: 2})

	mapReq, err := f.mapPages(t, 1, grant.References)
	require.ErrorIs(t, err, ioctl.ErrPending)

	f.proc.Exit()

	assert.Equal(t, ioctl.StatusCancelled, waitStatus(t, mapReq))
	assert.Equal(t, ioctl.StatusCancelled, waitStatus(t, permitReq))

	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.hv.Grants.Mappings())
	assert.Zero(t, f.hv.Grants.InUse())
	assert.Zero(t, f.broker.Len())
}
