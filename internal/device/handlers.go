// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/irp"
	"github.com/siderolabs/talos-xeniface/internal/util"
)

func (d *Device) registerHandlers() {
	d.handlers = map[ioctl.Code]handler{
		ioctl.StoreAddWatch:    d.storeAddWatch,
		ioctl.StoreRemoveWatch: d.storeRemoveWatch,

		ioctl.EvtchnBindUnbound:     d.evtchnBindUnbound,
		ioctl.EvtchnBindInterdomain: d.evtchnBindInterdomain,
		ioctl.EvtchnClose:           d.evtchnClose,
		ioctl.EvtchnNotify:          d.evtchnNotify,
		ioctl.EvtchnUnmask:          d.evtchnUnmask,

		ioctl.GnttabPermitForeignAccess: d.grants.PermitForeignAccess,
		ioctl.GnttabRevokeForeignAccess: d.grants.RevokeForeignAccess,
		ioctl.GnttabMapForeignPages:     d.grants.MapForeignPages,
		ioctl.GnttabUnmapForeignPages:   d.grants.UnmapForeignPages,

		ioctl.SuspendGetCount:   d.suspendGetCount,
		ioctl.SuspendRegister:   d.suspendRegister,
		ioctl.SuspendDeregister: d.suspendDeregister,

		ioctl.Log: d.log,
	}

	if d.shared != nil {
		d.handlers[ioctl.SharedInfoGetTime] = d.sharedInfoGetTime
	}
}

// expectOutput checks that the output buffer fits v exactly, or is empty when v is nil.
func expectOutput(req *irp.Request, v any) error {
	want := 0
	if v != nil {
		want = binary.Size(v)
	}

	if len(req.Output) != want {
		return fmt.Errorf("%w: output of %d bytes, want %d", ioctl.ErrInvalidBufferSize, len(req.Output), want)
	}

	return nil
}

func (d *Device) signal(req *irp.Request, h uint64) (*event.Event, error) {
	e, err := req.Process().Events().Reference(event.Handle(h))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ioctl.ErrInvalidParameter, err)
	}

	return e, nil
}

func (d *Device) storeAddWatch(req *irp.Request) error {
	in, err := ioctl.DecodeAddWatch(req.Input)
	if err != nil {
		return err
	}

	var out ioctl.WatchID

	if err = expectOutput(req, &out); err != nil {
		return err
	}

	e, err := d.signal(req, in.Event)
	if err != nil {
		return err
	}

	if out.Watch, err = d.watches.AddWatch(req.Handle, in.Path, e); err != nil {
		return err
	}

	return ioctl.EncodeInto(req.Output, &out)
}

func (d *Device) storeRemoveWatch(req *irp.Request) error {
	var in ioctl.WatchID

	if err := ioctl.Decode(req.Input, &in); err != nil {
		return err
	}

	if err := expectOutput(req, nil); err != nil {
		return err
	}

	return d.watches.RemoveWatch(req.Handle, in.Watch)
}

func (d *Device) evtchnBindUnbound(req *irp.Request) error {
	var (
		in  ioctl.BindUnbound
		out ioctl.LocalPort
	)

	if err := ioctl.Decode(req.Input, &in); err != nil {
		return err
	}

	if err := expectOutput(req, &out); err != nil {
		return err
	}

	e, err := d.signal(req, in.Event)
	if err != nil {
		return err
	}

	port, err := d.channels.BindUnbound(req.Handle, hv.DomainID(in.RemoteDomain), e, in.Mask != 0)
	if err != nil {
		return err
	}

	out.LocalPort = uint32(port)

	return ioctl.EncodeInto(req.Output, &out)
}

func (d *Device) evtchnBindInterdomain(req *irp.Request) error {
	var (
		in  ioctl.BindInterdomain
		out ioctl.LocalPort
	)

	if err := ioctl.Decode(req.Input, &in); err != nil {
		return err
	}

	if err := expectOutput(req, &out); err != nil {
		return err
	}

	e, err := d.signal(req, in.Event)
	if err != nil {
		return err
	}

	port, err := d.channels.BindInterdomain(req.Handle, hv.DomainID(in.RemoteDomain), hv.Port(in.RemotePort), e, in.Mask != 0)
	if err != nil {
		return err
	}

	out.LocalPort = uint32(port)

	return ioctl.EncodeInto(req.Output, &out)
}

func (d *Device) portRequest(req *irp.Request) (hv.Port, error) {
	var in ioctl.LocalPort

	if err := ioctl.Decode(req.Input, &in); err != nil {
		return 0, err
	}

	if err := expectOutput(req, nil); err != nil {
		return 0, err
	}

	return hv.Port(in.LocalPort), nil
}

func (d *Device) evtchnClose(req *irp.Request) error {
	port, err := d.portRequest(req)
	if err != nil {
		return err
	}

	return d.channels.Close(req.Handle, port)
}

func (d *Device) evtchnNotify(req *irp.Request) error {
	port, err := d.portRequest(req)
	if err != nil {
		return err
	}

	return d.channels.Notify(req.Handle, port)
}

func (d *Device) evtchnUnmask(req *irp.Request) error {
	port, err := d.portRequest(req)
	if err != nil {
		return err
	}

	return d.channels.Unmask(req.Handle, port)
}

func (d *Device) suspendGetCount(req *irp.Request) error {
	var out ioctl.SuspendCount

	if len(req.Input) != 0 {
		return fmt.Errorf("%w: unexpected input buffer", ioctl.ErrInvalidBufferSize)
	}

	out.Count = d.suspend.Count()

	return ioctl.EncodeInto(req.Output, &out)
}

func (d *Device) suspendRegister(req *irp.Request) error {
	var (
		in  ioctl.SuspendRegisterIn
		out ioctl.SuspendContext
	)

	if err := ioctl.Decode(req.Input, &in); err != nil {
		return err
	}

	if err := expectOutput(req, &out); err != nil {
		return err
	}

	e, err := d.signal(req, in.Event)
	if err != nil {
		return err
	}

	out.Context = d.suspend.Register(req.Handle, e)

	return ioctl.EncodeInto(req.Output, &out)
}

func (d *Device) suspendDeregister(req *irp.Request) error {
	var in ioctl.SuspendContext

	if err := ioctl.Decode(req.Input, &in); err != nil {
		return err
	}

	if err := expectOutput(req, nil); err != nil {
		return err
	}

	return d.suspend.Deregister(req.Handle, in.Context)
}

func (d *Device) sharedInfoGetTime(req *irp.Request) error {
	var out ioctl.SharedInfoTime

	if len(req.Input) != 0 {
		return fmt.Errorf("%w: unexpected input buffer", ioctl.ErrInvalidBufferSize)
	}

	if err := expectOutput(req, &out); err != nil {
		return err
	}

	now, local := d.shared.Time()

	if local {
		// local wallclocks carry the zone offset in the value itself
		_, offset := now.Zone()
		now = now.Add(time.Duration(offset) * time.Second)
		out.Local = 1
	}

	out.Time = ioctl.FileTime(now)

	util.TraceLog(d.logger, "wallclock", "time", now, "local", local)

	return ioctl.EncodeInto(req.Output, &out)
}

func (d *Device) log(req *irp.Request) error {
	if err := expectOutput(req, nil); err != nil {
		return err
	}

	msg, err := ioctl.DecodeLog(req.Input)
	if err != nil {
		return err
	}

	d.logger.Info("USER: "+msg, "process", req.Process().ID())

	return nil
}
