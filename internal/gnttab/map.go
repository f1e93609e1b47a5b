// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package gnttab

import (
	"context"
	"fmt"

	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/irp"
	"github.com/siderolabs/talos-xeniface/internal/memory"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/registry"
)

type mapRecord struct {
	key    registry.Key
	owner  *process.Process
	domain hv.DomainID
	count  int
	notify notification

	mapping    hv.Mapping
	brokerAddr uintptr
	userAddr   uintptr

	m *Manager
}

func (r *mapRecord) Key() registry.Key { return r.key }

// Teardown implements registry.Record.
func (r *mapRecord) Teardown(context.Context) {
	view, _ := r.m.space.Bytes(r.brokerAddr)
	r.notify.fire(r.m.logger, r.m.notifier, view)

	if err := r.owner.Space().Unmap(r.userAddr); err != nil {
		r.m.logger.Error("failed to unmap foreign pages from caller", "key", r.key, "error", err)
	}

	if err := r.m.space.Unmap(r.brokerAddr); err != nil {
		r.m.logger.Error("failed to unmap foreign pages from broker", "key", r.key, "error", err)
	}

	r.m.unmap(r.mapping)

	r.m.logger.Debug("unmapped foreign pages", "key", r.key, "remote_domain", r.domain, "pages", r.count)
}

func (m *Manager) unmap(mapping hv.Mapping) {
	if err := m.grants.UnmapForeignPages(mapping); err != nil {
		panic(fmt.Sprintf("gnttab: releasing foreign mapping: %v", err))
	}
}

// MapForeignPages maps the pages granted by the remote domain into the broker and into the caller.
// The request output receives the caller address. On success the request is pending and
// ErrPending is returned.
func (m *Manager) MapForeignPages(req *irp.Request) error {
	in, err := ioctl.DecodeMapRequest(req.Input)
	if err != nil {
		return err
	}

	if err = in.Validate(memory.PageSize); err != nil {
		return err
	}

	// the notify byte is cleared through the broker mapping
	if in.ReadOnly() && in.Flags&ioctl.FlagUseNotifyOffset != 0 {
		return fmt.Errorf("%w: notify offset on a read-only mapping", ioctl.ErrInvalidParameter)
	}

	var reply ioctl.MapReply

	if len(req.Output) != len(ioctl.Encode(&reply)) {
		return fmt.Errorf("%w: output of %d bytes", ioctl.ErrInvalidBufferSize, len(req.Output))
	}

	p := req.Process()
	key := registry.Key{Process: p.ID(), RequestID: in.RequestID, Kind: registry.KindMap}

	if err = m.registry.Check(key); err != nil {
		return err
	}

	refs := make([]hv.GrantRef, len(in.References))
	for i, ref := range in.References {
		refs[i] = hv.GrantRef(ref)
	}

	rec := &mapRecord{
		key:    key,
		owner:  p,
		domain: hv.DomainID(in.RemoteDomain),
		count:  len(refs),
		notify: notificationOf(&in.PageRequest),
		m:      m,
	}

	rec.mapping, err = m.grants.MapForeignPages(rec.domain, refs, in.ReadOnly())
	if err != nil {
		return hv.ControlError(err)
	}

	rec.brokerAddr, err = m.space.Map(rec.mapping.Frames(), in.ReadOnly())
	if err != nil {
		m.unmap(rec.mapping)

		return fmt.Errorf("%w: %w", ioctl.ErrNoMemory, err)
	}

	fail := func(err error) error {
		p.Space().Unmap(rec.userAddr) //nolint:errcheck
		m.space.Unmap(rec.brokerAddr) //nolint:errcheck
		m.unmap(rec.mapping)

		return err
	}

	rec.userAddr, err = p.Space().Map(rec.mapping.Frames(), in.ReadOnly())
	if err != nil {
		m.space.Unmap(rec.brokerAddr) //nolint:errcheck
		m.unmap(rec.mapping)

		return fmt.Errorf("%w: %w", ioctl.ErrNoMemory, err)
	}

	reply.Address = uint64(rec.userAddr)

	if err = ioctl.EncodeInto(req.Output, &reply); err != nil {
		return fail(err)
	}

	if err = m.registry.Insert(rec, req); err != nil {
		return fail(err)
	}

	m.logger.Debug("mapped foreign pages", "key", key, "remote_domain", rec.domain, "pages", rec.count, "address", rec.userAddr)

	return ioctl.ErrPending
}

// UnmapForeignPages tears down the mapping named by the request and completes its pending map.
func (m *Manager) UnmapForeignPages(req *irp.Request) error {
	return m.release(req, registry.KindMap)
}
