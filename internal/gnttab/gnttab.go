// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package gnttab shares broker pages with remote domains and maps pages remote domains granted.
// Both operations leave their request pending until the matching revoke or unmap, or until the
// owning process goes away.
package gnttab

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/irp"
	"github.com/siderolabs/talos-xeniface/internal/memory"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/registry"
)

// Notifier sends events on channels. A nil owner matches every channel.
type Notifier interface {
	Notify(owner *process.Handle, port hv.Port) error
}

// Manager serves the grant and map requests.
type Manager struct {
	logger    *slog.Logger
	grants    hv.GrantTable
	registry  *registry.Registry
	notifier  Notifier
	space     *memory.AddressSpace
	lockPages bool
}

// New returns a manager. Foreign pages are mapped into space on the broker side; lockPages locks
// granted pages in memory.
func New(logger *slog.Logger, grants hv.GrantTable, reg *registry.Registry, notifier Notifier, space *memory.AddressSpace, lockPages bool) *Manager {
	return &Manager{
		logger:    logger,
		grants:    grants,
		registry:  reg,
		notifier:  notifier,
		space:     space,
		lockPages: lockPages,
	}
}

// notification is the release notification of a record.
type notification struct {
	flags  uint32
	offset uint32
	port   hv.Port
}

func notificationOf(r *ioctl.PageRequest) notification {
	return notification{flags: r.Flags, offset: r.NotifyOffset, port: hv.Port(r.NotifyPort)}
}

// fire clears the notify byte in view and sends the notify event.
func (n notification) fire(logger *slog.Logger, notifier Notifier, view []byte) {
	if n.flags&ioctl.FlagUseNotifyOffset != 0 && int(n.offset) < len(view) {
		view[n.offset] = 0
	}

	if n.flags&ioctl.FlagUseNotifyPort != 0 {
		if err := notifier.Notify(nil, n.port); err != nil {
			logger.Warn("failed to send release notification", "port", n.port, "error", err)
		}
	}
}

type grantRecord struct {
	key    registry.Key
	owner  *process.Process
	domain hv.DomainID
	notify notification

	pages    *memory.Pages
	refs     []hv.GrantRef
	userAddr uintptr

	m *Manager
}

func (r *grantRecord) Key() registry.Key { return r.key }

// Teardown implements registry.Record.
func (r *grantRecord) Teardown(context.Context) {
	r.notify.fire(r.m.logger, r.m.notifier, r.pages.Bytes())

	if err := r.owner.Space().Unmap(r.userAddr); err != nil {
		r.m.logger.Error("failed to unmap granted pages", "key", r.key, "error", err)
	}

	r.m.revoke(r.refs)

	if err := r.pages.Free(); err != nil {
		r.m.logger.Error("failed to free granted pages", "key", r.key, "error", err)
	}

	r.m.logger.Debug("revoked foreign access", "key", r.key, "remote_domain", r.domain, "pages", len(r.refs))
}

// revoke revokes refs in reverse order. The broker cannot continue with pages it can no longer
// reclaim.
func (m *Manager) revoke(refs []hv.GrantRef) {
	for i := len(refs) - 1; i >= 0; i-- {
		if err := m.grants.RevokeForeignAccess(refs[i]); err != nil {
			panic(fmt.Sprintf("gnttab: revoking grant %d: %v", refs[i], err))
		}
	}
}

// PermitForeignAccess allocates pages, shares them with the remote domain and maps them into the
// caller. The request output receives the caller address and one reference per page. On success
// the request is pending and ErrPending is returned.
func (m *Manager) PermitForeignAccess(req *irp.Request) error {
	var in ioctl.PageRequest

	if err := ioctl.Decode(req.Input, &in); err != nil {
		return err
	}

	if err := in.Validate(memory.PageSize); err != nil {
		return err
	}

	if len(req.Output) != ioctl.PermitReplySize(in.NumberPages) {
		return fmt.Errorf("%w: output of %d bytes for %d pages", ioctl.ErrInvalidBufferSize, len(req.Output), in.NumberPages)
	}

	p := req.Process()
	key := registry.Key{Process: p.ID(), RequestID: in.RequestID, Kind: registry.KindGrant}

	if err := m.registry.Check(key); err != nil {
		return err
	}

	pages, err := memory.AllocatePages(fmt.Sprintf("grant-%d-%d", p.ID(), in.RequestID), int(in.NumberPages), m.lockPages)
	if err != nil {
		return fmt.Errorf("%w: %w", ioctl.ErrNoMemory, err)
	}

	rec := &grantRecord{
		key:    key,
		owner:  p,
		domain: hv.DomainID(in.RemoteDomain),
		notify: notificationOf(&in),
		pages:  pages,
		refs:   make([]hv.GrantRef, 0, in.NumberPages),
		m:      m,
	}

	fail := func(err error) error {
		m.revoke(rec.refs)

		if freeErr := pages.Free(); freeErr != nil {
			m.logger.Error("failed to free pages", "key", key, "error", freeErr)
		}

		return err
	}

	for i := range pages.Count() {
		ref, err := m.grants.PermitForeignAccess(rec.domain, pages.Frame(i), in.ReadOnly())
		if err != nil {
			return fail(hv.ControlError(err))
		}

		rec.refs = append(rec.refs, ref)
	}

	rec.userAddr, err = p.Space().Map(pages.Frames(), false)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ioctl.ErrNoMemory, err))
	}

	reply := ioctl.PermitReply{
		Address:    uint64(rec.userAddr),
		References: make([]uint32, len(rec.refs)),
	}

	for i, ref := range rec.refs {
		reply.References[i] = uint32(ref)
	}

	if err = reply.EncodeInto(req.Output); err != nil {
		p.Space().Unmap(rec.userAddr) //nolint:errcheck

		return fail(err)
	}

	if err = m.registry.Insert(rec, req); err != nil {
		p.Space().Unmap(rec.userAddr) //nolint:errcheck

		return fail(err)
	}

	m.logger.Debug("permitted foreign access", "key", key, "remote_domain", rec.domain, "pages", len(rec.refs), "address", rec.userAddr)

	return ioctl.ErrPending
}

// RevokeForeignAccess tears down the grant named by the request and completes its pending permit.
func (m *Manager) RevokeForeignAccess(req *irp.Request) error {
	return m.release(req, registry.KindGrant)
}

func (m *Manager) release(req *irp.Request, kind registry.Kind) error {
	var in ioctl.RequestID

	if err := ioctl.Decode(req.Input, &in); err != nil {
		return err
	}

	if len(req.Output) != 0 {
		return fmt.Errorf("%w: unexpected output buffer", ioctl.ErrInvalidBufferSize)
	}

	key := registry.Key{Process: req.Process().ID(), RequestID: in.RequestID, Kind: kind}

	rec, pending, err := m.registry.Remove(key)
	if err != nil {
		return err
	}

	rec.Teardown(process.WithProcess(req.Context(), req.Process()))
	pending.Complete(nil)

	return nil
}
