// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package device is the control surface of the broker: it owns the processes and handles, routes
// control requests to the managers and orchestrates handle close, process exit and teardown.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/evtchn"
	"github.com/siderolabs/talos-xeniface/internal/gnttab"
	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/irp"
	"github.com/siderolabs/talos-xeniface/internal/memory"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/registry"
	"github.com/siderolabs/talos-xeniface/internal/store"
	"github.com/siderolabs/talos-xeniface/internal/suspend"
	"github.com/siderolabs/talos-xeniface/internal/util"
	"github.com/siderolabs/talos-xeniface/internal/workqueue"
)

// Config holds the hypervisor capabilities and tunables of a device.
type Config struct {
	Grants   hv.GrantTable
	Channels hv.EventChannels
	Store    hv.Store
	Suspend  hv.Suspend

	// SharedInfo serves the wallclock. Without it time requests are rejected as unknown.
	SharedInfo hv.SharedInfo

	// Workers is the number of goroutines running cancellations.
	Workers int
	// LockPages locks granted pages in memory.
	LockPages bool
}

type handler func(req *irp.Request) error

// Device is a broker device instance.
type Device struct {
	logger *slog.Logger

	queue    *workqueue.Queue
	registry *registry.Registry
	broker   *memory.AddressSpace
	channels *evtchn.Manager
	watches  *store.Manager
	suspend  *suspend.Manager
	grants   *gnttab.Manager
	shared   hv.SharedInfo

	handlers map[ioctl.Code]handler

	// state is held for reading while a request is dispatched.
	state sync.RWMutex
	ready bool

	mu        sync.Mutex
	processes map[process.ID]*process.Process
	handles   map[process.HandleID]*process.Handle
}

// New creates a device ready to accept requests.
func New(logger *slog.Logger, cfg Config) *Device {
	d := &Device{
		logger:    logger,
		queue:     workqueue.New(logger.With("module", "workqueue"), cfg.Workers),
		broker:    memory.NewAddressSpace(),
		processes: make(map[process.ID]*process.Process),
		handles:   make(map[process.HandleID]*process.Handle),
		shared:    cfg.SharedInfo,
		ready:     true,
	}

	d.registry = registry.New(logger.With("module", "registry"), d.queue)
	d.channels = evtchn.New(logger.With("module", "evtchn"), cfg.Channels)
	d.watches = store.New(logger.With("module", "store"), cfg.Store)
	d.suspend = suspend.New(logger.With("module", "suspend"), cfg.Suspend)
	d.grants = gnttab.New(logger.With("module", "gnttab"), cfg.Grants, d.registry, d.channels, d.broker, cfg.LockPages)

	d.registerHandlers()

	return d
}

func (d *Device) process(id process.ID) *process.Process {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.processes[id]; ok && !p.Exited() {
		return p
	}

	p := process.New(id, d.logger.With("module", "process"))
	d.processes[id] = p

	return p
}

// OpenHandle opens a handle on behalf of process id, creating the process on first use.
func (d *Device) OpenHandle(id process.ID) (*process.Handle, error) {
	d.state.RLock()
	defer d.state.RUnlock()

	if !d.ready {
		return nil, ioctl.ErrDeviceNotReady
	}

	h, err := d.process(id).OpenHandle()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ioctl.ErrDeviceNotReady, err)
	}

	d.mu.Lock()
	d.handles[h.ID()] = h
	d.mu.Unlock()

	d.logger.Debug("opened handle", "handle", h.ID(), "process", id)

	return h, nil
}

// Handle resolves an open handle of process id.
func (d *Device) Handle(id process.ID, hid process.HandleID) (*process.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.handles[hid]
	if !ok || h.Process().ID() != id {
		return nil, fmt.Errorf("%w: handle %d of process %d", ioctl.ErrNotFound, hid, id)
	}

	return h, nil
}

// CloseHandle closes h and releases every watch, channel and suspend registration opened through
// it. Pending grants and maps belong to the process and are not affected.
func (d *Device) CloseHandle(h *process.Handle) error {
	d.mu.Lock()
	delete(d.handles, h.ID())
	d.mu.Unlock()

	if !h.Process().ReleaseHandle(h) {
		return fmt.Errorf("%w: handle %d", ioctl.ErrNotFound, h.ID())
	}

	watches := d.watches.Cleanup(h)
	channels := d.channels.Cleanup(h)
	registrations := d.suspend.Cleanup(h)

	d.logger.Debug("closed handle", "handle", h.ID(), "process", h.Process().ID(),
		"watches", watches, "channels", channels, "suspend_registrations", registrations)

	return nil
}

// ExitProcess cancels every pending request of process id, closes its handles and releases it
// once its requests have completed.
func (d *Device) ExitProcess(id process.ID) error {
	d.mu.Lock()
	p, ok := d.processes[id]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: process %d", ioctl.ErrNotFound, id)
	}

	d.logger.Debug("process exiting", "process", id, "pending", len(d.registry.ForProcess(id)))

	p.Exit()

	return d.release(p)
}

func (d *Device) release(p *process.Process) error {
	var errs []error

	for _, h := range p.Handles() {
		if err := d.CloseHandle(h); err != nil && !errors.Is(err, ioctl.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	errs = append(errs, p.Close())

	d.mu.Lock()
	if d.processes[p.ID()] == p {
		delete(d.processes, p.ID())
	}
	d.mu.Unlock()

	d.logger.Debug("process exited", "process", p.ID())

	return errors.Join(errs...)
}

// CreateEvent creates an event object for process id and returns its handle.
func (d *Device) CreateEvent(id process.ID, manualReset bool) (event.Handle, error) {
	d.state.RLock()
	defer d.state.RUnlock()

	if !d.ready {
		return 0, ioctl.ErrDeviceNotReady
	}

	return d.process(id).Events().Insert(event.New(manualReset)), nil
}

// WaitEvent waits for the event h of process id.
func (d *Device) WaitEvent(ctx context.Context, id process.ID, h event.Handle) error {
	d.mu.Lock()
	p, ok := d.processes[id]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: process %d", ioctl.ErrNotFound, id)
	}

	e, err := p.Events().Reference(h)
	if err != nil {
		return fmt.Errorf("%w: %w", ioctl.ErrNotFound, err)
	}

	return e.Wait(ctx)
}

// Dispatch issues a control request through h. The request is returned whenever it was created:
// it is complete unless the error is ErrPending, in which case it completes once released or
// cancelled. Cancelling ctx cancels a pending request.
func (d *Device) Dispatch(ctx context.Context, h *process.Handle, code ioctl.Code, input []byte, outLen int) (*irp.Request, error) {
	d.state.RLock()
	defer d.state.RUnlock()

	if !d.ready {
		return nil, ioctl.ErrDeviceNotReady
	}

	fn, ok := d.handlers[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ioctl.ErrInvalidDeviceRequest, code)
	}

	req, err := irp.New(process.WithProcess(ctx, h.Process()), code, h, input, outLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ioctl.ErrDeviceNotReady, err)
	}

	util.TraceLog(d.logger, "dispatch", "code", code, "handle", h.ID(), "process", h.Process().ID(), "in", len(input), "out", outLen)

	err = fn(req)
	if errors.Is(err, ioctl.ErrPending) {
		return req, err
	}

	if err != nil {
		d.logger.Debug("request failed", "code", code, "handle", h.ID(), "status", ioctl.StatusOf(err), "error", err)
	}

	req.Complete(err)

	return req, err
}

// Pending returns the number of pending grants and maps.
func (d *Device) Pending() int {
	return d.registry.Len()
}

// Teardown stops accepting requests, releases every process and cancels what is still pending.
func (d *Device) Teardown() error {
	d.state.Lock()

	if !d.ready {
		d.state.Unlock()

		return nil
	}

	d.ready = false
	d.state.Unlock()

	d.mu.Lock()

	processes := make([]*process.Process, 0, len(d.processes))
	for _, p := range d.processes {
		processes = append(processes, p)
	}

	d.mu.Unlock()

	for _, p := range processes {
		for _, h := range p.Handles() {
			d.CloseHandle(h) //nolint:errcheck
		}
	}

	cancelled := d.registry.RemoveAll()

	var errs []error

	for _, p := range processes {
		p.Exit()
		errs = append(errs, d.release(p))
	}

	d.queue.Stop()
	d.queue.Wait()

	d.channels.Shutdown()
	d.watches.Shutdown()

	errs = append(errs, d.broker.Close())

	d.logger.Info("device torn down", "processes", len(processes), "cancelled", cancelled)

	return errors.Join(errs...)
}
