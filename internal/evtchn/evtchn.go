// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package evtchn manages the event channels opened through the device. An interrupt on a channel
// queues its deferred callback, which signals the caller's event and unmasks the channel again.
package evtchn

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/util"
)

type channel struct {
	owner      *process.Handle
	signal     event.Signal
	remote     hv.DomainID
	remotePort hv.Port

	hvc   hv.Channel
	ready chan struct{}

	queued   atomic.Bool
	closing  atomic.Bool
	inflight sync.WaitGroup
}

// Manager owns the open channels of a device.
type Manager struct {
	logger   *slog.Logger
	channels hv.EventChannels

	mu    sync.Mutex
	ports map[hv.Port]*channel

	dpcMu    sync.Mutex
	dpcQueue []*channel
	wake     chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New returns a manager and starts its deferred callback worker.
func New(logger *slog.Logger, channels hv.EventChannels) *Manager {
	m := &Manager{
		logger:   logger,
		channels: channels,
		ports:    make(map[hv.Port]*channel),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	m.wg.Add(1)

	go m.run()

	return m
}

// interrupt is the interrupt handler of c. It only queues the deferred callback.
func (m *Manager) interrupt(c *channel) {
	if !c.queued.CompareAndSwap(false, true) {
		return
	}

	c.inflight.Add(1)

	m.dpcMu.Lock()
	m.dpcQueue = append(m.dpcQueue, c)
	m.dpcMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.wake:
			m.drain()
		case <-m.stop:
			m.drain()

			return
		}
	}
}

func (m *Manager) drain() {
	m.dpcMu.Lock()
	queue := m.dpcQueue
	m.dpcQueue = nil
	m.dpcMu.Unlock()

	for _, c := range queue {
		m.callback(c)
	}
}

func (m *Manager) callback(c *channel) {
	defer c.inflight.Done()

	<-c.ready

	c.queued.Store(false)

	if c.closing.Load() {
		return
	}

	port := c.hvc.Port()

	util.TraceLog(m.logger, "deferred callback", "port", port)

	c.signal.Set()

	if err := c.hvc.Unmask(); err != nil && !c.closing.Load() {
		m.logger.Warn("failed to unmask channel", "port", port, "error", err)
	}
}

func (m *Manager) bind(c *channel, open func(hv.InterruptHandler) (hv.Channel, error)) error {
	c.ready = make(chan struct{})

	hvc, err := open(func() { m.interrupt(c) })
	if err != nil {
		// release a callback queued by an interrupt that raced the failure
		c.closing.Store(true)
		close(c.ready)

		return hv.ControlError(err)
	}

	c.hvc = hvc
	close(c.ready)

	m.mu.Lock()
	m.ports[hvc.Port()] = c
	m.mu.Unlock()

	return nil
}

// BindUnbound opens a channel that remote can bind to and returns its local port.
func (m *Manager) BindUnbound(owner *process.Handle, remote hv.DomainID, signal event.Signal, masked bool) (hv.Port, error) {
	c := &channel{owner: owner, signal: signal, remote: remote}

	err := m.bind(c, func(handler hv.InterruptHandler) (hv.Channel, error) {
		return m.channels.OpenUnbound(remote, handler, masked)
	})
	if err != nil {
		return 0, err
	}

	m.logger.Debug("bound unbound channel", "port", c.hvc.Port(), "remote_domain", remote, "handle", owner.ID())

	return c.hvc.Port(), nil
}

// BindInterdomain binds to remotePort in remote and returns the local port.
func (m *Manager) BindInterdomain(owner *process.Handle, remote hv.DomainID, remotePort hv.Port, signal event.Signal, masked bool) (hv.Port, error) {
	c := &channel{owner: owner, signal: signal, remote: remote, remotePort: remotePort}

	err := m.bind(c, func(handler hv.InterruptHandler) (hv.Channel, error) {
		return m.channels.OpenInterdomain(remote, remotePort, handler, masked)
	})
	if err != nil {
		return 0, err
	}

	m.logger.Debug("bound interdomain channel", "port", c.hvc.Port(), "remote_domain", remote, "remote_port", remotePort, "handle", owner.ID())

	return c.hvc.Port(), nil
}

// find returns the channel on port owned by owner. A nil owner matches every channel.
func (m *Manager) find(owner *process.Handle, port hv.Port) (*channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.ports[port]
	if !ok || (owner != nil && c.owner != owner) {
		return nil, fmt.Errorf("%w: port %d", ioctl.ErrNotFound, port)
	}

	return c, nil
}

// Notify sends an event to the remote end of port.
func (m *Manager) Notify(owner *process.Handle, port hv.Port) error {
	c, err := m.find(owner, port)
	if err != nil {
		return err
	}

	if err = c.hvc.Send(); err != nil {
		return hv.ControlError(err)
	}

	return nil
}

// Unmask unmasks port.
func (m *Manager) Unmask(owner *process.Handle, port hv.Port) error {
	c, err := m.find(owner, port)
	if err != nil {
		return err
	}

	if err = c.hvc.Unmask(); err != nil {
		return hv.ControlError(err)
	}

	return nil
}

// Close closes port and waits for its deferred callback.
func (m *Manager) Close(owner *process.Handle, port hv.Port) error {
	m.mu.Lock()

	c, ok := m.ports[port]
	if !ok || c.owner != owner {
		m.mu.Unlock()

		return fmt.Errorf("%w: port %d", ioctl.ErrNotFound, port)
	}

	delete(m.ports, port)
	m.mu.Unlock()

	m.close(c)

	return nil
}

func (m *Manager) close(c *channel) {
	port := c.hvc.Port()

	c.closing.Store(true)

	if err := c.hvc.Close(); err != nil {
		m.logger.Warn("failed to close channel", "port", port, "error", err)
	}

	c.inflight.Wait()

	m.logger.Debug("closed channel", "port", port, "remote_domain", c.remote, "remote_port", c.remotePort, "handle", c.owner.ID())
}

// Cleanup closes every channel owned by owner and returns how many there were.
func (m *Manager) Cleanup(owner *process.Handle) int {
	m.mu.Lock()

	var owned []*channel

	for port, c := range m.ports {
		if c.owner == owner {
			delete(m.ports, port)

			owned = append(owned, c)
		}
	}

	m.mu.Unlock()

	for _, c := range owned {
		m.close(c)
	}

	return len(owned)
}

// Len returns the number of open channels.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.ports)
}

// Shutdown closes every remaining channel and stops the deferred callback worker.
func (m *Manager) Shutdown() {
	m.mu.Lock()

	remaining := make([]*channel, 0, len(m.ports))

	for port, c := range m.ports {
		delete(m.ports, port)

		remaining = append(remaining, c)
	}

	m.mu.Unlock()

	for _, c := range remaining {
		m.close(c)
	}

	close(m.stop)
	m.wg.Wait()
}
