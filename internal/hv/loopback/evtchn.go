// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"fmt"
	"sync"

	"github.com/siderolabs/talos-xeniface/internal/hv"
)

type channel struct {
	owner   *EventChannels
	port    hv.Port
	remote  hv.DomainID
	peer    hv.Port
	handler hv.InterruptHandler

	// guarded by owner.mu
	masked  bool
	pending bool
	closed  bool
	sends   uint64
	running sync.WaitGroup
}

// EventChannels allocates ports from 1 upwards.
type EventChannels struct {
	mu    sync.Mutex
	self  hv.DomainID
	ports map[hv.Port]*channel
	next  hv.Port
}

// NewEventChannels returns an event channel table without open ports.
func NewEventChannels(self hv.DomainID) *EventChannels {
	return &EventChannels{
		self:  self,
		ports: make(map[hv.Port]*channel),
		next:  1,
	}
}

func (e *EventChannels) open(remote hv.DomainID, handler hv.InterruptHandler, masked bool) *channel {
	c := &channel{
		owner:   e,
		port:    e.next,
		remote:  remote,
		handler: handler,
		masked:  masked,
	}

	e.next++
	e.ports[c.port] = c

	return c
}

// OpenUnbound implements hv.EventChannels.
func (e *EventChannels) OpenUnbound(remote hv.DomainID, handler hv.InterruptHandler, masked bool) (hv.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.open(remote, handler, masked), nil
}

// OpenInterdomain implements hv.EventChannels. The remote port must be an unbound local port that
// accepts the local domain.
func (e *EventChannels) OpenInterdomain(remote hv.DomainID, remotePort hv.Port, handler hv.InterruptHandler, masked bool) (hv.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if remote != e.self {
		return nil, fmt.Errorf("%w: domain %d is not reachable", hv.ErrPermission, remote)
	}

	peer, ok := e.ports[remotePort]
	if !ok || peer.peer != 0 || peer.remote != e.self {
		return nil, fmt.Errorf("%w: port %d is not an unbound port for domain %d", hv.ErrBadReference, remotePort, e.self)
	}

	c := e.open(remote, handler, masked)
	c.peer = peer.port
	peer.peer = c.port

	return c, nil
}

// Raise delivers an event to port as if the remote end had sent one.
func (e *EventChannels) Raise(port hv.Port) {
	e.mu.Lock()

	c, ok := e.ports[port]
	if !ok {
		e.mu.Unlock()

		return
	}

	c.pending = true

	e.deliverLocked(c)
}

// deliverLocked calls the handler of c when an event is pending and c is unmasked. It releases
// e.mu.
func (e *EventChannels) deliverLocked(c *channel) {
	if c.closed || c.masked || !c.pending {
		e.mu.Unlock()

		return
	}

	c.pending = false
	c.masked = true
	c.running.Add(1)

	e.mu.Unlock()

	defer c.running.Done()

	c.handler()
}

// Sends returns the number of events sent from port.
func (e *EventChannels) Sends(port hv.Port) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.ports[port]; ok {
		return c.sends
	}

	return 0
}

// Open returns the number of open ports.
func (e *EventChannels) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.ports)
}

func (c *channel) Port() hv.Port { return c.port }

func (c *channel) Send() error {
	e := c.owner

	e.mu.Lock()

	if c.closed {
		e.mu.Unlock()

		return fmt.Errorf("%w: port %d is closed", hv.ErrBadReference, c.port)
	}

	c.sends++

	peer, ok := e.ports[c.peer]
	if !ok {
		e.mu.Unlock()

		return nil
	}

	peer.pending = true

	e.deliverLocked(peer)

	return nil
}

func (c *channel) Unmask() error {
	e := c.owner

	e.mu.Lock()

	if c.closed {
		e.mu.Unlock()

		return fmt.Errorf("%w: port %d is closed", hv.ErrBadReference, c.port)
	}

	c.masked = false

	e.deliverLocked(c)

	return nil
}

func (c *channel) Close() error {
	e := c.owner

	e.mu.Lock()

	if c.closed {
		e.mu.Unlock()

		return fmt.Errorf("%w: port %d is closed", hv.ErrBadReference, c.port)
	}

	c.closed = true
	delete(e.ports, c.port)

	if peer, ok := e.ports[c.peer]; ok {
		peer.peer = 0
	}

	e.mu.Unlock()

	c.running.Wait()

	return nil
}
