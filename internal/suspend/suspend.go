// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package suspend signals registered events when the domain resumes from suspend.
package suspend

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
)

type registration struct {
	owner  *process.Handle
	signal event.Signal
}

// Manager owns the suspend registrations of a device.
type Manager struct {
	logger  *slog.Logger
	backend hv.Suspend

	mu   sync.Mutex
	regs map[uint64]registration
	next uint64
}

// New returns a manager and hooks it to the resume callback of backend.
func New(logger *slog.Logger, backend hv.Suspend) *Manager {
	m := &Manager{
		logger:  logger,
		backend: backend,
		regs:    make(map[uint64]registration),
	}

	backend.OnResume(m.Fire)

	return m
}

// Count returns the number of suspends so far.
func (m *Manager) Count() uint32 {
	return m.backend.Count()
}

// Register signals signal on every resume until deregistered.
func (m *Manager) Register(owner *process.Handle, signal event.Signal) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	m.regs[m.next] = registration{owner: owner, signal: signal}

	return m.next
}

// Deregister removes the registration id owned by owner.
func (m *Manager) Deregister(owner *process.Handle, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[id]
	if !ok || reg.owner != owner {
		return fmt.Errorf("%w: suspend registration %d", ioctl.ErrNotFound, id)
	}

	delete(m.regs, id)

	return nil
}

// Fire signals every registration.
func (m *Manager) Fire() {
	m.mu.Lock()

	signals := make([]event.Signal, 0, len(m.regs))
	for _, reg := range m.regs {
		signals = append(signals, reg.signal)
	}

	m.mu.Unlock()

	m.logger.Info("resumed from suspend", "count", m.backend.Count(), "registrations", len(signals))

	for _, s := range signals {
		s.Set()
	}
}

// Cleanup removes every registration owned by owner and returns how many there were.
func (m *Manager) Cleanup(owner *process.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0

	for id, reg := range m.regs {
		if reg.owner == owner {
			delete(m.regs, id)

			n++
		}
	}

	return n
}

// Len returns the number of registrations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.regs)
}
