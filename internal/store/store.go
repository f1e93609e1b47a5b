// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package store manages store watches opened through the device. Each watch runs a goroutine that
// signals the caller's event whenever the watched path changes.
package store

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/util"
)

type watch struct {
	id     uint64
	owner  *process.Handle
	path   string
	signal event.Signal

	hw   hv.Watch
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func (w *watch) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watch) run(logger *slog.Logger) {
	defer close(w.done)

	for {
		select {
		case <-w.wake:
			util.TraceLog(logger, "watch fired", "path", w.path, "watch", w.id)

			w.signal.Set()
		case <-w.stop:
			return
		}
	}
}

// Manager owns the watches of a device.
type Manager struct {
	logger *slog.Logger
	store  hv.Store

	mu      sync.Mutex
	watches map[uint64]*watch
	next    uint64
}

// New returns a manager registering watches with store.
func New(logger *slog.Logger, store hv.Store) *Manager {
	return &Manager{
		logger:  logger,
		store:   store,
		watches: make(map[uint64]*watch),
	}
}

// AddWatch starts signalling signal on changes to path and returns the watch id.
func (m *Manager) AddWatch(owner *process.Handle, path string, signal event.Signal) (uint64, error) {
	if len(path) == 0 || len(path) >= ioctl.MaxPathLength {
		return 0, fmt.Errorf("%w: path length %d", ioctl.ErrInvalidParameter, len(path))
	}

	m.mu.Lock()
	m.next++
	id := m.next
	m.mu.Unlock()

	w := &watch{
		id:     id,
		owner:  owner,
		path:   path,
		signal: signal,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go w.run(m.logger)

	hw, err := m.store.Watch(path, w.notify)
	if err != nil {
		close(w.stop)
		<-w.done

		return 0, hv.ControlError(err)
	}

	w.hw = hw

	m.mu.Lock()
	m.watches[id] = w
	m.mu.Unlock()

	m.logger.Debug("added watch", "path", path, "watch", id, "handle", owner.ID())

	return id, nil
}

// RemoveWatch removes the watch id owned by owner.
func (m *Manager) RemoveWatch(owner *process.Handle, id uint64) error {
	m.mu.Lock()

	w, ok := m.watches[id]
	if !ok || w.owner != owner {
		m.mu.Unlock()

		return fmt.Errorf("%w: watch %d", ioctl.ErrNotFound, id)
	}

	delete(m.watches, id)
	m.mu.Unlock()

	m.remove(w)

	return nil
}

func (m *Manager) remove(w *watch) {
	if err := w.hw.Remove(); err != nil {
		panic(fmt.Sprintf("store: removing watch %d on %q: %v", w.id, w.path, err))
	}

	close(w.stop)
	<-w.done

	m.logger.Debug("removed watch", "path", w.path, "watch", w.id)
}

// Cleanup removes every watch owned by owner and returns how many there were.
func (m *Manager) Cleanup(owner *process.Handle) int {
	return m.sweep(func(w *watch) bool { return w.owner == owner })
}

// Shutdown removes every watch.
func (m *Manager) Shutdown() int {
	return m.sweep(func(*watch) bool { return true })
}

func (m *Manager) sweep(match func(*watch) bool) int {
	m.mu.Lock()

	var matched []*watch

	for id, w := range m.watches {
		if match(w) {
			delete(m.watches, id)

			matched = append(matched, w)
		}
	}

	m.mu.Unlock()

	for _, w := range matched {
		m.remove(w)
	}

	return len(matched)
}

// Len returns the number of watches.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.watches)
}
