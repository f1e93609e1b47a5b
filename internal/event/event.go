// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package event implements the signal objects callers hand to the broker, and the per-process
// table that resolves their opaque handles.
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Signal is anything the broker can signal.
type Signal interface {
	Set()
}

// Event is a signal object with either auto-reset or manual-reset semantics.
type Event struct {
	mu       sync.Mutex
	ch       chan struct{}
	manual   bool
	signaled bool
}

// New returns an unsignaled event.
func New(manualReset bool) *Event {
	e := &Event{manual: manualReset}

	if manualReset {
		e.ch = make(chan struct{})
	} else {
		e.ch = make(chan struct{}, 1)
	}

	return e
}

// Set signals the event. Setting an already signaled event has no effect.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manual {
		if !e.signaled {
			e.signaled = true
			close(e.ch)
		}

		return
	}

	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Reset clears the signaled state.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manual {
		if e.signaled {
			e.signaled = false
			e.ch = make(chan struct{})
		}

		return
	}

	select {
	case <-e.ch:
	default:
	}
}

func (e *Event) wait() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ch
}

// Wait blocks until the event is signaled or ctx is done. An auto-reset event is reset by a
// successful Wait.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrInvalidHandle is returned for handles that do not name an event.
var ErrInvalidHandle = errors.New("invalid event handle")

// Handle is an opaque reference to an Event in a Table.
type Handle uint64

// Table maps handles to events for one process.
type Table struct {
	mu     sync.Mutex
	events map[Handle]*Event
	next   Handle
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		events: make(map[Handle]*Event),
	}
}

// Insert adds e and returns its handle. Handles are never zero.
func (t *Table) Insert(e *Event) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	t.events[t.next] = e

	return t.next
}

// Reference resolves h.
func (t *Table) Reference(h Handle) (*Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.events[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}

	return e, nil
}

// Close removes h from the table. Holders of the event keep a valid reference.
func (t *Table) Close(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.events[h]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}

	delete(t.events, h)

	return nil
}

// Clear removes every handle.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.events)
}
