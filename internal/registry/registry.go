// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package registry keeps the pending grant and map requests, keyed by owning process, request id
// and kind, and cancels them when their request context is cancelled.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/irp"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/util"
	"github.com/siderolabs/talos-xeniface/internal/workqueue"
)

// ErrDuplicate is wrapped by Insert when the key is taken.
var ErrDuplicate = errors.New("duplicate request id")

// Kind is the kind of a pending record.
type Kind uint8

// Record kinds.
const (
	KindGrant Kind = iota + 1
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindGrant:
		return "grant"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func duplicate(key Key) error {
	return fmt.Errorf("%w: %w: %s", ioctl.ErrInvalidParameter, ErrDuplicate, key)
}

// Key identifies a pending record.
type Key struct {
	Process   process.ID
	RequestID uint32
	Kind      Kind
}

func (k Key) String() string {
	return fmt.Sprintf("%s %d of process %d", k.Kind, k.RequestID, k.Process)
}

// Record is a pending grant or map.
type Record interface {
	Key() Key
	// Teardown releases every resource of the record. It runs in the context of the owning
	// process.
	Teardown(ctx context.Context)
}

type entry struct {
	record Record
	req    *irp.Request
	stop   func() bool
}

// Registry is the table of pending records.
type Registry struct {
	logger *slog.Logger
	queue  *workqueue.Queue

	mu      sync.Mutex
	entries map[Key]*entry
}

// New returns an empty registry that runs cancellations on queue.
func New(logger *slog.Logger, queue *workqueue.Queue) *Registry {
	return &Registry{
		logger:  logger,
		queue:   queue,
		entries: make(map[Key]*entry),
	}
}

// Insert adds record with its pending request unless key is already pending. Once the request
// context is cancelled, the record is detached, torn down in the context of its process and the request is completed as cancelled.
func (r *Registry) Insert(record Record, req *irp.Request) error {
	key := record.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return duplicate(key)
	}

	e := &entry{record: record, req: req}
	e.stop = context.AfterFunc(req.Context(), func() { r.cancel(key, e) })

	r.entries[key] = e

	util.TraceLog(r.logger, "inserted", "key", key)

	return nil
}

// Check returns an error wrapping ErrDuplicate if key is pending.
func (r *Registry) Check(key Key) error {
	if r.Find(key) {
		return duplicate(key)
	}

	return nil
}

// Find reports whether key is pending. It lets a request with a taken id fail before it
// allocates anything; Insert still decides between concurrent requests.
func (r *Registry) Find(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[key]

	return ok
}

// Remove detaches the record for key and returns it with its pending request. The caller tears
// the record down and completes the request.
func (r *Registry) Remove(key Key) (Record, *irp.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ioctl.ErrNotFound, key)
	}

	delete(r.entries, key)
	e.stop()

	util.TraceLog(r.logger, "removed", "key", key)

	return e.record, e.req, nil
}

// RemoveAll detaches every record, tears each down and completes its request as cancelled. It
// returns the number of records.
func (r *Registry) RemoveAll() int {
	r.mu.Lock()

	entries := make([]*entry, 0, len(r.entries))

	for key, e := range r.entries {
		delete(r.entries, key)
		e.stop()

		entries = append(entries, e)
	}

	r.mu.Unlock()

	for _, e := range entries {
		r.schedule(e)
	}

	return len(entries)
}

func (r *Registry) cancel(key Key, e *entry) {
	r.mu.Lock()

	if r.entries[key] != e {
		r.mu.Unlock()

		return
	}

	delete(r.entries, key)
	r.mu.Unlock()

	r.logger.Debug("cancelling", "key", key)

	r.schedule(e)
}

func (r *Registry) schedule(e *entry) {
	if err := r.queue.Submit(func() { r.teardown(e) }); err != nil {
		r.teardown(e)
	}
}

func (r *Registry) teardown(e *entry) {
	p := e.req.Process()

	if err := p.Attach(context.Background(), e.record.Teardown); err != nil {
		r.logger.Error("tearing down outside the owning process", "key", e.record.Key(), "error", err)

		e.record.Teardown(process.WithProcess(context.Background(), p))
	}

	e.req.Complete(ioctl.ErrCancelled)
}

// Len returns the number of pending records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// ForProcess returns the keys pending for process id.
func (r *Registry) ForProcess(id process.ID) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []Key

	for key := range r.entries {
		if key.Process == id {
			keys = append(keys, key)
		}
	}

	return keys
}
