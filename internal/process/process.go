// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package process models the client processes of the broker: their address space, their event
// objects, their open handles and an executor goroutine that runs work in their context.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/memory"
)

// ID identifies a process.
type ID uint32

// ErrExited is returned for work on behalf of a process that has exited.
var ErrExited = errors.New("process exited")

// Process is a client process.
type Process struct {
	id     ID
	logger *slog.Logger

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	space  *memory.AddressSpace
	events *event.Table

	work chan func()
	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
	handles  map[HandleID]*Handle

	closeOnce sync.Once
}

// New returns a process and starts its executor.
func New(id ID, logger *slog.Logger) *Process {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Process{
		id:      id,
		logger:  logger.With("process", id),
		ctx:     ctx,
		cancel:  cancel,
		space:   memory.NewAddressSpace(),
		events:  event.NewTable(),
		work:    make(chan func()),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		handles: make(map[HandleID]*Handle),
	}

	p.idle = sync.NewCond(&p.mu)

	go p.run()

	return p
}

func (p *Process) run() {
	defer close(p.done)

	for {
		select {
		case fn := <-p.work:
			fn()
		case <-p.stop:
			return
		}
	}
}

// ID returns the process id.
func (p *Process) ID() ID { return p.id }

// Context is cancelled when the process exits.
func (p *Process) Context() context.Context { return p.ctx }

// Space returns the address space of the process.
func (p *Process) Space() *memory.AddressSpace { return p.space }

// Events returns the event object table of the process.
func (p *Process) Events() *event.Table { return p.events }

// Attach runs fn in the context of p and returns when fn has returned. fn runs inline when ctx
// already belongs to p, otherwise on the executor of p.
func (p *Process) Attach(ctx context.Context, fn func(ctx context.Context)) error {
	if Current(ctx) == p {
		fn(ctx)

		return nil
	}

	finished := make(chan struct{})
	attached := WithProcess(ctx, p)

	task := func() {
		defer close(finished)

		fn(attached)
	}

	select {
	case p.work <- task:
	case <-p.done:
		return fmt.Errorf("%w: %d", ErrExited, p.id)
	}

	<-finished

	return nil
}

// Begin accounts for a request issued by p. The returned function must be called once the request
// is complete. Begin fails once p has exited.
func (p *Process) Begin() (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %d", ErrExited, p.id)
	}

	p.inflight++

	var once sync.Once

	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()

			p.inflight--
			if p.inflight == 0 {
				p.idle.Broadcast()
			}
		})
	}, nil
}

// Exit cancels the context of p, and with it every pending request of p.
func (p *Process) Exit() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancel()
}

// Exited reports whether p has exited.
func (p *Process) Exited() bool {
	return p.ctx.Err() != nil
}

// Close exits p, waits for its requests to complete, stops the executor and releases the address
// space and event table.
func (p *Process) Close() error {
	var err error

	p.closeOnce.Do(func() {
		p.Exit()

		p.mu.Lock()
		for p.inflight > 0 {
			p.idle.Wait()
		}
		p.mu.Unlock()

		close(p.stop)
		<-p.done

		p.events.Clear()

		if n := p.space.Len(); n > 0 {
			p.logger.Warn("releasing leftover mappings", "count", n)
		}

		err = p.space.Close()
	})

	return err
}

// HandleID identifies an open handle.
type HandleID uint64

var lastHandle atomic.Uint64

// Handle is an open instance of the device, held by one process.
type Handle struct {
	id      HandleID
	process *Process
}

// ID returns the handle id.
func (h *Handle) ID() HandleID { return h.id }

// Process returns the owner of the handle.
func (h *Handle) Process() *Process { return h.process }

// OpenHandle opens a new handle for p.
func (p *Process) OpenHandle() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %d", ErrExited, p.id)
	}

	h := &Handle{id: HandleID(lastHandle.Add(1)), process: p}
	p.handles[h.id] = h

	return h, nil
}

// ReleaseHandle forgets h. It reports whether h was open.
func (p *Process) ReleaseHandle(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.handles[h.id]; !ok {
		return false
	}

	delete(p.handles, h.id)

	return true
}

// Handles returns the open handles of p.
func (p *Process) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}

	return handles
}

type contextKey struct{}

// WithProcess returns a context that runs in the context of p.
func WithProcess(ctx context.Context, p *Process) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// Current returns the process ctx runs in, or nil.
func Current(ctx context.Context) *Process {
	p, _ := ctx.Value(contextKey{}).(*Process)

	return p
}
