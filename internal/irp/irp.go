// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package irp implements control requests: a captured input buffer, an output buffer and a
// completion that happens exactly once.
package irp

import (
	"context"
	"slices"
	"sync"

	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
)

// Request is a control request issued through a handle.
type Request struct {
	Code   ioctl.Code
	Handle *process.Handle
	// Input is the caller's input buffer. It is captured into a broker-owned copy for codes that
	// pass it uncaptured; buffered codes hand over a buffer the caller no longer touches.
	Input []byte
	// Output is returned to the caller when the request is dispatched.
	Output []byte

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	stop   func() bool
	end    func()

	once   sync.Once
	done   chan struct{}
	status ioctl.Status
}

// New creates a request. Its context is cancelled when ctx is done or the owning process exits.
func New(ctx context.Context, code ioctl.Code, h *process.Handle, input []byte, outLen int) (*Request, error) {
	p := h.Process()

	end, err := p.Begin()
	if err != nil {
		return nil, err
	}

	if code.Neither() {
		input = slices.Clone(input)
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Request{
		Code:   code,
		Handle: h,
		Input:  input,
		Output: make([]byte, outLen),
		ctx:    ctx,
		cancel: cancel,
		stop:   context.AfterFunc(p.Context(), cancel),
		end:    end,
		done:   make(chan struct{}),
	}, nil
}

// Process returns the process that issued the request.
func (r *Request) Process() *process.Process { return r.Handle.Process() }

// Context is cancelled when the request is cancelled or completed.
func (r *Request) Context() context.Context { return r.ctx }

// Complete completes the request with the status of err. It reports whether this call completed
// the request.
func (r *Request) Complete(err error) bool {
	completed := false

	r.once.Do(func() {
		completed = true
		r.status = ioctl.StatusOf(err)

		r.stop()
		r.cancel()
		r.end()

		close(r.done)
	})

	return completed
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) (ioctl.Status, error) {
	select {
	case <-r.done:
		return r.status, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Status returns the completion status, or StatusPending while the request is pending.
func (r *Request) Status() ioctl.Status {
	select {
	case <-r.done:
		return r.status
	default:
		return ioctl.StatusPending
	}
}
