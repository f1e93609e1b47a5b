// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package memory provides page-granular memory for the broker: memfd-backed pages that can be
// shared with other domains, and address spaces that map those pages.
package memory

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PageSize is the size of a single page.
var PageSize = os.Getpagesize()

// ErrNoMemory is returned when pages or mappings cannot be allocated.
var ErrNoMemory = errors.New("out of memory")

// Frame identifies one physical page: a page-aligned offset into a memfd.
type Frame struct {
	fd     int
	offset int64
}

// Offset returns the byte offset of the frame inside its backing file.
func (f Frame) Offset() int64 {
	return f.offset
}

// Pages is a run of zeroed pages owned by the broker, together with the broker's own mapping of them.
type Pages struct {
	data   []byte
	fd     int
	count  int
	locked bool
}

// AllocatePages allocates count zeroed pages. When lock is set the pages are pinned in memory.
func AllocatePages(name string, count int, lock bool) (*Pages, error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid page count %d", count)
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd_create: %w", ErrNoMemory, err)
	}

	size := int64(count) * int64(PageSize)

	if err = unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd) //nolint:errcheck

		return nil, fmt.Errorf("%w: ftruncate: %w", ErrNoMemory, err)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd) //nolint:errcheck

		return nil, fmt.Errorf("%w: mmap: %w", ErrNoMemory, err)
	}

	p := &Pages{
		data:  data,
		fd:    fd,
		count: count,
	}

	if lock {
		if err = unix.Mlock(data); err != nil {
			p.Free() //nolint:errcheck

			return nil, fmt.Errorf("%w: mlock: %w", ErrNoMemory, err)
		}

		p.locked = true
	}

	return p, nil
}

// Count returns the number of pages.
func (p *Pages) Count() int {
	return p.count
}

// Bytes returns the broker's view of the pages.
func (p *Pages) Bytes() []byte {
	return p.data
}

// Frame returns the frame of page i.
func (p *Pages) Frame(i int) Frame {
	return Frame{fd: p.fd, offset: int64(i) * int64(PageSize)}
}

// Frames returns the frames of all pages in order.
func (p *Pages) Frames() []Frame {
	frames := make([]Frame, p.count)

	for i := range frames {
		frames[i] = p.Frame(i)
	}

	return frames
}

// Free scrubs and releases the pages. Mappings created from the frames elsewhere stay valid until unmapped.
func (p *Pages) Free() error {
	if p.data == nil {
		return nil
	}

	clear(p.data)

	var errs []error

	if p.locked {
		errs = append(errs, unix.Munlock(p.data))
	}

	errs = append(errs, unix.Munmap(p.data), unix.Close(p.fd))

	p.data = nil
	p.fd = -1

	return errors.Join(errs...)
}
