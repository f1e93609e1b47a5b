// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrNotMapped is returned when unmapping an address that is not the start of a mapping.
var ErrNotMapped = errors.New("address not mapped")

// Space is an address space pages can be mapped into.
type Space interface {
	// Map maps frames contiguously and returns the address of the first page.
	Map(frames []Frame, readOnly bool) (uintptr, error)
	// Unmap removes a mapping created by Map.
	Unmap(addr uintptr) error
}

type mapping struct {
	base   unsafe.Pointer
	length uintptr
}

// AddressSpace is a Space backed by mmap(2) in the current process.
type AddressSpace struct {
	mu       sync.Mutex
	mappings map[uintptr]mapping
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		mappings: make(map[uintptr]mapping),
	}
}

// Map implements Space.
//
// A contiguous region is reserved first, then each frame is mapped over it with MAP_FIXED, so frames
// from different backing files end up adjacent.
func (a *AddressSpace) Map(frames []Frame, readOnly bool) (uintptr, error) {
	if len(frames) == 0 {
		return 0, fmt.Errorf("no frames to map")
	}

	length := uintptr(len(frames)) * uintptr(PageSize)

	base, err := unix.MmapPtr(-1, 0, nil, length, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("%w: reserving %d bytes: %w", ErrNoMemory, length, err)
	}

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}

	for i, f := range frames {
		at := unsafe.Add(base, i*PageSize)

		if _, err = unix.MmapPtr(f.fd, f.offset, at, uintptr(PageSize), prot, unix.MAP_SHARED|unix.MAP_FIXED); err != nil {
			unix.MunmapPtr(base, length) //nolint:errcheck

			return 0, fmt.Errorf("%w: mapping page %d: %w", ErrNoMemory, i, err)
		}
	}

	addr := uintptr(base)

	a.mu.Lock()
	a.mappings[addr] = mapping{base: base, length: length}
	a.mu.Unlock()

	return addr, nil
}

// Unmap implements Space.
func (a *AddressSpace) Unmap(addr uintptr) error {
	a.mu.Lock()
	m, ok := a.mappings[addr]
	delete(a.mappings, addr)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotMapped, addr)
	}

	return unix.MunmapPtr(m.base, m.length)
}

// Bytes returns the mapping starting at addr as a byte slice.
func (a *AddressSpace) Bytes(addr uintptr) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.mappings[addr]
	if !ok {
		return nil, false
	}

	return unsafe.Slice((*byte)(m.base), m.length), true
}

// Len returns the number of live mappings.
func (a *AddressSpace) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.mappings)
}

// Close removes every remaining mapping.
func (a *AddressSpace) Close() error {
	a.mu.Lock()
	mappings := a.mappings
	a.mappings = make(map[uintptr]mapping)
	a.mu.Unlock()

	var errs []error

	for _, m := range mappings {
		errs = append(errs, unix.MunmapPtr(m.base, m.length))
	}

	return errors.Join(errs...)
}
