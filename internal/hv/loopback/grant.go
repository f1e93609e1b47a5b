// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"fmt"
	"slices"
	"sync"

	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/memory"
)

// reservedRefs is the number of grant entries reserved for the toolstack.
const reservedRefs = 8

type grant struct {
	domain   hv.DomainID
	frame    memory.Frame
	readOnly bool
}

// GrantTable is a grant table with a fixed number of entries.
type GrantTable struct {
	mu       sync.Mutex
	self     hv.DomainID
	capacity int
	grants   map[hv.GrantRef]*grant
	free     []hv.GrantRef
	next     hv.GrantRef
	mappings map[*mapping]struct{}
	failIn   int
	revoked  []hv.GrantRef
}

// NewGrantTable returns an empty grant table.
func NewGrantTable(self hv.DomainID, capacity int) *GrantTable {
	return &GrantTable{
		self:     self,
		capacity: capacity,
		grants:   make(map[hv.GrantRef]*grant),
		next:     reservedRefs,
		mappings: make(map[*mapping]struct{}),
	}
}

// PermitForeignAccess implements hv.GrantTable.
func (t *GrantTable) PermitForeignAccess(domain hv.DomainID, frame memory.Frame, readOnly bool) (hv.GrantRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failIn > 0 {
		t.failIn--

		if t.failIn == 0 {
			return 0, fmt.Errorf("%w: injected failure", hv.ErrExhausted)
		}
	}

	if len(t.grants) >= t.capacity {
		return 0, fmt.Errorf("%w: %d grant entries in use", hv.ErrExhausted, len(t.grants))
	}

	var ref hv.GrantRef

	if n := len(t.free); n > 0 {
		ref, t.free = t.free[n-1], t.free[:n-1]
	} else {
		ref = t.next
		t.next++
	}

	t.grants[ref] = &grant{domain: domain, frame: frame, readOnly: readOnly}

	return ref, nil
}

// RevokeForeignAccess implements hv.GrantTable. Active mappings of the grant keep their pages.
func (t *GrantTable) RevokeForeignAccess(ref hv.GrantRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.grants[ref]; !ok {
		return fmt.Errorf("%w: grant %d", hv.ErrBadReference, ref)
	}

	delete(t.grants, ref)
	t.free = append(t.free, ref)
	t.revoked = append(t.revoked, ref)

	return nil
}

type mapping struct {
	frames []memory.Frame
}

func (m *mapping) Frames() []memory.Frame { return m.frames }

// MapForeignPages implements hv.GrantTable. Only grants issued by and shared with the local domain
// can be mapped.
func (t *GrantTable) MapForeignPages(domain hv.DomainID, refs []hv.GrantRef, readOnly bool) (hv.Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if domain != t.self {
		return nil, fmt.Errorf("%w: domain %d is not reachable", hv.ErrPermission, domain)
	}

	m := &mapping{
		frames: make([]memory.Frame, len(refs)),
	}

	for i, ref := range refs {
		g, ok := t.grants[ref]
		if !ok {
			return nil, fmt.Errorf("%w: grant %d", hv.ErrBadReference, ref)
		}

		if g.domain != t.self || (g.readOnly && !readOnly) {
			return nil, fmt.Errorf("%w: grant %d", hv.ErrPermission, ref)
		}

		m.frames[i] = g.frame
	}

	t.mappings[m] = struct{}{}

	return m, nil
}

// UnmapForeignPages implements hv.GrantTable.
func (t *GrantTable) UnmapForeignPages(hm hv.Mapping) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := hm.(*mapping)
	if !ok {
		return fmt.Errorf("%w: foreign mapping %T", hv.ErrBadReference, hm)
	}

	if _, ok = t.mappings[m]; !ok {
		return fmt.Errorf("%w: mapping is not active", hv.ErrBadReference)
	}

	delete(t.mappings, m)

	return nil
}

// FailPermit makes the n-th permit from now fail.
func (t *GrantTable) FailPermit(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failIn = n
}

// Revoked returns every reference revoked so far, in revoke order.
func (t *GrantTable) Revoked() []hv.GrantRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.revoked)
}

// InUse returns the number of active grants.
func (t *GrantTable) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.grants)
}

// Mappings returns the number of active foreign mappings.
func (t *GrantTable) Mappings() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.mappings)
}
