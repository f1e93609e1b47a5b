// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"sync"
	"time"
)

// SharedInfo serves the wallclock of the local system in UTC unless told otherwise.
type SharedInfo struct {
	mu    sync.Mutex
	clock func() time.Time
	local bool
}

// NewSharedInfo returns a shared info page backed by time.Now.
func NewSharedInfo() *SharedInfo {
	return &SharedInfo{clock: time.Now}
}

// Time implements hv.SharedInfo.
func (s *SharedInfo) Time() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local {
		return s.clock().Local(), true
	}

	return s.clock().UTC(), false
}

// SetClock replaces the time source.
func (s *SharedInfo) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock = clock
}

// SetLocal makes the wallclock report local time.
func (s *SharedInfo) SetLocal(local bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = local
}
