// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package loopback

import "sync"

// Suspend counts simulated suspend/resume cycles.
type Suspend struct {
	mu       sync.Mutex
	count    uint32
	onResume []func()
}

// Count implements hv.Suspend.
func (s *Suspend) Count() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count
}

// OnResume implements hv.Suspend.
func (s *Suspend) OnResume(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onResume = append(s.onResume, fn)
}

// Suspend suspends and resumes the domain, running the resume callbacks.
func (s *Suspend) Suspend() {
	s.mu.Lock()
	s.count++
	callbacks := append([]func(){}, s.onResume...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
