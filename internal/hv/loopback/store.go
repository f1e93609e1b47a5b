// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"fmt"
	"strings"
	"sync"

	"github.com/siderolabs/talos-xeniface/internal/hv"
)

// Store is an in-memory key/value store. A watch fires for writes to its path and to paths below
// it.
type Store struct {
	mu      sync.Mutex
	values  map[string]string
	watches map[*storeWatch]struct{}
}

type storeWatch struct {
	store  *Store
	path   string
	notify func()
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		values:  make(map[string]string),
		watches: make(map[*storeWatch]struct{}),
	}
}

// Watch implements hv.Store.
func (s *Store) Watch(path string, notify func()) (hv.Watch, error) {
	w := &storeWatch{store: s, path: path, notify: notify}

	s.mu.Lock()
	s.watches[w] = struct{}{}
	s.mu.Unlock()

	notify()

	return w, nil
}

func (w *storeWatch) Remove() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	if _, ok := w.store.watches[w]; !ok {
		return fmt.Errorf("%w: watch on %q is not registered", hv.ErrBadReference, w.path)
	}

	delete(w.store.watches, w)

	return nil
}

func (w *storeWatch) matches(path string) bool {
	return path == w.path || strings.HasPrefix(path, strings.TrimSuffix(w.path, "/")+"/")
}

// Write sets path to value and fires the matching watches.
func (s *Store) Write(path, value string) {
	s.mu.Lock()
	s.values[path] = value
	fire := s.matching(path)
	s.mu.Unlock()

	for _, notify := range fire {
		notify()
	}
}

// Remove deletes path and fires the matching watches.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	delete(s.values, path)
	fire := s.matching(path)
	s.mu.Unlock()

	for _, notify := range fire {
		notify()
	}
}

func (s *Store) matching(path string) []func() {
	var fire []func()

	for w := range s.watches {
		if w.matches(path) {
			fire = append(fire, w.notify)
		}
	}

	return fire
}

// Read returns the value at path.
func (s *Store) Read(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[path]

	return v, ok
}

// Watches returns the number of registered watches.
func (s *Store) Watches() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.watches)
}
