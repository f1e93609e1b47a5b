// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/hv/loopback"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/store"
)

func handle(t *testing.T) *process.Handle {
	t.Helper()

	p := process.New(1, slog.Default())

	t.Cleanup(func() { assert.NoError(t, p.Close()) })

	h, err := p.OpenHandle()
	require.NoError(t, err)

	return h
}

func wait(t *testing.T, e *event.Event, timeout time.Duration) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return e.Wait(ctx)
}

func TestWatchSignalsOnWrite(t *testing.T) {
	backend := loopback.NewStore()
	m := store.New(slog.Default(), backend)
	h := handle(t)

	e := event.New(false)

	id, err := m.AddWatch(h, "data/test", e)
	require.NoError(t, err)

	// watches fire once after registration
	require.NoError(t, wait(t, e, 5*time.Second))

	backend.Write("data/test/key", "value")
	require.NoError(t, wait(t, e, 5*time.Second))

	require.NoError(t, m.RemoveWatch(h, id))
	assert.Zero(t, backend.Watches())

	backend.Write("data/test/key", "other")
	require.ErrorIs(t, wait(t, e, 50*time.Millisecond), context.DeadlineExceeded)

	require.ErrorIs(t, m.RemoveWatch(h, id), ioctl.ErrNotFound)
}

func TestWatchPathLength(t *testing.T) {
	m := store.New(slog.Default(), loopback.NewStore())
	h := handle(t)

	_, err := m.AddWatch(h, "", event.New(false))
	require.ErrorIs(t, err, ioctl.ErrInvalidParameter)

	_, err = m.AddWatch(h, strings.Repeat("a", ioctl.MaxPathLength), event.New(false))
	require.ErrorIs(t, err, ioctl.ErrInvalidParameter)

	_, err = m.AddWatch(h, strings.Repeat("a", ioctl.MaxPathLength-1), event.New(false))
	require.NoError(t, err)
}

func TestWatchCleanupIsScopedToHandle(t *testing.T) {
	backend := loopback.NewStore()
	m := store.New(slog.Default(), backend)
	h := handle(t)

	other, err := h.Process().OpenHandle()
	require.NoError(t, err)

	id, err := m.AddWatch(h, "a", event.New(false))
	require.NoError(t, err)

	_, err = m.AddWatch(other, "b", event.New(false))
	require.NoError(t, err)

	require.ErrorIs(t, m.RemoveWatch(other, id), ioctl.ErrNotFound)

	assert.Equal(t, 1, m.Cleanup(h))
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, m.Shutdown())
	assert.Zero(t, backend.Watches())
}

func TestConcurrentAddWatch(t *testing.T) {
	backend := loopback.NewStore()
	m := store.New(slog.Default(), backend)
	h := handle(t)

	const n = 16

	var (
		mu  sync.Mutex
		ids = make(map[uint64]struct{})
		wg  sync.WaitGroup
	)

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			e := event.New(false)

			id, err := m.AddWatch(h, fmt.Sprintf("data/%d", i), e)
			assert.NoError(t, err)

			// the initial notification arrives while AddWatch is still registering
			assert.NoError(t, wait(t, e, 5*time.Second))

			mu.Lock()
			ids[id] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, ids, n)
	assert.Equal(t, n, m.Len())
	assert.Equal(t, n, m.Cleanup(h))
	assert.Zero(t, backend.Watches())
}

type brokenStore struct {
	watchErr  error
	removeErr error
}

func (s *brokenStore) Watch(string, func()) (hv.Watch, error) {
	if s.watchErr != nil {
		return nil, s.watchErr
	}

	return s, nil
}

func (s *brokenStore) Remove() error { return s.removeErr }

func TestWatchBackendFailures(t *testing.T) {
	h := handle(t)

	m := store.New(slog.Default(), &brokenStore{watchErr: hv.ErrExhausted})

	_, err := m.AddWatch(h, "a", event.New(false))
	require.ErrorIs(t, err, ioctl.ErrNoMemory)
	assert.Zero(t, m.Len())

	m = store.New(slog.Default(), &brokenStore{removeErr: errors.New("boom")})

	id, err := m.AddWatch(h, "a", event.New(false))
	require.NoError(t, err)

	assert.Panics(t, func() { m.RemoveWatch(h, id) }) //nolint:errcheck
}
