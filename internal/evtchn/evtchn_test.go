// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package evtchn_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/evtchn"
	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/hv/loopback"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
)

func setup(t *testing.T) (*evtchn.Manager, *loopback.EventChannels, *process.Handle) {
	t.Helper()

	channels := loopback.NewEventChannels(0)
	m := evtchn.New(slog.Default(), channels)

	p := process.New(1, slog.Default())

	h, err := p.OpenHandle()
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Shutdown()
		assert.NoError(t, p.Close())
	})

	return m, channels, h
}

func waitSignal(t *testing.T, e *event.Event) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, e.Wait(ctx))
}

func noSignal(t *testing.T, e *event.Event) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
}

func TestInterdomainDelivery(t *testing.T) {
	m, _, h := setup(t)

	ea, eb := event.New(false), event.New(false)

	a, err := m.BindUnbound(h, 0, ea, false)
	require.NoError(t, err)

	b, err := m.BindInterdomain(h, 0, a, eb, false)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	for range 3 {
		require.NoError(t, m.Notify(h, b))
		waitSignal(t, ea)
	}

	require.NoError(t, m.Notify(h, a))
	waitSignal(t, eb)

	require.NoError(t, m.Close(h, a))
	require.NoError(t, m.Close(h, b))
	assert.Zero(t, m.Len())
}

func TestMaskedChannelLatches(t *testing.T) {
	m, channels, h := setup(t)

	e := event.New(false)

	port, err := m.BindUnbound(h, 0, e, true)
	require.NoError(t, err)

	channels.Raise(port)
	noSignal(t, e)

	require.NoError(t, m.Unmask(h, port))
	waitSignal(t, e)

	// the deferred callback unmasks the channel again
	channels.Raise(port)
	waitSignal(t, e)
}

func TestLookupIsScopedToHandle(t *testing.T) {
	m, _, h := setup(t)

	other, err := h.Process().OpenHandle()
	require.NoError(t, err)

	port, err := m.BindUnbound(h, 0, event.New(false), false)
	require.NoError(t, err)

	require.ErrorIs(t, m.Notify(other, port), ioctl.ErrNotFound)
	require.ErrorIs(t, m.Unmask(other, port), ioctl.ErrNotFound)
	require.ErrorIs(t, m.Close(other, port), ioctl.ErrNotFound)
	require.ErrorIs(t, m.Notify(h, port+100), ioctl.ErrNotFound)

	// internal notifications match any owner
	require.NoError(t, m.Notify(nil, port))

	assert.Equal(t, 0, m.Cleanup(other))
	assert.Equal(t, 1, m.Cleanup(h))
	require.ErrorIs(t, m.Notify(h, port), ioctl.ErrNotFound)
}

func TestBindFailure(t *testing.T) {
	m, _, h := setup(t)

	_, err := m.BindInterdomain(h, 0, 42, event.New(false), false)
	require.ErrorIs(t, err, ioctl.ErrUnsuccessful)
	require.ErrorIs(t, err, hv.ErrBadReference)
	assert.Zero(t, m.Len())
}

type countingSignal struct {
	n atomic.Int32
}

func (s *countingSignal) Set() { s.n.Add(1) }

func TestCloseDrainsCallbacks(t *testing.T) {
	m, channels, h := setup(t)

	for range 20 {
		sig := &countingSignal{}

		port, err := m.BindUnbound(h, 0, sig, false)
		require.NoError(t, err)

		done := make(chan struct{})

		go func() {
			defer close(done)

			for range 100 {
				channels.Raise(port)
			}
		}()

		require.NoError(t, m.Close(h, port))

		seen := sig.n.Load()

		<-done

		// nothing signals after Close returned
		time.Sleep(time.Millisecond)
		assert.Equal(t, seen, sig.n.Load())
	}
}

func TestOneSignalPerInterrupt(t *testing.T) {
	m, channels, h := setup(t)

	sig := &countingSignal{}

	port, err := m.BindUnbound(h, 0, sig, false)
	require.NoError(t, err)

	for i := int32(1); i <= 10; i++ {
		channels.Raise(port)

		require.Eventually(t, func() bool { return sig.n.Load() >= i }, 5*time.Second, time.Millisecond)

		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, i, sig.n.Load())
	}

	require.NoError(t, m.Close(h, port))
}
