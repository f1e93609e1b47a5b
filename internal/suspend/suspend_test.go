// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package suspend_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xeniface/internal/event"
	"github.com/siderolabs/talos-xeniface/internal/hv/loopback"
	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/suspend"
)

func TestResumeSignalsRegistrations(t *testing.T) {
	backend := &loopback.Suspend{}
	m := suspend.New(slog.Default(), backend)

	p := process.New(1, slog.Default())

	defer p.Close() //nolint:errcheck

	h, err := p.OpenHandle()
	require.NoError(t, err)

	other, err := p.OpenHandle()
	require.NoError(t, err)

	e := event.New(true)
	id := m.Register(h, e)

	backend.Suspend()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, e.Wait(ctx))
	assert.EqualValues(t, 1, m.Count())

	require.ErrorIs(t, m.Deregister(other, id), ioctl.ErrNotFound)
	require.NoError(t, m.Deregister(h, id))
	require.ErrorIs(t, m.Deregister(h, id), ioctl.ErrNotFound)

	m.Register(h, event.New(false))
	m.Register(other, event.New(false))

	assert.Equal(t, 1, m.Cleanup(h))
	assert.Equal(t, 1, m.Len())
}
