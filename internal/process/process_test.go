// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package process_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xeniface/internal/process"
)

func TestAttach(t *testing.T) {
	p := process.New(1, slog.Default())

	defer p.Close() //nolint:errcheck

	var seen *process.Process

	require.NoError(t, p.Attach(context.Background(), func(ctx context.Context) {
		seen = process.Current(ctx)

		// nested attach runs inline
		require.NoError(t, p.Attach(ctx, func(context.Context) {}))
	}))

	assert.Same(t, p, seen)
	assert.Nil(t, process.Current(context.Background()))
}

func TestCloseWaitsForRequests(t *testing.T) {
	p := process.New(2, slog.Default())

	end, err := p.Begin()
	require.NoError(t, err)

	closed := make(chan struct{})

	go func() {
		defer close(closed)

		assert.NoError(t, p.Close())
	}()

	select {
	case <-closed:
		t.Fatal("closed with a request in flight")
	case <-time.After(50 * time.Millisecond):
	}

	assert.True(t, p.Exited())

	_, err = p.Begin()
	require.ErrorIs(t, err, process.ErrExited)

	// teardown work still runs in the context of the process until it is closed
	require.NoError(t, p.Attach(context.Background(), func(context.Context) {}))

	end()
	end()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	require.ErrorIs(t, p.Attach(context.Background(), func(context.Context) {}), process.ErrExited)
}

func TestHandles(t *testing.T) {
	p := process.New(3, slog.Default())

	defer p.Close() //nolint:errcheck

	h1, err := p.OpenHandle()
	require.NoError(t, err)

	h2, err := p.OpenHandle()
	require.NoError(t, err)

	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Same(t, p, h1.Process())
	assert.Len(t, p.Handles(), 2)

	assert.True(t, p.ReleaseHandle(h1))
	assert.False(t, p.ReleaseHandle(h1))
	assert.Len(t, p.Handles(), 1)

	p.Exit()

	_, err = p.OpenHandle()
	require.ErrorIs(t, err, process.ErrExited)
}
