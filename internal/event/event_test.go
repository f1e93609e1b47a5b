// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package event_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xeniface/internal/event"
)

func TestAutoResetEvent(t *testing.T) {
	e := event.New(false)

	e.Set()
	e.Set()

	require.NoError(t, e.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
}

func TestManualResetEvent(t *testing.T) {
	e := event.New(true)

	e.Set()
	require.NoError(t, e.Wait(context.Background()))
	require.NoError(t, e.Wait(context.Background()))

	e.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
}

func TestWaitWakesOnSet(t *testing.T) {
	e := event.New(false)

	done := make(chan error)

	go func() {
		done <- e.Wait(context.Background())
	}()

	e.Set()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestTable(t *testing.T) {
	tbl := event.NewTable()
	e := event.New(false)

	h := tbl.Insert(e)
	assert.NotZero(t, h)

	got, err := tbl.Reference(h)
	require.NoError(t, err)
	assert.Same(t, e, got)

	require.NoError(t, tbl.Close(h))

	_, err = tbl.Reference(h)
	require.ErrorIs(t, err, event.ErrInvalidHandle)
	require.ErrorIs(t, tbl.Close(h), event.ErrInvalidHandle)
}
