// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package irp_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/irp"
	"github.com/siderolabs/talos-xeniface/internal/process"
)

func newHandle(t *testing.T) *process.Handle {
	t.Helper()

	p := process.New(1, slog.Default())

	h, err := p.OpenHandle()
	require.NoError(t, err)

	return h
}

func TestCompleteOnce(t *testing.T) {
	h := newHandle(t)

	r, err := irp.New(context.Background(), ioctl.Log, h, []byte{1, 2, 3}, 4)
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 2, 3}, r.Input)
	assert.Len(t, r.Output, 4)
	assert.Equal(t, ioctl.StatusPending, r.Status())

	assert.True(t, r.Complete(ioctl.ErrNotFound))
	assert.False(t, r.Complete(nil))

	status, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ioctl.StatusNotFound, status)
	require.ErrorIs(t, r.Context().Err(), context.Canceled)

	require.NoError(t, h.Process().Close())
}

func TestInputCapture(t *testing.T) {
	h := newHandle(t)

	input := []byte{1, 2, 3}

	neither, err := irp.New(context.Background(), ioctl.GnttabMapForeignPages, h, input, 0)
	require.NoError(t, err)

	buffered, err := irp.New(context.Background(), ioctl.EvtchnNotify, h, input, 0)
	require.NoError(t, err)

	input[0] = 9

	assert.Equal(t, []byte{1, 2, 3}, neither.Input)
	assert.Equal(t, []byte{9, 2, 3}, buffered.Input)

	neither.Complete(nil)
	buffered.Complete(nil)

	require.NoError(t, h.Process().Close())
}

func TestProcessExitCancelsContext(t *testing.T) {
	h := newHandle(t)

	r, err := irp.New(context.Background(), ioctl.GnttabPermitForeignAccess, h, nil, 0)
	require.NoError(t, err)

	h.Process().Exit()

	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("request context not cancelled")
	}

	assert.Equal(t, ioctl.StatusPending, r.Status())

	r.Complete(ioctl.ErrCancelled)
	require.NoError(t, h.Process().Close())

	_, err = irp.New(context.Background(), ioctl.Log, h, nil, 0)
	require.ErrorIs(t, err, process.ErrExited)
}
