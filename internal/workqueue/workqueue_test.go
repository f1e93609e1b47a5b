// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package workqueue_test

import (
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xeniface/internal/workqueue"
)

func TestQueueDrainsOnStop(t *testing.T) {
	q := workqueue.New(slog.Default(), 4)

	var ran atomic.Int32

	for range 100 {
		require.NoError(t, q.Submit(func() { ran.Add(1) }))
	}

	q.Stop()
	q.Wait()

	assert.EqualValues(t, 100, ran.Load())
	require.ErrorIs(t, q.Submit(func() {}), workqueue.ErrStopped)
}

func TestSubmitFromWorker(t *testing.T) {
	q := workqueue.New(slog.Default(), 1)

	done := make(chan struct{})

	require.NoError(t, q.Submit(func() {
		// a single worker must not deadlock on nested submits
		assert.NoError(t, q.Submit(func() { close(done) }))
	}))

	<-done

	q.Stop()
	q.Wait()
}
