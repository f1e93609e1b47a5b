// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package workqueue runs deferred work on a fixed set of worker goroutines.
package workqueue

import (
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/talos-xeniface/internal/util"
)

// ErrStopped is returned by Submit once the queue is stopped.
var ErrStopped = errors.New("work queue stopped")

// Queue is an unbounded work queue. Submit never blocks.
type Queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   []func()
	stopped bool

	eg errgroup.Group
}

// New starts a queue with the given number of workers.
func New(logger *slog.Logger, workers int) *Queue {
	q := &Queue{logger: logger}
	q.cond = sync.NewCond(&q.mu)

	workers = max(workers, 1)

	for i := range workers {
		q.eg.Go(func() error {
			q.work(i)

			return nil
		})
	}

	return q
}

func (q *Queue) work(worker int) {
	for {
		fn, ok := q.next()
		if !ok {
			return
		}

		util.TraceLog(q.logger, "running work item", "worker", worker)
		fn()
	}
}

func (q *Queue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.stopped {
			return nil, false
		}

		q.cond.Wait()
	}

	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]

	return fn, true
}

// Submit queues fn.
func (q *Queue) Submit(fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}

	q.items = append(q.items, fn)
	q.cond.Signal()

	return nil
}

// Stop stops accepting work. Queued work still runs.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.cond.Broadcast()
}

// Wait waits for the workers to finish after Stop.
func (q *Queue) Wait() {
	q.eg.Wait() //nolint:errcheck
}
