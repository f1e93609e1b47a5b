// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package nanotoolbox

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/util"
)

const (
	// RPCIN_MAX_DELAY as defined in rpcChannelInt.h.
	maxDelay = 100 * time.Millisecond

	// After an RPCI send error the channel is reset, backing off like
	// open-vm-tools/lib/rpcChannel/rpcChannel.c:RpcChannelCheckReset.
	resetDelay = 5 * time.Second

	// DefaultPrefix is prepended to every watched path.
	DefaultPrefix = "guestinfo."
)

type value struct {
	data    string
	present bool
}

type watchedKey struct {
	last    value
	polled  bool
	watches map[*guestInfoWatch]struct{}
}

type guestInfoWatch struct {
	g      *GuestInfo
	key    string
	notify func()
}

// GuestInfo is a store backend polling guestinfo keys of the vmx. Watched paths map to keys by
// replacing every '/' with '.' under a prefix.
type GuestInfo struct {
	logger *slog.Logger
	rpci   *RPCI
	prefix string

	mu   sync.Mutex
	keys map[string]*watchedKey

	stop     chan struct{}
	wg       sync.WaitGroup
	delay    time.Duration
	rpcError bool
}

var _ hv.Store = (*GuestInfo)(nil)

// NewGuestInfo returns a backend sending requests through rpci.
func NewGuestInfo(logger *slog.Logger, rpci *RPCI, prefix string) *GuestInfo {
	return &GuestInfo{
		logger: logger,
		rpci:   rpci,
		prefix: prefix,
		keys:   make(map[string]*watchedKey),
		stop:   make(chan struct{}),
	}
}

// Key returns the guestinfo key that path maps to.
func (g *GuestInfo) Key(path string) string {
	return g.prefix + strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

// Get reads path. A key the vmx does not know reads as absent.
func (g *GuestInfo) Get(path string) (string, bool, error) {
	v, err := g.read(g.Key(path))
	if err != nil {
		return "", false, err
	}

	return v.data, v.present, nil
}

func (g *GuestInfo) read(key string) (value, error) {
	reply, err := g.rpci.Request([]byte("info-get " + key))

	switch {
	case errors.Is(err, ErrRequestFailed):
		return value{}, nil
	case err != nil:
		return value{}, err
	}

	return value{data: string(reply), present: true}, nil
}

// Watch registers notify for path. notify is called once right away and again every time the
// value of the key changes.
func (g *GuestInfo) Watch(path string, notify func()) (hv.Watch, error) {
	key := g.Key(path)
	if key == g.prefix {
		return nil, fmt.Errorf("%w: empty path", hv.ErrBadReference)
	}

	w := &guestInfoWatch{g: g, key: key, notify: notify}

	g.mu.Lock()

	k, ok := g.keys[key]
	if !ok {
		k = &watchedKey{watches: make(map[*guestInfoWatch]struct{})}
		g.keys[key] = k
	}

	k.watches[w] = struct{}{}

	g.mu.Unlock()

	g.logger.Debug("watching guestinfo key", "key", key)

	notify()

	return w, nil
}

func (w *guestInfoWatch) Remove() error {
	g := w.g

	g.mu.Lock()
	defer g.mu.Unlock()

	k, ok := g.keys[w.key]
	if !ok {
		return hv.ErrBadReference
	}

	if _, ok = k.watches[w]; !ok {
		return hv.ErrBadReference
	}

	delete(k.watches, w)

	if len(k.watches) == 0 {
		delete(g.keys, w.key)
	}

	return nil
}

// Watches returns the number of registered watches.
func (g *GuestInfo) Watches() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, k := range g.keys {
		n += len(k.watches)
	}

	return n
}

// backoff exponentially increases the poll delay up to maxDelay.
func (g *GuestInfo) backoff() {
	switch {
	case g.delay >= maxDelay:
	case g.delay == 0:
		g.delay = 10 * time.Microsecond
	default:
		g.delay = min(g.delay*2, maxDelay)
	}
}

func (g *GuestInfo) checkReset() error {
	if !g.rpcError {
		return nil
	}

	if err := g.rpci.Reset(); err != nil {
		g.delay = resetDelay

		return err
	}

	g.rpcError = false

	return nil
}

// poll reads every watched key once and notifies the watches of keys whose value changed. It
// reports whether anything changed.
func (g *GuestInfo) poll() (bool, error) {
	g.mu.Lock()

	keys := make([]string, 0, len(g.keys))
	for key := range g.keys {
		keys = append(keys, key)
	}

	g.mu.Unlock()

	changed := false

	for _, key := range keys {
		v, err := g.read(key)
		if err != nil {
			return changed, err
		}

		g.mu.Lock()

		k, ok := g.keys[key]
		if !ok {
			g.mu.Unlock()

			continue
		}

		first := !k.polled
		k.polled = true

		if !first && v == k.last {
			g.mu.Unlock()

			continue
		}

		k.last = v

		var notify []func()

		if !first {
			for w := range k.watches {
				notify = append(notify, w.notify)
			}
		}

		g.mu.Unlock()

		if len(notify) > 0 {
			util.TraceLog(g.logger, "guestinfo key changed", "key", key, "present", v.present)

			changed = true
		}

		for _, fn := range notify {
			fn()
		}
	}

	return changed, nil
}

// Start opens the RPCI channel and polls the watched keys in the background.
func (g *GuestInfo) Start() error {
	if err := g.rpci.Start(); err != nil {
		return err
	}

	g.wg.Add(1)

	go func() {
		defer g.wg.Done()

		// Same polling interval and backoff logic as vmtoolsd.
		for {
			select {
			case <-g.stop:
				if err := g.rpci.Stop(); err != nil {
					g.logger.Warn("failed to close RPCI channel", "err", err)
				}

				return
			case <-time.After(g.delay):
				if err := g.checkReset(); err != nil {
					g.logger.Debug("rpci reset failed", "err", err)

					continue
				}

				changed, err := g.poll()
				if err != nil {
					g.logger.Warn("guestinfo poll failed", "err", err)

					g.delay = resetDelay
					g.rpcError = true

					continue
				}

				if changed {
					g.delay = 0
				} else {
					g.backoff()
				}
			}
		}
	}()

	return nil
}

// Stop ends the poll loop created via Start.
func (g *GuestInfo) Stop() {
	close(g.stop)
}

// Wait blocks until the poll loop has returned.
func (g *GuestInfo) Wait() {
	g.wg.Wait()
}
