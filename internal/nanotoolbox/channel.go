// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package nanotoolbox talks to the vmx over the guest RPC backdoor and serves guestinfo keys as a
// store backend.
package nanotoolbox

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vmware/vmw-guestinfo/message"
	"github.com/vmware/vmw-guestinfo/vmcheck"

	"github.com/siderolabs/talos-xeniface/internal/util"
	"github.com/siderolabs/talos-xeniface/internal/vmwlogger"
)

const rpciProtocol uint32 = 0x49435052

var (
	// ErrNotVirtualWorld is returned when the current process is not running in a virtual world.
	ErrNotVirtualWorld = errors.New("not in a virtual world")
	// ErrRequestFailed is returned when the vmx answers a request with an error code.
	ErrRequestFailed = errors.New("rpci request failed")
	// ErrNoChannel is returned when a request is sent before the channel is started.
	ErrNoChannel = errors.New("no rpci channel")
)

// Channel abstracts the guest to vmx RPC transport.
type Channel interface {
	Start() error
	Stop() error
	Send([]byte) error
	Receive() ([]byte, error)
}

var (
	rpciOK  = []byte{'1', ' '}
	rpciERR = []byte{'0', ' '}
)

type backdoorChannel struct {
	protocol uint32
	ch       *message.Channel
}

var messageLogger sync.Once

// NewBackdoorChannel returns an RPCI channel to the vmx. The backdoor library logs through logger.
func NewBackdoorChannel(logger *slog.Logger) Channel {
	messageLogger.Do(func() {
		message.DefaultLogger = vmwlogger.New(logger)
	})

	return &backdoorChannel{protocol: rpciProtocol}
}

func (b *backdoorChannel) Start() error {
	if !vmcheck.IsVirtualCPU() {
		return ErrNotVirtualWorld
	}

	ch, err := message.NewChannel(b.protocol)
	if err != nil {
		return err
	}

	b.ch = ch

	return nil
}

func (b *backdoorChannel) Stop() error {
	if b.ch == nil {
		return nil
	}

	err := b.ch.Close()
	b.ch = nil

	return err
}

func (b *backdoorChannel) Send(buf []byte) error {
	if b.ch == nil {
		return ErrNoChannel
	}

	return b.ch.Send(buf)
}

func (b *backdoorChannel) Receive() ([]byte, error) {
	if b.ch == nil {
		return nil, ErrNoChannel
	}

	return b.ch.Receive()
}

// RPCI issues requests to the vmx. A request and its reply are exchanged atomically.
type RPCI struct {
	logger *slog.Logger

	mu      sync.Mutex
	channel Channel
}

// NewRPCI wraps channel.
func NewRPCI(logger *slog.Logger, channel Channel) *RPCI {
	return &RPCI{
		logger:  logger,
		channel: channel,
	}
}

// Start opens the channel.
func (r *RPCI) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("starting RPCI")

	return r.channel.Start()
}

// Stop closes the channel.
func (r *RPCI) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("closing RPCI")

	return r.channel.Stop()
}

// Reset closes and reopens the channel.
func (r *RPCI) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_ = r.channel.Stop() //nolint:errcheck

	return r.channel.Start()
}

// Request sends an RPC command to the vmx and checks the return code for success or error.
// A reply carrying the error code wraps ErrRequestFailed; anything else is a transport error.
func (r *RPCI) Request(request []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	util.TraceLog(r.logger, "rpci request", "request", string(request))

	if err := r.channel.Send(request); err != nil {
		return nil, err
	}

	reply, err := r.channel.Receive()
	if err != nil {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(reply, rpciOK):
		return reply[len(rpciOK):], nil
	case bytes.HasPrefix(reply, rpciERR):
		return nil, fmt.Errorf("%w: %q: %q", ErrRequestFailed, request, reply[len(rpciERR):])
	default:
		return nil, fmt.Errorf("%w: %q: malformed reply %q", ErrRequestFailed, request, reply)
	}
}
