// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package ioctl

import (
	"errors"
	"fmt"
)

var (
	// ErrPending is returned by Dispatch when the request was accepted and will be completed later.
	ErrPending = errors.New("request pending")
	// ErrInvalidBufferSize is returned when an input or output buffer has the wrong length.
	ErrInvalidBufferSize = errors.New("invalid buffer size")
	// ErrInvalidParameter is returned for malformed requests and duplicate request ids.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrNotFound is returned when a request references an unknown port, request id or context.
	ErrNotFound = errors.New("not found")
	// ErrNoMemory is returned when memory or hypervisor resources are exhausted.
	ErrNoMemory = errors.New("insufficient resources")
	// ErrUnsuccessful is returned when the hypervisor refuses an operation.
	ErrUnsuccessful = errors.New("unsuccessful")
	// ErrCancelled completes requests that were cancelled.
	ErrCancelled = errors.New("cancelled")
	// ErrDeviceNotReady is returned before the device is started and after it is torn down.
	ErrDeviceNotReady = errors.New("device not ready")
	// ErrInvalidDeviceRequest is returned for unknown control codes.
	ErrInvalidDeviceRequest = errors.New("invalid device request")
)

// Status is the wire representation of a request outcome. Values follow NTSTATUS.
type Status uint32

// Status values.
const (
	StatusSuccess              Status = 0x00000000
	StatusPending              Status = 0x00000103
	StatusUnsuccessful         Status = 0xc0000001
	StatusInvalidParameter     Status = 0xc000000d
	StatusInvalidDeviceRequest Status = 0xc0000010
	StatusNoMemory             Status = 0xc0000017
	StatusDeviceNotReady       Status = 0xc00000a3
	StatusCancelled            Status = 0xc0000120
	StatusInvalidBufferSize    Status = 0xc0000206
	StatusNotFound             Status = 0xc0000225
)

var statusErrors = []struct {
	err    error
	status Status
}{
	{ErrPending, StatusPending},
	{ErrInvalidBufferSize, StatusInvalidBufferSize},
	{ErrInvalidParameter, StatusInvalidParameter},
	{ErrNotFound, StatusNotFound},
	{ErrNoMemory, StatusNoMemory},
	{ErrCancelled, StatusCancelled},
	{ErrDeviceNotReady, StatusDeviceNotReady},
	{ErrInvalidDeviceRequest, StatusInvalidDeviceRequest},
	{ErrUnsuccessful, StatusUnsuccessful},
}

// StatusOf maps err to a Status. Errors outside the taxonomy map to StatusUnsuccessful.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}

	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}

	return StatusUnsuccessful
}

// Err converts the status back to a sentinel error, nil for success.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}

	for _, se := range statusErrors {
		if se.status == s {
			return se.err
		}
	}

	return fmt.Errorf("%w: status %#08x", ErrUnsuccessful, uint32(s))
}

// IsError reports whether the status is an error status.
func (s Status) IsError() bool {
	return s&0xc0000000 == 0xc0000000
}

// String returns a readable form of the status.
func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}

	return s.Err().Error()
}
