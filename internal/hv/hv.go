// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package hv defines the hypervisor capabilities the broker consumes.
package hv

import (
	"errors"
	"fmt"
	"time"

	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/memory"
)

// DomainID identifies an execution domain.
type DomainID uint16

// GrantRef names one page shared with a remote domain.
type GrantRef uint32

// Port is an event channel port number.
type Port uint32

var (
	// ErrExhausted is returned when the hypervisor has no free grant entries or ports.
	ErrExhausted = errors.New("hypervisor resources exhausted")
	// ErrBadReference is returned for unknown grant references, ports and mapping handles.
	ErrBadReference = errors.New("bad reference")
	// ErrPermission is returned when a domain may not access a grant.
	ErrPermission = errors.New("permission denied")
)

// ControlError classifies a hypervisor error for the control surface.
func ControlError(err error) error {
	if errors.Is(err, ErrExhausted) {
		return fmt.Errorf("%w: %w", ioctl.ErrNoMemory, err)
	}

	return fmt.Errorf("%w: %w", ioctl.ErrUnsuccessful, err)
}

// GrantTable shares local pages with remote domains and maps pages granted by them.
type GrantTable interface {
	PermitForeignAccess(domain DomainID, frame memory.Frame, readOnly bool) (GrantRef, error)
	RevokeForeignAccess(ref GrantRef) error
	// MapForeignPages maps the pages behind refs. The returned frames stay valid until the
	// mapping is released.
	MapForeignPages(domain DomainID, refs []GrantRef, readOnly bool) (Mapping, error)
	UnmapForeignPages(m Mapping) error
}

// Mapping is a hypervisor mapping of foreign pages.
type Mapping interface {
	Frames() []memory.Frame
}

// InterruptHandler is invoked by the hypervisor when an event arrives on a channel. The channel
// is masked for the duration of the call and stays masked until it is unmasked.
type InterruptHandler func()

// EventChannels opens event channels.
type EventChannels interface {
	OpenUnbound(remote DomainID, handler InterruptHandler, masked bool) (Channel, error)
	OpenInterdomain(remote DomainID, remotePort Port, handler InterruptHandler, masked bool) (Channel, error)
}

// Channel is an open event channel.
type Channel interface {
	Port() Port
	Send() error
	Unmask() error
	// Close closes the channel. No interrupt handler call is running or will start after Close
	// returns.
	Close() error
}

// Store provides change notifications on key/value store paths.
type Store interface {
	// Watch calls notify whenever the value at path changes, and once after registration.
	Watch(path string, notify func()) (Watch, error)
}

// Watch is a registered store watch.
type Watch interface {
	Remove() error
}

// SharedInfo reads the domain wallclock from the shared info page.
type SharedInfo interface {
	// Time returns the current wallclock and whether it is kept in local time rather than UTC.
	Time() (time.Time, bool)
}

// Suspend reports domain suspend and resume.
type Suspend interface {
	Count() uint32
	// OnResume registers fn to be called after every resume from suspend.
	OnResume(fn func())
}
