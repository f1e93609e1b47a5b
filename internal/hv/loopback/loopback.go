// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package loopback implements the hypervisor capabilities inside the process. Every grant is
// issued by the local domain and every channel ends in it, so pages shared with the local domain
// can be mapped back and interdomain channels connect two local ports.
package loopback

import (
	"github.com/siderolabs/talos-xeniface/internal/hv"
)

// Hypervisor bundles the loopback capabilities.
type Hypervisor struct {
	Grants     *GrantTable
	Channels   *EventChannels
	Store      *Store
	Suspend    *Suspend
	SharedInfo *SharedInfo
}

// New returns a loopback hypervisor for domain self with room for grantCapacity grants.
func New(self hv.DomainID, grantCapacity int) *Hypervisor {
	return &Hypervisor{
		Grants:     NewGrantTable(self, grantCapacity),
		Channels:   NewEventChannels(self),
		Store:      NewStore(),
		Suspend:    &Suspend{},
		SharedInfo: NewSharedInfo(),
	}
}
