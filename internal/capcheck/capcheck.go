// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package capcheck checks the effective Linux capabilities of the process.
package capcheck

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HasCapability reports whether the capability with the given bit is in the effective set.
func HasCapability(capabilityBit int8) (bool, error) {
	if capabilityBit < 0 || capabilityBit >= 64 {
		return false, fmt.Errorf("invalid capability %d", capabilityBit)
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}

	// version 3 carries the 64 capability bits in two 32 bit words
	var data [2]unix.CapUserData

	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, fmt.Errorf("error reading capabilities: %w", err)
	}

	word := data[capabilityBit/32].Effective

	return word&(1<<(uint(capabilityBit)%32)) != 0, nil
}
