// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package ioctl defines the control codes, wire structures and status values of the device control
// surface.
package ioctl

import "fmt"

// Code is a device control code.
type Code uint32

const (
	deviceTypeUnknown = 0x22

	methodBuffered = 0
	methodNeither  = 3
)

func ctlCode(function, method uint32) Code {
	return Code(deviceTypeUnknown<<16 | function<<2 | method)
}

// Control codes.
var (
	StoreAddWatch    = ctlCode(0x805, methodBuffered)
	StoreRemoveWatch = ctlCode(0x806, methodBuffered)

	EvtchnBindInterdomain = ctlCode(0x810, methodBuffered)
	EvtchnBindUnbound     = ctlCode(0x811, methodBuffered)
	EvtchnClose           = ctlCode(0x812, methodBuffered)
	EvtchnNotify          = ctlCode(0x813, methodBuffered)
	EvtchnUnmask          = ctlCode(0x814, methodBuffered)

	// GnttabPermitForeignAccess stays pending until the grant is revoked or its process exits.
	GnttabPermitForeignAccess = ctlCode(0x820, methodNeither)
	GnttabRevokeForeignAccess = ctlCode(0x821, methodBuffered)
	// GnttabMapForeignPages stays pending until the pages are unmapped or its process exits.
	GnttabMapForeignPages   = ctlCode(0x822, methodNeither)
	GnttabUnmapForeignPages = ctlCode(0x823, methodBuffered)

	SuspendGetCount   = ctlCode(0x830, methodBuffered)
	SuspendRegister   = ctlCode(0x831, methodBuffered)
	SuspendDeregister = ctlCode(0x832, methodBuffered)

	SharedInfoGetTime = ctlCode(0x840, methodBuffered)

	Log = ctlCode(0x84f, methodBuffered)
)

var codeNames = map[Code]string{
	StoreAddWatch:             "STORE_ADD_WATCH",
	StoreRemoveWatch:          "STORE_REMOVE_WATCH",
	EvtchnBindInterdomain:     "EVTCHN_BIND_INTERDOMAIN",
	EvtchnBindUnbound:         "EVTCHN_BIND_UNBOUND",
	EvtchnClose:               "EVTCHN_CLOSE",
	EvtchnNotify:              "EVTCHN_NOTIFY",
	EvtchnUnmask:              "EVTCHN_UNMASK",
	GnttabPermitForeignAccess: "GNTTAB_PERMIT_FOREIGN_ACCESS",
	GnttabRevokeForeignAccess: "GNTTAB_REVOKE_FOREIGN_ACCESS",
	GnttabMapForeignPages:     "GNTTAB_MAP_FOREIGN_PAGES",
	GnttabUnmapForeignPages:   "GNTTAB_UNMAP_FOREIGN_PAGES",
	SuspendGetCount:           "SUSPEND_GET_COUNT",
	SuspendRegister:           "SUSPEND_REGISTER",
	SuspendDeregister:         "SUSPEND_DEREGISTER",
	SharedInfoGetTime:         "SHAREDINFO_GET_TIME",
	Log:                       "LOG",
}

// String returns the name of the control code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("IOCTL_%#08x", uint32(c))
}

// Neither reports whether the code passes its input buffer uncaptured, so the dispatcher must copy it.
func (c Code) Neither() bool {
	return c&3 == methodNeither
}

// Page flags of the grant and map requests.
const (
	FlagReadOnly        uint32 = 1 << 0
	FlagUseNotifyOffset uint32 = 1 << 1
	FlagUseNotifyPort   uint32 = 1 << 2

	validFlags = FlagReadOnly | FlagUseNotifyOffset | FlagUseNotifyPort
)

// Limits.
const (
	// MaxPages is the largest page count of a single grant or map request.
	MaxPages = 1024 * 1024
	// MaxPathLength is the largest store path, including the NUL terminator.
	MaxPathLength = 3072
	// MaxLogLength is the largest log message, including the NUL terminator.
	MaxLogLength = 256
)
