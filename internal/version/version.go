// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package version contains variables such as project name, tag and sha. It's a proper alternative to using
// -ldflags '-X ...'.
package version

import (
	_ "embed"
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// Tag declares project git tag.
	//go:embed data/tag
	Tag string
	// SHA declares project git SHA.
	//go:embed data/sha
	SHA string
	// Name declares project name.
	Name = name()
)

func name() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "xeniface"
	}

	prefix := "github.com/siderolabs/"

	if tail, found := strings.CutPrefix(info.Path, prefix); found {
		before, _, _ := strings.Cut(tail, "/")
		if before != "" {
			return before
		}
	}

	// We could return a proper full path here, but it could be seen as a privacy violation.
	return "community-project"
}

// String returns the name, tag and sha on one line.
func String() string {
	return fmt.Sprintf("%s %s (%s)", Name, strings.TrimSpace(Tag), strings.TrimSpace(SHA))
}
