// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package vmwlogger_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/siderolabs/talos-xeniface/internal/util"
	"github.com/siderolabs/talos-xeniface/internal/vmwlogger"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer

	l := vmwlogger.New(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	l.Infof("opened channel %d", 3)
	l.Errorf("send failed: %s", "reset")
	l.Debugf("backdoor call %x", 0x1e)

	out := buf.String()

	assert.Contains(t, out, `level=INFO msg="opened channel 3"`)
	assert.Contains(t, out, `level=ERROR msg="send failed: reset"`)
	assert.NotContains(t, out, "backdoor call")

	buf.Reset()

	l = vmwlogger.New(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: util.LogLevelTrace})))
	l.Debugf("backdoor call %x", 0x1e)

	assert.Contains(t, buf.String(), `msg="backdoor call 1e"`)
}
