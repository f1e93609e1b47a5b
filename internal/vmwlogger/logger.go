// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package vmwlogger routes the log output of github.com/vmware/vmw-guestinfo/message to log/slog.
package vmwlogger

import (
	"fmt"
	"log/slog"

	"github.com/siderolabs/talos-xeniface/internal/util"
)

// Logger satisfies the logger interface of the backdoor message package.
type Logger struct {
	logger *slog.Logger
}

// New wraps logger.
func New(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Errorf logs an error.
func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// Debugf logs at trace level: the message package is chatty on every backdoor call.
func (l *Logger) Debugf(format string, args ...any) {
	util.TraceLog(l.logger, fmt.Sprintf(format, args...))
}

// Infof logs informational messages.
func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}
