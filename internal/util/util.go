// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package util packages logging helpers shared by the firmware model and the CLI.
package util

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// log/slog does not implement trace logging by default, but is flexible.
const (
	LogLevelTrace = slog.Level(-8)
)

// TraceLog sends trace-level logging to log/slog.Logger.
func TraceLog(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LogLevelTrace, msg, args...)
}

// ParseLevel parses error|warn|info|debug|trace, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "TRACE") {
		return LogLevelTrace, nil
	}

	var level slog.Level

	err := level.UnmarshalText([]byte(s))

	return level, err
}

// Hex formats a register value or a physical address.
func Hex[T ~uint32 | ~uintptr](v T) string {
	return fmt.Sprintf("%#08x", uint64(v))
}
