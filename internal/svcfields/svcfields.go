// Package svcfields holds the structured-logging keys shared across cpfd.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// Canonical keys.
const (
	SubsystemKey = pslog.TrustedString("sys")
	ConnKey      = pslog.TrustedString("conn")
	RemoteKey    = pslog.TrustedString("remote")
	RouteKey     = pslog.TrustedString("route")
)

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry logged through the returned logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithConn tags entries with a connection id and peer address.
func WithConn(logger pslog.Logger, id, remote string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(ConnKey, id, RemoteKey, remote)
}
