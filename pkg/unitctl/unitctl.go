// Package unitctl starts, stops and restarts systemd units over D-Bus.
package unitctl

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupported = errors.New("unitctl: unsupported OS (linux only)")

type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
)

// ParseOp accepts start, stop or restart (case-insensitive). Empty means restart.
func ParseOp(s string) (Op, error) {
	switch Op(strings.ToLower(strings.TrimSpace(s))) {
	case "", OpRestart:
		return OpRestart, nil
	case OpStart:
		return OpStart, nil
	case OpStop:
		return OpStop, nil
	default:
		return "", fmt.Errorf("unknown unit op %q (want start, stop or restart)", s)
	}
}

// UnitName appends ".service" to bare names; names with a unit suffix pass
// through unchanged.
func UnitName(name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if i := strings.LastIndexByte(n, '.'); i > 0 {
		switch n[i+1:] {
		case "service", "timer", "socket", "target", "mount", "path", "slice", "scope":
			return n
		}
	}
	return n + ".service"
}
