// Package version parses and checks the protocol version carried on every
// RPC and telemetry message's `__protVer` user property.
package version

import (
	"strconv"
	"strings"
)

// Current is the protocol version this runtime emits.
const Current = "1.0"

// SupportedMajors lists the major protocol versions this runtime accepts on
// inbound messages.
var SupportedMajors = []int{1}

// Parse splits a "major.minor" version string. An empty string defaults to
// 1.0, matching the normative default in spec §6. A malformed version
// string yields a negative major version, which never matches SupportedMajors.
func Parse(v string) (major, minor int) {
	if v == "" {
		return 1, 0
	}
	parts := strings.Split(v, ".")
	if len(parts) != 2 {
		return -1, 0
	}
	var err error
	if major, err = strconv.Atoi(parts[0]); err != nil {
		return -1, 0
	}
	if minor, err = strconv.Atoi(parts[1]); err != nil {
		return -1, 0
	}
	return major, minor
}

// IsSupported reports whether the major version of v is one this runtime
// can process.
func IsSupported(v string) bool {
	major, _ := Parse(v)
	for _, m := range SupportedMajors {
		if major == m {
			return true
		}
	}
	return false
}
