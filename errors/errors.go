// Package errors defines the structured error taxonomy shared by every
// subsystem of the protocol runtime: the session, the RPC invoker/executor,
// and the telemetry sender/receiver all report failures as *Error values so
// that applications can branch on Kind rather than parsing strings.
package errors

import "time"

type (
	// Error represents a structured protocol error. Only the fields relevant
	// to a given Kind are populated; the rest are left at their zero value.
	Error struct {
		Message string
		Kind    Kind

		NestedError error

		HeaderName  string
		HeaderValue string

		TimeoutName  string
		TimeoutValue time.Duration

		PropertyName  string
		PropertyValue any

		ProtocolVersion                string
		SupportedMajorProtocolVersions []int

		CommandName string

		// InApplication is set when a non-2xx status represents an
		// application-level error (the executor's handler returned an error)
		// as opposed to a protocol-level one.
		InApplication bool

		// IsShallow is set when the error was detected before any network I/O
		// was attempted (construction-time validation, local state checks).
		IsShallow bool

		// IsRemote is set when the error was reported by the remote
		// counterpart (an executor's 4xx/5xx response) rather than detected
		// locally.
		IsRemote bool

		// HTTPStatusCode mirrors the RPC status code for InvocationError and
		// ExecutionError kinds, for callers that want to branch on it
		// directly instead of on Kind.
		HTTPStatusCode int
	}

	// Kind identifies the category of a protocol Error; see the package
	// constants for the full taxonomy (spec §7).
	Kind int
)

// The defined error kinds, matching the taxonomy in spec §7.
const (
	HeaderMissing Kind = iota
	HeaderInvalid
	PayloadInvalid
	Timeout
	Cancellation
	ConfigurationInvalid
	ArgumentInvalid
	StateInvalid
	InternalLogicError
	UnknownError
	InvocationError
	ExecutionError
	MqttError
	UnsupportedVersion
)

var kindNames = map[Kind]string{
	HeaderMissing:        "HeaderMissing",
	HeaderInvalid:        "HeaderInvalid",
	PayloadInvalid:       "PayloadInvalid",
	Timeout:              "Timeout",
	Cancellation:         "Cancellation",
	ConfigurationInvalid: "ConfigurationInvalid",
	ArgumentInvalid:      "ArgumentInvalid",
	StateInvalid:         "StateInvalid",
	InternalLogicError:   "InternalLogicError",
	UnknownError:         "UnknownError",
	InvocationError:      "InvocationError",
	ExecutionError:       "ExecutionError",
	MqttError:            "MqttError",
	UnsupportedVersion:   "UnsupportedVersion",
}

// String returns the name of the error kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UnknownKind"
}

// Error returns the error message, satisfying the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

// Unwrap returns the nested error, if any, so that errors.Is/errors.As work
// through an *Error.
func (e *Error) Unwrap() error {
	return e.NestedError
}
