// Package envelope encodes and decodes the reserved MQTT user properties
// that carry protocol metadata (timestamps, status, fencing tokens) and
// validates application-supplied custom properties against the reserved
// namespace, per spec §4.4.
package envelope

import (
	"strconv"
	"strings"

	"github.com/nimbusedge/mqttproto/errors"
)

// Reserved user-property keys. All carry the "__" prefix, which is forbidden
// on user-supplied custom properties.
const (
	Prefix = "__"

	SenderID        = Prefix + "sndId"
	InvokerClientID = Prefix + "invId"
	Timestamp       = Prefix + "ts"
	FencingToken    = Prefix + "ft"
	ProtocolVersion = Prefix + "protVer"

	Status                 = Prefix + "stat"
	StatusMessage          = Prefix + "stMsg"
	IsApplicationError     = Prefix + "apErr"
	InvalidPropertyName    = Prefix + "propName"
	InvalidPropertyValue   = Prefix + "propVal"
	SupportedMajorVersions = Prefix + "supProtMajVer"
	RequestProtocolVersion = Prefix + "requestProtVer"
)

// Partition is a broker-level (non-"__"-prefixed) user property used to hint
// MQTT broker partition routing at the invoker's identity; like the
// timestamp, it is skipped by the executor cache's equivalent-request
// comparison.
const Partition = "$partition"

// CloudEvent reserved keys live in their own namespace (no "__" prefix) per
// the CloudEvents 1.0 spec; listed here so ValidateCustom can reject them as
// custom metadata too.
var cloudEventKeys = map[string]struct{}{
	"specversion":     {},
	"type":            {},
	"source":          {},
	"id":              {},
	"time":            {},
	"subject":         {},
	"datacontenttype": {},
	"dataschema":      {},
}

// ValidateCustom checks a map of application-supplied custom user
// properties against the reserved namespace and the control-character
// restriction in spec §4.4.
func ValidateCustom(props map[string]string) error {
	for k, v := range props {
		if strings.HasPrefix(k, Prefix) {
			return &errors.Error{
				Message:       "custom property uses reserved prefix",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  k,
				PropertyValue: v,
			}
		}
		if _, reserved := cloudEventKeys[k]; reserved {
			return &errors.Error{
				Message:       "custom property key is reserved for CloudEvents",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  k,
				PropertyValue: v,
			}
		}
		if hasControlChar(k) || hasControlChar(v) {
			return &errors.Error{
				Message:       "custom property contains a control character",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  k,
				PropertyValue: v,
			}
		}
	}
	return nil
}

func hasControlChar(s string) bool {
	for _, r := range s {
		if (r >= 0x00 && r <= 0x1F) || (r >= 0x7F && r <= 0x9F) {
			return true
		}
	}
	return false
}

// StripReserved returns the subset of user properties that are not part of
// the reserved envelope, i.e. what gets exposed to user code as message
// metadata.
func StripReserved(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		if !strings.HasPrefix(k, Prefix) {
			out[k] = v
		}
	}
	return out
}

// StatusFields is the decoded form of the status-related reserved
// properties on an RPC response.
type StatusFields struct {
	Status                int
	StatusMessage         string
	IsApplicationError    bool
	InvalidPropertyName   string
	InvalidPropertyValue  string
}

// EncodeStatus renders a CommandResponse's status fields as reserved user
// properties, to be merged into the outbound publish's property set.
func EncodeStatus(f StatusFields) map[string]string {
	out := map[string]string{
		Status: strconv.Itoa(f.Status),
	}
	if f.StatusMessage != "" {
		out[StatusMessage] = f.StatusMessage
	}
	if f.IsApplicationError {
		out[IsApplicationError] = "true"
	}
	if f.InvalidPropertyName != "" {
		out[InvalidPropertyName] = f.InvalidPropertyName
	}
	if f.InvalidPropertyValue != "" {
		out[InvalidPropertyValue] = f.InvalidPropertyValue
	}
	return out
}

// DecodeStatus parses the reserved status properties off an inbound RPC
// response. ok is false if the required Status property is absent or
// unparseable.
func DecodeStatus(props map[string]string) (StatusFields, bool) {
	raw, present := props[Status]
	if !present {
		return StatusFields{}, false
	}
	status, err := strconv.Atoi(raw)
	if err != nil {
		return StatusFields{}, false
	}
	return StatusFields{
		Status:               status,
		StatusMessage:        props[StatusMessage],
		IsApplicationError:   props[IsApplicationError] == "true",
		InvalidPropertyName:  props[InvalidPropertyName],
		InvalidPropertyValue: props[InvalidPropertyValue],
	}, true
}
