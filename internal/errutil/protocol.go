// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package errutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sosodev/duration"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/internal/envelope"
)

type result struct {
	status            int
	message           string
	application       bool
	name              string
	value             any
	ver               string
	supportedVersions []int
}

// ToUserProp renders an RPC execution result as the reserved status user
// properties to attach to the response publish.
func ToUserProp(err error) map[string]string {
	if err == nil {
		return (&result{status: 200}).props()
	}

	e, ok := err.(*errors.Error)
	if !ok {
		return (&result{status: 500, message: "invalid error"}).props()
	}

	switch e.Kind {
	case errors.HeaderMissing:
		return (&result{status: 400, message: e.Message, name: e.HeaderName}).props()
	case errors.HeaderInvalid:
		if e.HeaderName == "Content Type" || e.HeaderName == "Payload Format Indicator" {
			return (&result{status: 415, message: e.Message, name: e.HeaderName, value: e.HeaderValue}).props()
		}
		return (&result{status: 400, message: e.Message, name: e.HeaderName, value: e.HeaderValue}).props()
	case errors.PayloadInvalid:
		return (&result{status: 400, message: e.Message}).props()
	case errors.Timeout:
		return (&result{status: 408, message: e.Message, name: e.TimeoutName, value: duration.Format(e.TimeoutValue)}).props()
	case errors.StateInvalid:
		return (&result{status: 503, message: e.Message, name: e.PropertyName}).props()
	case errors.InternalLogicError:
		return (&result{status: 500, message: e.Message, name: e.PropertyName}).props()
	case errors.UnknownError:
		return (&result{status: 500, message: e.Message}).props()
	case errors.ExecutionError:
		return (&result{status: 500, message: e.Message, application: true}).props()
	case errors.UnsupportedVersion:
		return (&result{
			status:            505,
			message:           e.Message,
			ver:               e.ProtocolVersion,
			supportedVersions: e.SupportedMajorProtocolVersions,
		}).props()
	default:
		return (&result{status: 500, message: "invalid error kind", name: "Kind"}).props()
	}
}

// FromUserProp parses the reserved status user properties off an inbound
// RPC response into either nil (success) or a remote *errors.Error.
func FromUserProp(user map[string]string) error {
	status := user[envelope.Status]
	statusMessage := user[envelope.StatusMessage]
	propertyName := user[envelope.InvalidPropertyName]
	propertyValue := user[envelope.InvalidPropertyValue]
	protocolVersion := user[envelope.RequestProtocolVersion]
	supportedVersions := user[envelope.SupportedMajorVersions]

	if status == "" {
		return &errors.Error{Message: "status missing", Kind: errors.HeaderMissing, HeaderName: envelope.Status}
	}

	code, err := strconv.ParseInt(status, 10, 32)
	if err != nil {
		return &errors.Error{
			Message:     "status is not a valid integer",
			Kind:        errors.HeaderInvalid,
			HeaderName:  envelope.Status,
			HeaderValue: status,
			NestedError: err,
		}
	}

	if code < 400 {
		return nil
	}

	e := &errors.Error{Message: statusMessage, IsRemote: true}

	switch code {
	case 400, 415:
		switch {
		case propertyName == "" && propertyValue == "":
			e.Kind = errors.PayloadInvalid
		case propertyValue == "":
			e.Kind, e.HeaderName = errors.HeaderMissing, propertyName
		default:
			e.Kind, e.HeaderName, e.HeaderValue = errors.HeaderInvalid, propertyName, propertyValue
		}
	case 408:
		to, perr := duration.Parse(propertyValue)
		if perr != nil {
			return &errors.Error{
				Message:     "invalid timeout value",
				Kind:        errors.HeaderInvalid,
				HeaderName:  envelope.InvalidPropertyValue,
				HeaderValue: propertyValue,
				NestedError: perr,
			}
		}
		e.Kind, e.TimeoutName, e.TimeoutValue = errors.Timeout, propertyName, to.ToTimeDuration()
	case 500:
		appErr := user[envelope.IsApplicationError]
		switch {
		case appErr != "" && appErr != "false":
			e.Kind, e.InApplication, e.HTTPStatusCode = errors.ExecutionError, true, int(code)
		case propertyName != "":
			e.Kind, e.PropertyName = errors.InternalLogicError, propertyName
		default:
			e.Kind = errors.UnknownError
		}
	case 503:
		e.Kind, e.PropertyName = errors.StateInvalid, propertyName
	case 505:
		e.Kind = errors.UnsupportedVersion
		e.ProtocolVersion = protocolVersion
		e.SupportedMajorProtocolVersions = parseSupportedMajors(supportedVersions)
	default:
		e.Kind, e.PropertyName = errors.UnknownError, propertyName
		if propertyValue != "" {
			e.PropertyValue = propertyValue
		}
	}

	return e
}

func (r *result) props() map[string]string {
	props := make(map[string]string, 5)
	props[envelope.Status] = fmt.Sprint(r.status)
	props[envelope.StatusMessage] = r.message
	if r.application {
		props[envelope.IsApplicationError] = "true"
	}
	if r.name != "" {
		props[envelope.InvalidPropertyName] = r.name
		if r.value != nil {
			props[envelope.InvalidPropertyValue] = fmt.Sprint(r.value)
		}
	}
	if r.ver != "" {
		props[envelope.RequestProtocolVersion] = r.ver
		props[envelope.SupportedMajorVersions] = serializeSupportedMajors(r.supportedVersions)
	}
	return props
}

func parseSupportedMajors(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func serializeSupportedMajors(majors []int) string {
	parts := make([]string, len(majors))
	for i, m := range majors {
		parts[i] = strconv.Itoa(m)
	}
	return strings.Join(parts, ".")
}
