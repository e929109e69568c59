// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package errutil

import (
	"context"

	"github.com/google/uuid"
	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/internal/log"
)

type noReturn struct{ error }

// NoReturn flags err as one that must not be sent back over RPC,
// distinguishing it from an error that should become an error response.
func NoReturn(err error) error {
	return noReturn{err}
}

// IsNoReturn reports whether err was flagged by NoReturn, unwrapping it
// either way.
func IsNoReturn(err error) (bool, error) {
	if e, ok := err.(noReturn); ok {
		return true, e.error
	}
	return false, err
}

// Return prepares an error to leave the package boundary: it strips any
// NoReturn flag, marks shallow-ness, and logs it at error level.
func Return(ctx context.Context, err error, logger log.Logger, shallow bool) error {
	if e, ok := err.(noReturn); ok {
		err = e.error
	}
	if e, ok := err.(*errors.Error); ok {
		e.IsShallow = shallow
	}
	if err != nil {
		logger.Err(ctx, err)
	}
	return err
}

// ValidateNonNil reports an ArgumentInvalid error naming the first nil
// argument found in args.
func ValidateNonNil(args map[string]any) error {
	for k, v := range args {
		if v == nil {
			return &errors.Error{Message: "argument is nil", Kind: errors.ArgumentInvalid, PropertyName: k}
		}
	}
	return nil
}

// NewUUID generates a UUIDv7, wrapping any failure as a protocol error.
func NewUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", &errors.Error{Message: err.Error(), Kind: errors.UnknownError, NestedError: err}
	}
	return id.String(), nil
}
