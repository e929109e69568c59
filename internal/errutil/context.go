// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package errutil normalizes raw Go errors (context deadlines, client
// library failures, MQTT acks) into *errors.Error values so the rest of the
// runtime only ever branches on Kind.
package errutil

import (
	"context"
	stderr "errors"
	"fmt"
	"os"

	"github.com/nimbusedge/mqttproto/errors"
)

func normalize(err error, msg string, cause bool) error {
	if e, ok := err.(*errors.Error); ok {
		return e
	}

	switch {
	case err == nil:
		return nil

	case os.IsTimeout(err), stderr.Is(err, context.DeadlineExceeded):
		return &errors.Error{Message: fmt.Sprintf("%s timed out", msg), Kind: errors.Timeout}

	case stderr.Is(err, context.Canceled):
		return &errors.Error{Message: fmt.Sprintf("%s cancelled", msg), Kind: errors.Cancellation}

	default:
		if cause {
			return err
		}
		return &errors.Error{
			Message:     fmt.Sprintf("%s error: %s", msg, err.Error()),
			Kind:        errors.UnknownError,
			NestedError: err,
		}
	}
}

// Normalize maps well-known Go errors into *errors.Error values.
func Normalize(err error, msg string) error {
	return normalize(err, msg, false)
}

// Context extracts the timeout or cancellation cause attached to ctx, if
// any.
func Context(ctx context.Context, msg string) error {
	return normalize(context.Cause(ctx), msg, true)
}
