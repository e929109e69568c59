// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package errutil

import (
	"context"
	"fmt"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

// Mqtt translates an ack/err return from the MqttClient into a protocol
// error. A non-nil err indicates a failure in the client library itself;
// an ack with a failure reason code indicates the broker rejected the
// request.
func Mqtt(ctx context.Context, msg string, ack *mqtt.Ack, err error) error {
	if ack != nil {
		if ack.ReasonCode >= 0x80 {
			return &errors.Error{
				Message: fmt.Sprintf("%s error: %s. reason code: 0x%x", msg, ack.ReasonString, ack.ReasonCode),
				Kind:    errors.MqttError,
			}
		}
	} else if err == nil {
		return &errors.Error{
			Message: "the MQTT client returned a nil response without an error",
			Kind:    errors.InternalLogicError,
		}
	}

	if ctxErr := Context(ctx, msg); ctxErr != nil {
		return ctxErr
	}
	return Normalize(err, msg)
}
