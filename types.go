// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto

import (
	"context"

	"github.com/nimbusedge/mqttproto/hlc"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

type (
	// MqttClient is the underlying MQTT connection used by every invoker,
	// executor, sender, and receiver.
	MqttClient interface {
		ID() string
		Publish(context.Context, string, []byte, ...mqtt.PublishOption) (*mqtt.Ack, error)
		RegisterMessageHandler(mqtt.MessageHandler) func()
		Subscribe(context.Context, string, ...mqtt.SubscribeOption) (*mqtt.Ack, error)
		Unsubscribe(context.Context, string, ...mqtt.UnsubscribeOption) (*mqtt.Ack, error)
	}

	// Message is the common envelope exposed to RPC and telemetry message
	// handlers.
	Message[T any] struct {
		// Payload is the decoded message body.
		Payload T

		// ClientID is the MQTT client ID of the sender.
		ClientID string

		// CorrelationData identifies a single unique request, if any.
		CorrelationData string

		// Timestamp is the HLC timestamp the sender attached to the message.
		Timestamp hlc.Timestamp

		// TopicTokens holds every token resolved from the inbound topic.
		TopicTokens map[string]string

		// Metadata holds any non-reserved user properties the sender
		// attached.
		Metadata map[string]string

		// Data is the raw encoded payload.
		*Data
	}

	// Option is implemented by every option type in this package; the
	// ApplyOptions-style methods on each component's options struct filter
	// by the narrower per-component option interface.
	Option interface{ option() }
)
