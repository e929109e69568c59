// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package mqtt defines the minimal MQTT 5 client surface the protocol
// runtime depends on (Message, Ack, connect/disconnect events, and the
// Publish/Subscribe/Unsubscribe option sets), independent of the concrete
// paho.golang-backed session client implementation.
package mqtt

import "context"

type (
	// Message represents a received application message.
	Message struct {
		Topic   string
		Payload []byte
		PublishOptions

		// Ack manually acknowledges the message. Every handled message must
		// be acked, except QoS 0 messages for which this is a no-op.
		Ack func()
	}

	// MessageHandler is a user-defined callback invoked for each message
	// received on a subscribed topic filter.
	MessageHandler = func(context.Context, *Message)

	// ConnectEvent is delivered to a ConnectEventHandler when the client
	// establishes (or re-establishes) a broker connection.
	ConnectEvent struct {
		ReasonCode byte
	}

	// ConnectEventHandler responds to connection notifications.
	ConnectEventHandler = func(*ConnectEvent)

	// DisconnectEvent is delivered to a DisconnectEventHandler when the
	// client loses its broker connection.
	DisconnectEvent struct {
		ReasonCode *byte
		Error      error
	}

	// DisconnectEventHandler responds to disconnection notifications.
	DisconnectEventHandler = func(*DisconnectEvent)

	// Ack carries the fields of a PUBACK/SUBACK/UNSUBACK the broker
	// returned for a prior request.
	Ack struct {
		ReasonCode     byte
		ReasonString   string
		UserProperties map[string]string
	}
)
