// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/internal/deadline"
	"github.com/nimbusedge/mqttproto/internal/envelope"
	"github.com/nimbusedge/mqttproto/internal/errutil"
	"github.com/nimbusedge/mqttproto/internal/log"
	"github.com/nimbusedge/mqttproto/internal/topic"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

// publisher holds the plumbing shared by the command invoker/executor and
// telemetry sender: building an outbound mqtt.Message from a Message[T] and
// sending it.
type publisher[T any] struct {
	app      *Application
	client   MqttClient
	encoding Encoding[T]
	topic    *topic.Pattern
	log      log.Logger
	version  string
}

// DefaultTimeout is applied to Invoke or Send when the caller specifies none.
const DefaultTimeout = 10 * time.Second

func (p *publisher[T]) build(msg *Message[T], topicTokens map[string]string, to *deadline.Timeout) (*mqtt.Message, error) {
	pub := &mqtt.Message{}
	var err error

	if p.topic != nil {
		pub.Topic, err = p.topic.Substitute(topicTokens)
		if err != nil {
			return nil, err
		}
	}

	pub.PublishOptions = mqtt.PublishOptions{
		QoS:           1,
		MessageExpiry: to.MessageExpiry(),
	}

	if msg != nil {
		data, err := serialize(p.encoding, msg.Payload)
		if err != nil {
			return nil, err
		}

		pub.Payload = data.Payload
		pub.ContentType = data.ContentType
		pub.PayloadFormat = data.PayloadFormat

		if msg.CorrelationData != "" {
			correlationData, err := uuid.Parse(msg.CorrelationData)
			if err != nil {
				return nil, &errors.Error{
					Message: "correlation data is not a valid UUID",
					Kind:    errors.InternalLogicError,
				}
			}
			pub.CorrelationData = correlationData[:]
		}

		if msg.Metadata != nil {
			pub.UserProperties = msg.Metadata
		} else {
			pub.UserProperties = map[string]string{}
		}
	} else {
		pub.UserProperties = map[string]string{}
	}

	ts, err := p.app.GetHLC()
	if err != nil {
		return nil, err
	}
	pub.UserProperties[envelope.SenderID] = p.client.ID()
	pub.UserProperties[envelope.Timestamp] = ts.String()
	pub.UserProperties[envelope.ProtocolVersion] = p.version

	return pub, nil
}

func (p *publisher[T]) publish(ctx context.Context, msg *mqtt.Message) error {
	ack, err := p.client.Publish(ctx, msg.Topic, msg.Payload, &msg.PublishOptions)
	return errutil.Mqtt(ctx, "publish", ack, err)
}
