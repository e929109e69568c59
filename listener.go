// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/hlc"
	"github.com/nimbusedge/mqttproto/internal/concurrency"
	"github.com/nimbusedge/mqttproto/internal/envelope"
	"github.com/nimbusedge/mqttproto/internal/log"
	"github.com/nimbusedge/mqttproto/internal/topic"
	"github.com/nimbusedge/mqttproto/internal/version"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

type (
	// Listener is anything that can start and stop receiving messages on an
	// MQTT subscription.
	Listener interface {
		Start(context.Context) error
		Close()
	}

	// Listeners is a collection of Listener, started and closed together.
	Listeners []Listener

	// listener holds the plumbing shared by the command executor and
	// telemetry receiver: subscribing to a topic filter, deserializing and
	// version-checking inbound messages, and dispatching them to a handler.
	listener[T any] struct {
		app            *Application
		client         MqttClient
		encoding       Encoding[T]
		topic          *topic.Filter
		shareName      string
		concurrency    uint
		reqCorrelation bool
		logger         log.Logger
		handler        interface {
			onMsg(context.Context, *mqtt.Message, *Message[T]) error
			onErr(context.Context, *mqtt.Message, error) error
		}

		unregister func()
		done       func()
		active     atomic.Bool
	}
)

func (l *listener[T]) register() error {
	handle, done := concurrency.Dispatch(l.concurrency, l.handle)

	l.unregister = l.client.RegisterMessageHandler(func(ctx context.Context, msg *mqtt.Message) {
		if !l.topic.Matches(msg.Topic) {
			// Every registered handler is offered every message and must
			// settle its copy one way or another; a handler that declines
			// the message still has to ack it so the session's fan-out
			// wait group completes.
			if msg.Ack != nil {
				msg.Ack()
			}
			return
		}
		handle(ctx, msg)
	})
	l.done = done
	return nil
}

func (l *listener[T]) listen(ctx context.Context) error {
	if !l.active.CompareAndSwap(false, true) {
		return nil
	}

	filter := l.topic.MQTTFilter()
	if l.shareName != "" {
		filter = "$share/" + l.shareName + "/" + filter
	}
	_, err := l.client.Subscribe(ctx, filter,
		mqtt.WithQoS(1),
		mqtt.WithNoLocal(l.shareName == ""),
	)
	if err != nil {
		l.active.Store(false)
		return err
	}
	return nil
}

func (l *listener[T]) close() {
	if l.active.CompareAndSwap(true, false) {
		ctx := context.Background()
		filter := l.topic.MQTTFilter()
		if l.shareName != "" {
			filter = "$share/" + l.shareName + "/" + filter
		}
		if _, err := l.client.Unsubscribe(ctx, filter); err != nil {
			// A close function is most often deferred, so returning the
			// error would rarely be observed; log it instead.
			l.logger.Err(ctx, err)
		}
	}
	if l.unregister != nil {
		l.unregister()
	}
	l.done()
}

func (l *listener[T]) handle(ctx context.Context, pub *mqtt.Message) {
	msg := &Message[T]{}

	// Check the version first: if unsupported, nothing else about the
	// message can be trusted.
	ver := pub.UserProperties[envelope.ProtocolVersion]
	if !version.IsSupported(ver) {
		l.error(ctx, pub, &errors.Error{
			Message:                        "unsupported protocol version",
			Kind:                           errors.UnsupportedVersion,
			ProtocolVersion:                ver,
			SupportedMajorProtocolVersions: version.SupportedMajors,
		})
		return
	}

	if l.reqCorrelation && len(pub.CorrelationData) == 0 {
		l.error(ctx, pub, &errors.Error{
			Message:    "correlation data missing",
			Kind:       errors.HeaderMissing,
			HeaderName: "Correlation Data",
		})
		return
	}
	if len(pub.CorrelationData) != 0 {
		correlationData, err := uuid.FromBytes(pub.CorrelationData)
		if err != nil {
			l.error(ctx, pub, &errors.Error{
				Message:    "correlation data is not a valid UUID",
				Kind:       errors.HeaderInvalid,
				HeaderName: "Correlation Data",
			})
			return
		}
		msg.CorrelationData = correlationData.String()
	}

	ts := pub.UserProperties[envelope.Timestamp]
	if ts != "" {
		var err error
		msg.Timestamp, err = hlc.Parse(envelope.Timestamp, ts)
		if err != nil {
			l.error(ctx, pub, err)
			return
		}
		if l.app != nil {
			if err := l.app.SetHLC(msg.Timestamp); err != nil {
				l.error(ctx, pub, err)
				return
			}
		}
	}

	msg.ClientID = pub.UserProperties[envelope.SenderID]
	msg.Metadata = envelope.StripReserved(pub.UserProperties)
	msg.TopicTokens, _ = l.topic.ExtractTokens(pub.Topic)
	msg.Data = &Data{
		Payload:       pub.Payload,
		ContentType:   pub.ContentType,
		PayloadFormat: pub.PayloadFormat,
	}

	if err := l.handler.onMsg(ctx, pub, msg); err != nil {
		l.error(ctx, pub, err)
		return
	}
}

// payload deserializes the message body, checking the payload-format and
// content-type properties first since a mismatch there makes the payload
// itself untrustworthy.
func (l *listener[T]) payload(pub *mqtt.Message) (T, error) {
	var zero T

	switch pub.PayloadFormat {
	case 0:
		// Unspecified is always accepted: many senders omit the indicator
		// even for binary-safe payloads.
	case 1:
		if l.encoding.PayloadFormat() == 0 {
			return zero, &errors.Error{
				Message:     "payload format indicator mismatch",
				Kind:        errors.HeaderInvalid,
				HeaderName:  "Payload Format Indicator",
				HeaderValue: fmt.Sprint(pub.PayloadFormat),
			}
		}
	default:
		return zero, &errors.Error{
			Message:     "payload format indicator invalid",
			Kind:        errors.HeaderInvalid,
			HeaderName:  "Payload Format Indicator",
			HeaderValue: fmt.Sprint(pub.PayloadFormat),
		}
	}

	return deserialize(l.encoding, &Data{
		Payload:       pub.Payload,
		ContentType:   pub.ContentType,
		PayloadFormat: pub.PayloadFormat,
	})
}

func (l *listener[T]) ack(ctx context.Context, pub *mqtt.Message) {
	if pub.Ack != nil {
		pub.Ack()
	}
	_ = ctx
}

func (l *listener[T]) error(ctx context.Context, pub *mqtt.Message, err error) {
	if e := l.handler.onErr(ctx, pub, err); e != nil {
		l.drop(ctx, pub, err)
	}
}

func (l *listener[T]) drop(ctx context.Context, _ *mqtt.Message, err error) {
	l.logger.Err(ctx, err)
}

// Start starts every Listener in the collection, stopping at and returning
// the first error.
func (ls Listeners) Start(ctx context.Context) error {
	for _, l := range ls {
		if err := l.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every Listener in the collection.
func (ls Listeners) Close() {
	for _, l := range ls {
		l.Close()
	}
}
