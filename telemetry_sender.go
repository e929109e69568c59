// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto

import (
	"context"
	"log/slog"
	"time"

	"github.com/nimbusedge/mqttproto/internal/deadline"
	"github.com/nimbusedge/mqttproto/internal/errutil"
	"github.com/nimbusedge/mqttproto/internal/log"
	"github.com/nimbusedge/mqttproto/internal/options"
	"github.com/nimbusedge/mqttproto/internal/topic"
	"github.com/nimbusedge/mqttproto/internal/version"
)

type (
	// TelemetrySender sends a single telemetry event.
	TelemetrySender[T any] struct {
		publisher *publisher[T]
		log       log.Logger
	}

	// TelemetrySenderOption configures a TelemetrySender.
	TelemetrySenderOption interface{ telemetrySender(*TelemetrySenderOptions) }

	// TelemetrySenderOptions are the resolved telemetry sender options.
	TelemetrySenderOptions struct {
		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// SendOption configures a single Send call.
	SendOption interface{ send(*SendOptions) }

	// SendOptions are the resolved per-send options.
	SendOptions struct {
		CloudEvent *CloudEvent
		Retain     bool

		Timeout     time.Duration
		TopicTokens map[string]string
		Metadata    map[string]string
	}

	// WithRetain marks the telemetry event to be retained by the broker.
	WithRetain bool

	withCloudEvent struct{ *CloudEvent }
)

const telemetrySenderErrStr = "telemetry send"

// NewTelemetrySender creates a telemetry sender for a single topic.
func NewTelemetrySender[T any](
	app *Application,
	client MqttClient,
	encoding Encoding[T],
	topicPattern string,
	opt ...TelemetrySenderOption,
) (ts *TelemetrySender[T], err error) {
	var opts TelemetrySenderOptions
	opts.Apply(opt)
	logger := log.Wrap(opts.Logger)

	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":   client,
		"encoding": encoding,
	}); err != nil {
		return nil, err
	}

	tp, err := topic.NewPattern("topicPattern", topicPattern, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}

	ts = &TelemetrySender[T]{log: logger}
	ts.publisher = &publisher[T]{
		app:      app,
		client:   client,
		encoding: encoding,
		topic:    tp,
		log:      logger,
		version:  version.Current,
	}

	return ts, nil
}

// Send emits the telemetry. It returns once the session client has sent the
// PUBLISH or stored it for replay; it does not wait for the broker's PUBACK.
func (ts *TelemetrySender[T]) Send(ctx context.Context, val T, opt ...SendOption) (err error) {
	shallow := true
	defer func() { err = errutil.Return(ctx, err, ts.log, shallow) }()

	var opts SendOptions
	opts.Apply(opt)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	expiry := &deadline.Timeout{Duration: timeout, Name: "MessageExpiry", Text: telemetrySenderErrStr}
	if err := expiry.Validate(); err != nil {
		return err
	}

	msg := &Message[T]{Payload: val, Metadata: opts.Metadata}
	pub, err := ts.publisher.build(msg, opts.TopicTokens, expiry)
	if err != nil {
		return err
	}

	if err := opts.CloudEvent.toMessage(pub); err != nil {
		return err
	}
	pub.Retain = opts.Retain

	ts.log.Debug(ctx, "sending telemetry", slog.String("topic", pub.Topic))

	shallow = false
	return ts.publisher.publish(ctx, pub)
}

// Apply resolves the provided options.
func (o *TelemetrySenderOptions) Apply(opts []TelemetrySenderOption, rest ...TelemetrySenderOption) {
	for opt := range options.Apply[TelemetrySenderOption](opts, rest...) {
		opt.telemetrySender(o)
	}
}

// ApplyOptions filters and resolves Option values applicable to a telemetry
// sender.
func (o *TelemetrySenderOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range options.Apply[TelemetrySenderOption](opts, rest...) {
		opt.telemetrySender(o)
	}
}

func (o *TelemetrySenderOptions) telemetrySender(opt *TelemetrySenderOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*TelemetrySenderOptions) option() {}

// Apply resolves the provided per-send options.
func (o *SendOptions) Apply(opts []SendOption, rest ...SendOption) {
	for opt := range options.Apply[SendOption](opts, rest...) {
		opt.send(o)
	}
}

func (o *SendOptions) send(opt *SendOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithRetain) send(opt *SendOptions) { opt.Retain = bool(o) }
func (WithRetain) option()                 {}

// WithCloudEvent attaches CloudEvents 1.0 metadata to the telemetry message.
func WithCloudEvent(ce *CloudEvent) SendOption { return withCloudEvent{ce} }

func (o withCloudEvent) send(opt *SendOptions) { opt.CloudEvent = o.CloudEvent }

// A *CloudEvent can be passed directly as a SendOption for convenience.
func (o *CloudEvent) send(opt *SendOptions) { opt.CloudEvent = o }
