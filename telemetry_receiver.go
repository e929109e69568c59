// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/internal/deadline"
	"github.com/nimbusedge/mqttproto/internal/errutil"
	"github.com/nimbusedge/mqttproto/internal/log"
	"github.com/nimbusedge/mqttproto/internal/options"
	"github.com/nimbusedge/mqttproto/internal/topic"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

type (
	// TelemetryReceiver handles the receipt of a single telemetry event.
	TelemetryReceiver[T any] struct {
		listener  *listener[T]
		handler   TelemetryHandler[T]
		manualAck bool
		timeout   *deadline.Timeout
	}

	// TelemetryReceiverOption configures a TelemetryReceiver.
	TelemetryReceiverOption interface {
		telemetryReceiver(*TelemetryReceiverOptions)
	}

	// TelemetryReceiverOptions are the resolved telemetry receiver options.
	TelemetryReceiverOptions struct {
		ManualAck bool

		// Concurrency bounds how many messages the handler runs at once.
		// Zero means one at a time (serial dispatch).
		Concurrency uint
		Timeout     time.Duration
		ShareName   string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// TelemetryHandler is the user-provided implementation of a telemetry
	// handler. Treated as blocking; all parallelism is handled by the
	// library. Must be safe for concurrent use.
	TelemetryHandler[T any] = func(context.Context, *TelemetryMessage[T]) error

	// TelemetryMessage contains per-message data exposed to a handler.
	TelemetryMessage[T any] struct {
		Message[T]

		// Ack manually acknowledges the message when manual ack is enabled.
		// Nil for QoS 0 messages, which cannot be acked.
		Ack func()
	}

	// WithManualAck puts the handler in charge of acking the telemetry
	// message rather than acking automatically on a successful return.
	WithManualAck bool
)

const telemetryReceiverErrStr = "telemetry receipt"

// NewTelemetryReceiver creates a telemetry receiver for a single topic.
func NewTelemetryReceiver[T any](
	app *Application,
	client MqttClient,
	encoding Encoding[T],
	topicPattern string,
	handler TelemetryHandler[T],
	opt ...TelemetryReceiverOption,
) (tr *TelemetryReceiver[T], err error) {
	var opts TelemetryReceiverOptions
	opts.Apply(opt)
	logger := log.Wrap(opts.Logger)

	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":   client,
		"encoding": encoding,
		"handler":  handler,
	}); err != nil {
		return nil, err
	}

	to := &deadline.Timeout{Duration: opts.Timeout, Name: "ExecutionTimeout", Text: telemetryReceiverErrStr}
	if err := to.Validate(); err != nil {
		return nil, err
	}

	if err := topic.ValidateShareName(opts.ShareName); err != nil {
		return nil, err
	}

	tp, err := topic.NewPattern("topicPattern", topicPattern, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}

	tf, err := tp.Filter()
	if err != nil {
		return nil, err
	}

	tr = &TelemetryReceiver[T]{
		handler:   handler,
		manualAck: opts.ManualAck,
		timeout:   to,
	}
	tr.listener = &listener[T]{
		app:         app,
		client:      client,
		encoding:    encoding,
		topic:       tf,
		shareName:   opts.ShareName,
		concurrency: opts.Concurrency,
		logger:      logger,
		handler:     tr,
	}

	if err := tr.listener.register(); err != nil {
		return nil, err
	}
	return tr, nil
}

// Start subscribes to the telemetry topic.
func (tr *TelemetryReceiver[T]) Start(ctx context.Context) error {
	return tr.listener.listen(ctx)
}

// Close releases the telemetry receiver's resources.
func (tr *TelemetryReceiver[T]) Close() {
	tr.listener.close()
}

func (tr *TelemetryReceiver[T]) onMsg(ctx context.Context, pub *mqtt.Message, msg *Message[T]) error {
	message := &TelemetryMessage[T]{Message: *msg}

	var err error
	message.Payload, err = tr.listener.payload(pub)
	if err != nil {
		return err
	}

	if tr.manualAck && pub.QoS > 0 {
		message.Ack = pub.Ack
	}

	handlerCtx, cancel := tr.timeout.Context(ctx)
	defer cancel()

	tr.listener.logger.Debug(ctx, "telemetry received", slog.String("topic", pub.Topic))

	if err := tr.handle(handlerCtx, message); err != nil {
		return err
	}

	if !tr.manualAck && pub.QoS > 0 {
		tr.listener.ack(ctx, pub)
	}
	return nil
}

func (tr *TelemetryReceiver[T]) onErr(ctx context.Context, pub *mqtt.Message, err error) error {
	if !tr.manualAck && pub.QoS > 0 {
		tr.listener.ack(ctx, pub)
	}
	return errutil.Return(ctx, err, tr.listener.logger, false)
}

func (tr *TelemetryReceiver[T]) handle(ctx context.Context, msg *TelemetryMessage[T]) error {
	rchan := make(chan error)

	go func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = &errors.Error{Message: fmt.Sprint(p), Kind: errors.ExecutionError, InApplication: true}
			}
			select {
			case rchan <- err:
			case <-ctx.Done():
			}
		}()

		err = tr.handler(ctx, msg)
		if e := errutil.Context(ctx, telemetryReceiverErrStr); e != nil {
			err = e
		} else if err != nil {
			err = &errors.Error{Message: err.Error(), Kind: errors.ExecutionError, InApplication: true}
		}
	}()

	select {
	case err := <-rchan:
		return err
	case <-ctx.Done():
		return errutil.Context(ctx, telemetryReceiverErrStr)
	}
}

// Apply resolves the provided options.
func (o *TelemetryReceiverOptions) Apply(opts []TelemetryReceiverOption, rest ...TelemetryReceiverOption) {
	for opt := range options.Apply[TelemetryReceiverOption](opts, rest...) {
		opt.telemetryReceiver(o)
	}
}

// ApplyOptions filters and resolves Option values applicable to a telemetry
// receiver.
func (o *TelemetryReceiverOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range options.Apply[TelemetryReceiverOption](opts, rest...) {
		opt.telemetryReceiver(o)
	}
}

func (o *TelemetryReceiverOptions) telemetryReceiver(opt *TelemetryReceiverOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*TelemetryReceiverOptions) option() {}

func (o WithManualAck) telemetryReceiver(opt *TelemetryReceiverOptions) {
	opt.ManualAck = bool(o)
}

func (WithManualAck) option() {}
