// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto

import (
	"context"
	"log/slog"
	"time"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/internal/container"
	"github.com/nimbusedge/mqttproto/internal/deadline"
	"github.com/nimbusedge/mqttproto/internal/envelope"
	"github.com/nimbusedge/mqttproto/internal/errutil"
	"github.com/nimbusedge/mqttproto/internal/log"
	"github.com/nimbusedge/mqttproto/internal/options"
	"github.com/nimbusedge/mqttproto/internal/topic"
	"github.com/nimbusedge/mqttproto/internal/version"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

type (
	// CommandInvoker lets an application invoke a single remote command
	// repeatedly, one request at a time per call to Invoke.
	CommandInvoker[Req any, Res any] struct {
		publisher     *publisher[Req]
		listener      *listener[Res]
		responseTopic *topic.Pattern

		pending *container.SyncMap[string, commandPending[Res]]
	}

	// CommandInvokerOption configures a CommandInvoker.
	CommandInvokerOption interface{ commandInvoker(*CommandInvokerOptions) }

	// CommandInvokerOptions are the resolved command invoker options.
	CommandInvokerOptions struct {
		ResponseTopicPattern string
		ResponseTopicPrefix  string
		ResponseTopicSuffix  string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// InvokeOption configures a single Invoke call.
	InvokeOption interface{ invoke(*InvokeOptions) }

	// InvokeOptions are the resolved per-invoke options.
	InvokeOptions struct {
		Timeout     time.Duration
		TopicTokens map[string]string
		Metadata    map[string]string
	}

	// WithResponseTopicPattern overrides the response topic pattern
	// entirely; takes precedence over any response topic prefix/suffix.
	WithResponseTopicPattern string

	// WithResponseTopicPrefix sets a custom response topic prefix.
	// Defaults to "clients/<MQTT client ID>" if no response topic option is
	// given at all.
	WithResponseTopicPrefix string

	// WithResponseTopicSuffix sets a custom response topic suffix.
	WithResponseTopicSuffix string

	commandReturn[Res any] struct {
		res *CommandResponse[Res]
		err error
	}

	commandPending[Res any] struct {
		ret  chan<- commandReturn[Res]
		done <-chan struct{}
	}
)

const commandInvokerErrStr = "command invocation"

// NewCommandInvoker creates a command invoker for a single RPC topic.
func NewCommandInvoker[Req, Res any](
	app *Application,
	client MqttClient,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	opt ...CommandInvokerOption,
) (ci *CommandInvoker[Req, Res], err error) {
	var opts CommandInvokerOptions
	opts.Apply(opt)
	logger := log.Wrap(opts.Logger)

	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":           client,
		"requestEncoding":  requestEncoding,
		"responseEncoding": responseEncoding,
	}); err != nil {
		return nil, err
	}

	responseTopicPattern := opts.ResponseTopicPattern
	if responseTopicPattern == "" {
		responseTopicPattern = requestTopicPattern

		if opts.ResponseTopicPrefix != "" {
			if err := topic.ValidateComponent("responseTopicPrefix", "invalid response topic prefix", opts.ResponseTopicPrefix); err != nil {
				return nil, err
			}
			responseTopicPattern = opts.ResponseTopicPrefix + "/" + responseTopicPattern
		}
		if opts.ResponseTopicSuffix != "" {
			if err := topic.ValidateComponent("responseTopicSuffix", "invalid response topic suffix", opts.ResponseTopicSuffix); err != nil {
				return nil, err
			}
			responseTopicPattern = responseTopicPattern + "/" + opts.ResponseTopicSuffix
		}

		// With no explicit prefix or suffix, apply a well-known default so
		// the response topic never collides with the request topic.
		if opts.ResponseTopicPrefix == "" && opts.ResponseTopicSuffix == "" {
			responseTopicPattern = "clients/" + client.ID() + "/" + requestTopicPattern
		}
	}

	reqTP, err := topic.NewPattern("requestTopicPattern", requestTopicPattern, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}

	resTP, err := topic.NewPattern("responseTopicPattern", responseTopicPattern, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}

	resTF, err := resTP.Filter()
	if err != nil {
		return nil, err
	}

	ci = &CommandInvoker[Req, Res]{
		responseTopic: resTP,
		pending:       container.NewSyncMap[string, commandPending[Res]](),
	}
	ci.publisher = &publisher[Req]{
		app:      app,
		client:   client,
		encoding: requestEncoding,
		version:  version.Current,
		topic:    reqTP,
	}
	ci.listener = &listener[Res]{
		app:            app,
		client:         client,
		encoding:       responseEncoding,
		topic:          resTF,
		reqCorrelation: true,
		logger:         logger,
		handler:        ci,
	}

	if err := ci.listener.register(); err != nil {
		return nil, err
	}
	return ci, nil
}

// Invoke calls the remote command and blocks until the response arrives or
// the timeout expires. Callers wanting concurrent invocations should call
// Invoke from multiple goroutines.
func (ci *CommandInvoker[Req, Res]) Invoke(ctx context.Context, req Req, opt ...InvokeOption) (res *CommandResponse[Res], err error) {
	shallow := true
	defer func() { err = errutil.Return(ctx, err, ci.listener.logger, shallow) }()

	var opts InvokeOptions
	opts.Apply(opt)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	expiry := &deadline.Timeout{Duration: timeout, Name: "MessageExpiry", Text: commandInvokerErrStr}
	if err := expiry.Validate(); err != nil {
		return nil, err
	}

	correlationData, err := errutil.NewUUID()
	if err != nil {
		return nil, err
	}

	msg := &Message[Req]{
		CorrelationData: correlationData,
		Payload:         req,
		Metadata:        opts.Metadata,
	}
	pub, err := ci.publisher.build(msg, opts.TopicTokens, expiry)
	if err != nil {
		return nil, err
	}

	pub.UserProperties[envelope.Partition] = ci.publisher.client.ID()
	pub.ResponseTopic, err = ci.responseTopic.Substitute(opts.TopicTokens)
	if err != nil {
		return nil, err
	}

	listen, done := ci.initPending(string(pub.CorrelationData))
	defer done()

	shallow = false
	if err := ci.publisher.publish(ctx, pub); err != nil {
		return nil, err
	}

	ci.listener.logger.Debug(ctx, "request sent", slog.String("correlation_data", correlationData))

	ctx, cancel := expiry.Context(ctx)
	defer cancel()

	select {
	case res := <-listen:
		return res.res, res.err
	case <-ctx.Done():
		return nil, errutil.Context(ctx, commandInvokerErrStr)
	}
}

func (ci *CommandInvoker[Req, Res]) initPending(correlation string) (<-chan commandReturn[Res], func()) {
	ret := make(chan commandReturn[Res])
	done := make(chan struct{})
	ci.pending.Set(correlation, commandPending[Res]{ret, done})
	return ret, func() {
		ci.pending.Del(correlation)
		close(done)
	}
}

func (ci *CommandInvoker[Req, Res]) sendPending(ctx context.Context, pub *mqtt.Message, res *CommandResponse[Res], err error) error {
	defer ci.listener.ack(ctx, pub)

	cdata := string(pub.CorrelationData)
	if pending, ok := ci.pending.Get(cdata); ok {
		select {
		case pending.ret <- commandReturn[Res]{res, err}:
			ci.listener.logger.Debug(ctx, "request ack received", slog.String("correlation_data", cdata))
		case <-pending.done:
		case <-ctx.Done():
		}
		return nil
	}

	ci.listener.logger.Debug(ctx, "response not for this invoker", slog.String("correlation_data", cdata))
	return &errors.Error{
		Message:     "unrecognized correlation data",
		Kind:        errors.HeaderInvalid,
		HeaderName:  "Correlation Data",
		HeaderValue: cdata,
	}
}

// Start begins listening for responses. Must be called before Invoke.
func (ci *CommandInvoker[Req, Res]) Start(ctx context.Context) error {
	return ci.listener.listen(ctx)
}

// Close releases the command invoker's resources.
func (ci *CommandInvoker[Req, Res]) Close() {
	ci.listener.close()
}

func (ci *CommandInvoker[Req, Res]) onMsg(ctx context.Context, pub *mqtt.Message, msg *Message[Res]) error {
	var res *CommandResponse[Res]
	err := errutil.FromUserProp(pub.UserProperties)
	if err == nil {
		msg.Payload, err = ci.listener.payload(pub)
		if err == nil {
			res = &CommandResponse[Res]{*msg}
		}
	}
	if e := ci.sendPending(ctx, pub, res, err); e != nil {
		ci.listener.drop(ctx, pub, e)
	}
	return nil
}

func (ci *CommandInvoker[Req, Res]) onErr(ctx context.Context, pub *mqtt.Message, err error) error {
	if re, ok := err.(*errors.Error); ok && re.IsRemote {
		ce := &errors.Error{Message: re.Message, Kind: re.Kind}
		if ce.Kind == errors.UnsupportedVersion {
			ce.Message = "response version is not supported"
		}
		err = ce
	}
	return ci.sendPending(ctx, pub, nil, err)
}

// Apply resolves the provided options.
func (o *CommandInvokerOptions) Apply(opts []CommandInvokerOption, rest ...CommandInvokerOption) {
	for opt := range options.Apply[CommandInvokerOption](opts, rest...) {
		opt.commandInvoker(o)
	}
}

// ApplyOptions filters and resolves Option values applicable to a command
// invoker.
func (o *CommandInvokerOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range options.Apply[CommandInvokerOption](opts, rest...) {
		opt.commandInvoker(o)
	}
}

func (o *CommandInvokerOptions) commandInvoker(opt *CommandInvokerOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*CommandInvokerOptions) option() {}

func (o WithResponseTopicPattern) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicPattern = string(o)
}
func (WithResponseTopicPattern) option() {}

func (o WithResponseTopicPrefix) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicPrefix = string(o)
}
func (WithResponseTopicPrefix) option() {}

func (o WithResponseTopicSuffix) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicSuffix = string(o)
}
func (WithResponseTopicSuffix) option() {}

// Apply resolves the provided per-invoke options.
func (o *InvokeOptions) Apply(opts []InvokeOption, rest ...InvokeOption) {
	for opt := range options.Apply[InvokeOption](opts, rest...) {
		opt.invoke(o)
	}
}

func (o *InvokeOptions) invoke(opt *InvokeOptions) {
	if o != nil {
		*opt = *o
	}
}
