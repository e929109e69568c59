// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/internal/caching"
	"github.com/nimbusedge/mqttproto/internal/deadline"
	"github.com/nimbusedge/mqttproto/internal/errutil"
	"github.com/nimbusedge/mqttproto/internal/log"
	"github.com/nimbusedge/mqttproto/internal/options"
	"github.com/nimbusedge/mqttproto/internal/topic"
	"github.com/nimbusedge/mqttproto/internal/version"
	"github.com/nimbusedge/mqttproto/internal/wallclock"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

type (
	// CommandExecutor handles incoming invocations of a single remote
	// command, dispatching each to a user-provided CommandHandler.
	CommandExecutor[Req any, Res any] struct {
		listener  *listener[Req]
		publisher *publisher[Res]
		handler   CommandHandler[Req, Res]
		timeout   *deadline.Timeout
		cache     *caching.Cache
		logger    log.Logger
	}

	// CommandExecutorOption configures a CommandExecutor.
	CommandExecutorOption interface{ commandExecutor(*CommandExecutorOptions) }

	// CommandExecutorOptions are the resolved command executor options.
	CommandExecutorOptions struct {
		Idempotent bool

		// Concurrency bounds how many invocations the handler runs at
		// once. Zero means one at a time (serial dispatch).
		Concurrency uint
		Timeout     time.Duration
		ShareName   string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// CommandHandler is the user-provided implementation of a command. It
	// blocks for the duration of execution; concurrency across invocations
	// is handled by the executor. Must be safe for concurrent use.
	CommandHandler[Req any, Res any] = func(context.Context, *CommandRequest[Req]) (*CommandResponse[Res], error)

	// CommandRequest is the per-invocation data exposed to a CommandHandler.
	CommandRequest[Req any] struct{ Message[Req] }

	// CommandResponse is what a CommandHandler returns.
	CommandResponse[Res any] struct{ Message[Res] }

	// WithIdempotent marks the command as idempotent, enabling
	// equivalent-request response reuse in the executor's cache.
	WithIdempotent bool

	// RespondOption configures a single Respond call.
	RespondOption interface{ respond(*RespondOptions) }

	// RespondOptions are the resolved per-response options.
	RespondOptions struct {
		Metadata map[string]string
	}
)

const commandExecutorErrStr = "command execution"

// NewCommandExecutor creates a command executor for a single RPC topic.
func NewCommandExecutor[Req, Res any](
	app *Application,
	client MqttClient,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	handler CommandHandler[Req, Res],
	opt ...CommandExecutorOption,
) (ce *CommandExecutor[Req, Res], err error) {
	var opts CommandExecutorOptions
	opts.Apply(opt)

	logger := log.Wrap(opts.Logger)
	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":           client,
		"requestEncoding":  requestEncoding,
		"responseEncoding": responseEncoding,
		"handler":          handler,
	}); err != nil {
		return nil, err
	}

	to := &deadline.Timeout{Duration: opts.Timeout, Name: "ExecutionTimeout", Text: commandExecutorErrStr}
	if err := to.Validate(); err != nil {
		return nil, err
	}

	if err := topic.ValidateShareName(opts.ShareName); err != nil {
		return nil, err
	}

	reqTP, err := topic.NewPattern("requestTopicPattern", requestTopicPattern, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}

	reqTF, err := reqTP.Filter()
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(0)
	if opts.Idempotent {
		ttl = DefaultTimeout
	}

	ce = &CommandExecutor[Req, Res]{
		handler: handler,
		timeout: to,
		cache:   caching.New(wallclock.Instance, ttl, requestTopicPattern),
		logger:  logger,
	}
	ce.listener = &listener[Req]{
		app:            app,
		client:         client,
		encoding:       requestEncoding,
		topic:          reqTF,
		shareName:      opts.ShareName,
		concurrency:    opts.Concurrency,
		reqCorrelation: true,
		logger:         logger,
		handler:        ce,
	}
	ce.publisher = &publisher[Res]{
		app:      app,
		client:   client,
		encoding: responseEncoding,
		version:  version.Current,
	}

	if err := ce.listener.register(); err != nil {
		return nil, err
	}
	return ce, nil
}

// Start begins listening for incoming requests.
func (ce *CommandExecutor[Req, Res]) Start(ctx context.Context) error {
	return ce.listener.listen(ctx)
}

// Close releases the command executor's resources.
func (ce *CommandExecutor[Req, Res]) Close() {
	ce.listener.close()
}

func (ce *CommandExecutor[Req, Res]) onMsg(ctx context.Context, pub *mqtt.Message, msg *Message[Req]) error {
	ce.logger.Debug(ctx, "request received", slog.String("topic", pub.Topic))

	if err := ignoreRequest(pub); err != nil {
		return err
	}

	if pub.MessageExpiry == 0 {
		return &errors.Error{Message: "message expiry missing", Kind: errors.HeaderMissing, HeaderName: "Message Expiry", IsRemote: true}
	}

	rpub, err := ce.cache.Exec(pub, func() (*mqtt.Message, error) {
		req := &CommandRequest[Req]{Message: *msg}
		var err error

		req.Payload, err = ce.listener.payload(pub)
		if err != nil {
			return nil, err
		}

		handlerCtx, cancel := ce.timeout.Context(ctx)
		defer cancel()

		handlerCtx, cancel2 := pubTimeout(pub).Context(handlerCtx)
		defer cancel2()

		res, err := ce.handle(handlerCtx, req)
		if err != nil {
			return nil, err
		}

		return ce.build(pub, res, nil)
	})
	if err != nil {
		return err
	}

	defer ce.ack(ctx, pub)

	if rpub == nil {
		return nil
	}

	if err := ce.publisher.publish(ctx, rpub); err != nil {
		ce.listener.drop(ctx, pub, err)
	} else {
		ce.logger.Debug(ctx, "response sent", slog.String("topic", rpub.Topic))
	}
	return nil
}

func (ce *CommandExecutor[Req, Res]) onErr(ctx context.Context, pub *mqtt.Message, err error) error {
	defer ce.ack(ctx, pub)

	if e := ignoreRequest(pub); e != nil {
		return e
	}

	if no, e := errutil.IsNoReturn(err); no {
		return e
	}

	rpub, e := ce.build(pub, nil, err)
	if e != nil {
		return e
	}
	if e := ce.publisher.publish(ctx, rpub); e != nil {
		return e
	}

	ce.logger.Warn(ctx, err.Error())
	return nil
}

func (ce *CommandExecutor[Req, Res]) handle(ctx context.Context, req *CommandRequest[Req]) (*CommandResponse[Res], error) {
	rchan := make(chan commandReturn[Res])

	go func() {
		var ret commandReturn[Res]
		defer func() {
			if p := recover(); p != nil {
				ret.err = &errors.Error{Message: fmt.Sprint(p), Kind: errors.ExecutionError, IsRemote: true}
			}
			select {
			case rchan <- ret:
			case <-ctx.Done():
			}
		}()

		ret.res, ret.err = ce.handler(ctx, req)
		if e := errutil.Context(ctx, commandExecutorErrStr); e != nil {
			ret.err = e
		} else if ret.err != nil {
			ret.err = &errors.Error{Message: ret.err.Error(), Kind: errors.ExecutionError, IsRemote: true}
		} else if ret.res == nil {
			ret.err = &errors.Error{Message: "command handler returned no response", Kind: errors.ExecutionError, IsRemote: true}
		}
	}()

	select {
	case ret := <-rchan:
		return ret.res, ret.err
	case <-ctx.Done():
		return nil, errutil.Context(ctx, commandExecutorErrStr)
	}
}

func (ce *CommandExecutor[Req, Res]) build(pub *mqtt.Message, res *CommandResponse[Res], resErr error) (*mqtt.Message, error) {
	var msg *Message[Res]
	if res != nil {
		msg = &res.Message
	}
	rpub, err := ce.publisher.build(msg, nil, pubTimeout(pub))
	if err != nil {
		return nil, err
	}

	rpub.CorrelationData = pub.CorrelationData
	rpub.Topic = pub.ResponseTopic
	rpub.MessageExpiry = pub.MessageExpiry
	maps.Copy(rpub.UserProperties, errutil.ToUserProp(resErr))

	return rpub, nil
}

func ignoreRequest(pub *mqtt.Message) error {
	if pub.ResponseTopic == "" {
		return &errors.Error{Message: "missing response topic", Kind: errors.HeaderMissing, HeaderName: "Response Topic", IsRemote: true}
	}
	if !topic.IsResolvedTopic(pub.ResponseTopic) {
		return &errors.Error{Message: "invalid response topic", Kind: errors.HeaderInvalid, HeaderName: "Response Topic", HeaderValue: pub.ResponseTopic, IsRemote: true}
	}
	return nil
}

func (ce *CommandExecutor[Req, Res]) ack(ctx context.Context, pub *mqtt.Message) {
	ce.listener.ack(ctx, pub)
	ce.logger.Debug(ctx, "request acked", slog.String("topic", pub.Topic))
}

func pubTimeout(pub *mqtt.Message) *deadline.Timeout {
	return &deadline.Timeout{
		Duration: time.Duration(pub.MessageExpiry) * time.Second,
		Name:     "MessageExpiry",
		Text:     commandExecutorErrStr,
	}
}

// Respond builds a CommandResponse from a handler's return payload and
// options; the library fills in the remaining transport fields.
func Respond[Res any](payload Res, opt ...RespondOption) (*CommandResponse[Res], error) {
	var opts RespondOptions
	opts.Apply(opt)

	return &CommandResponse[Res]{Message[Res]{
		Payload:  payload,
		Metadata: opts.Metadata,
	}}, nil
}

// Apply resolves the provided options.
func (o *CommandExecutorOptions) Apply(opts []CommandExecutorOption, rest ...CommandExecutorOption) {
	for opt := range options.Apply[CommandExecutorOption](opts, rest...) {
		opt.commandExecutor(o)
	}
}

// ApplyOptions filters and resolves Option values applicable to a command
// executor.
func (o *CommandExecutorOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range options.Apply[CommandExecutorOption](opts, rest...) {
		opt.commandExecutor(o)
	}
}

func (o *CommandExecutorOptions) commandExecutor(opt *CommandExecutorOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*CommandExecutorOptions) option() {}

func (o WithIdempotent) commandExecutor(opt *CommandExecutorOptions) { opt.Idempotent = bool(o) }
func (WithIdempotent) option()                                      {}

// Apply resolves the provided per-response options.
func (o *RespondOptions) Apply(opts []RespondOption, rest ...RespondOption) {
	for opt := range options.Apply[RespondOption](opts, rest...) {
		opt.respond(o)
	}
}

func (o *RespondOptions) respond(opt *RespondOptions) {
	if o != nil {
		*opt = *o
	}
}
