// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package session implements the managed MQTT 5 session client: connection
// lifecycle, reconnection with backoff, enhanced authentication, and the
// publish/subscribe/unsubscribe surface the protocol runtime drives through
// the root package's MqttClient interface.
package session

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"
	"github.com/eclipse/paho.golang/paho/session/state"
	"github.com/google/uuid"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/internal/container"
	"github.com/nimbusedge/mqttproto/internal/log"
	"github.com/nimbusedge/mqttproto/session/auth"
	"github.com/nimbusedge/mqttproto/session/mqtt"
	"github.com/nimbusedge/mqttproto/session/retry"
)

const (
	continueAuthReasonCode     = 0x18
	reauthenticateReasonCode   = 0x19
	normalDisconnectReasonCode = 0x00
)

type (
	// SessionClient is a managed MQTT 5 client: it owns a single logical
	// session across reconnects. A reconnect resumes the broker-side session
	// (subscriptions are not re-sent) and fails if the broker no longer has
	// it; in-flight QoS 1 work is re-delivered via the underlying Paho
	// session store.
	SessionClient struct {
		clientID     string
		settings     *Settings
		connProvider ConnectionProvider
		retryPolicy  retry.Policy
		authProvider auth.Provider
		sessionState *state.InMemory
		log          log.Logger

		connMu  sync.RWMutex
		conn    clientHandle
		notify  chan struct{}
		nextTry uint64

		started sync.Once
		stopped chan struct{}

		messageHandlers    *container.HandlerList[mqtt.MessageHandler]
		connectHandlers    *container.HandlerList[mqtt.ConnectEventHandler]
		disconnectHandlers *container.HandlerList[mqtt.DisconnectEventHandler]
		fatalHandlers      *container.HandlerList[func(error)]
	}

	clientHandle struct {
		client  *paho.Client
		attempt uint64
	}

	// Option configures a SessionClient at construction time.
	Option func(*SessionClient)
)

// WithRetryPolicy overrides the default reconnect backoff policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *SessionClient) { c.retryPolicy = policy }
}

// WithLogger attaches a logger to the session client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *SessionClient) { c.log = log.Wrap(logger) }
}

// WithClientID overrides the client ID derived from Settings.
func WithClientID(id string) Option {
	return func(c *SessionClient) { c.clientID = id }
}

// New constructs a SessionClient that dials through provider using settings.
func New(provider ConnectionProvider, settings *Settings, opts ...Option) (*SessionClient, error) {
	if provider == nil {
		return nil, &errors.Error{Message: "connection provider is required", Kind: errors.ArgumentInvalid}
	}
	if settings == nil {
		return nil, &errors.Error{Message: "settings are required", Kind: errors.ArgumentInvalid}
	}

	c := &SessionClient{
		clientID:           settings.ClientID,
		settings:           settings,
		connProvider:       provider,
		authProvider:       settings.AuthProvider(),
		sessionState:       state.NewInMemory(),
		notify:             make(chan struct{}),
		stopped:            make(chan struct{}),
		messageHandlers:    container.NewHandlerList[mqtt.MessageHandler](),
		connectHandlers:    container.NewHandlerList[mqtt.ConnectEventHandler](),
		disconnectHandlers: container.NewHandlerList[mqtt.DisconnectEventHandler](),
		fatalHandlers:      container.NewHandlerList[func(error)](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clientID == "" {
		c.clientID = "mqttproto-" + uuid.NewString()
	}
	if c.retryPolicy == nil {
		c.retryPolicy = &retry.ExponentialBackoff{}
	}

	return c, nil
}

// NewFromEnv constructs a SessionClient from MQTT_*-prefixed environment
// variables, choosing a TCP or TLS transport per Settings.UseTLS.
func NewFromEnv(opts ...Option) (*SessionClient, error) {
	settings, err := SettingsFromEnv()
	if err != nil {
		return nil, err
	}

	tlsConfig, err := settings.TLSConfig()
	if err != nil {
		return nil, err
	}

	var provider ConnectionProvider
	if tlsConfig != nil {
		provider = TLSConnection(settings.HostName, settings.TCPPort, tlsConfig)
	} else {
		provider = TCPConnection(settings.HostName, settings.TCPPort)
	}

	return New(provider, settings, opts...)
}

// NewWebSocket constructs a SessionClient that dials endpoint over the MQTT
// WebSocket subprotocol instead of raw TCP/TLS.
func NewWebSocket(endpoint *url.URL, tlsConfig *tls.Config, settings *Settings, opts ...Option) (*SessionClient, error) {
	return New(WebSocketConnection(endpoint, tlsConfig), settings, opts...)
}

// ID returns the MQTT client identifier.
func (c *SessionClient) ID() string { return c.clientID }

// RegisterConnectEventHandler registers a handler called synchronously,
// in registration order, on every successful connect or reconnect.
func (c *SessionClient) RegisterConnectEventHandler(handler mqtt.ConnectEventHandler) func() {
	return c.connectHandlers.Append(handler)
}

// RegisterDisconnectEventHandler registers a handler called synchronously,
// in registration order, whenever the client loses its broker connection.
func (c *SessionClient) RegisterDisconnectEventHandler(handler mqtt.DisconnectEventHandler) func() {
	return c.disconnectHandlers.Append(handler)
}

// RegisterFatalErrorHandler registers a handler invoked in a goroutine if
// the connection loop ends with an error, i.e. the retry policy gives up on
// connecting. It is not invoked when the loop ends because the context
// passed to Start is done.
func (c *SessionClient) RegisterFatalErrorHandler(handler func(error)) func() {
	return c.fatalHandlers.Append(handler)
}

// RegisterMessageHandler registers a handler invoked for every inbound
// PUBLISH, regardless of topic; callers filter by topic themselves (the
// root package's listener does this via a topic.Filter).
func (c *SessionClient) RegisterMessageHandler(handler mqtt.MessageHandler) func() {
	return c.messageHandlers.Append(handler)
}

// Start begins the connect/reconnect loop in the background. It returns
// immediately; use RegisterConnectEventHandler to be notified once a
// connection is established.
func (c *SessionClient) Start(ctx context.Context) error {
	started := false
	c.started.Do(func() { started = true })
	if !started {
		return &errors.Error{Message: "session client already started", Kind: errors.StateInvalid}
	}

	go func() {
		defer close(c.stopped)
		if err := c.manageConnection(ctx); err != nil {
			c.log.Err(ctx, err)
			for handler := range c.fatalHandlers.All() {
				go handler(err)
			}
		}
	}()
	return nil
}

// Stop disconnects the client and stops the reconnect loop, blocking until
// both have completed.
func (c *SessionClient) Stop(ctx context.Context) error {
	c.connMu.RLock()
	cur := c.conn
	c.connMu.RUnlock()
	if cur.client != nil {
		c.disconnect(ctx, cur.client)
	}

	select {
	case <-c.stopped:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	return nil
}

func (c *SessionClient) manageConnection(ctx context.Context) error {
	reconnect := false
	for {
		var connack *paho.Connack
		task := retry.Task{
			Name: "mqtt connect",
			Exec: func(ctx context.Context) error {
				connCtx := ctx
				if c.settings.ConnectionTimeout > 0 {
					var cancel context.CancelFunc
					connCtx, cancel = context.WithTimeout(ctx, c.settings.ConnectionTimeout)
					defer cancel()
				}
				var err error
				connack, err = c.connect(connCtx, reconnect)
				return err
			},
			Cond: func(err error) bool {
				var protoErr *errors.Error
				if e, ok := err.(*errors.Error); ok {
					protoErr = e
				}
				// Argument/configuration problems can never be fixed by
				// retrying the same connect attempt.
				return protoErr == nil || (protoErr.Kind != errors.ArgumentInvalid && protoErr.Kind != errors.ConfigurationInvalid)
			},
		}

		err := c.retryPolicy.Start(ctx, func(msg string, args ...any) {
			c.log.Info(ctx, msg)
		}, task)
		if err != nil {
			return err
		}

		c.signalConnect(ctx, &mqtt.ConnectEvent{ReasonCode: connack.ReasonCode})
		reconnect = true

		c.connMu.RLock()
		attempt := c.conn.attempt
		notify := c.notify
		c.connMu.RUnlock()

		select {
		case <-notify:
			// The connection that just succeeded already went down again;
			// only treat it as a disconnection if it's still the current one.
			c.connMu.RLock()
			stillCurrent := c.conn.attempt == attempt
			c.connMu.RUnlock()
			if stillCurrent {
				continue
			}
			c.signalDisconnect(ctx, &mqtt.DisconnectEvent{})
		case <-ctx.Done():
			return nil
		}
	}
}

// connect dials a fresh transport, performs the MQTT CONNECT handshake, and
// installs the resulting Paho client as current on success.
func (c *SessionClient) connect(ctx context.Context, reconnect bool) (*paho.Connack, error) {
	conn, err := c.connProvider(ctx)
	if err != nil {
		return nil, &errors.Error{Message: "error opening transport connection", Kind: errors.MqttError, NestedError: err}
	}

	attempt := atomic.AddUint64(&c.nextTry, 1)

	var auther paho.Auther
	if c.authProvider != nil {
		auther = &pahoAuther{c}
	}

	pahoClient := paho.NewClient(paho.ClientConfig{
		ClientID:                   c.clientID,
		Conn:                       conn,
		Session:                    c.sessionState,
		AuthHandler:                auther,
		PacketTimeout:              math.MaxInt64,
		EnableManualAcknowledgment: true,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			c.onPublishReceived(attempt),
		},
		OnServerDisconnect: func(*paho.Disconnect) { c.dropConnection(attempt) },
		OnClientError:      func(error) { c.dropConnection(attempt) },
	})

	packet, err := c.buildConnectPacket(reconnect)
	if err != nil {
		return nil, err
	}

	connack, err := pahoClient.Connect(ctx, packet)
	switch {
	case connack == nil:
		return nil, &errors.Error{Message: "MQTT connect failed", Kind: errors.MqttError, NestedError: err}

	case connack.ReasonCode >= 0x80:
		reason := ""
		if connack.Properties != nil {
			reason = connack.Properties.ReasonString
		}
		return nil, &errors.Error{
			Message:     "MQTT connect refused",
			Kind:        errors.MqttError,
			HeaderName:  "Reason Code",
			HeaderValue: fmt.Sprintf("%#x %s", connack.ReasonCode, reason),
		}

	case reconnect && !connack.SessionPresent:
		c.forceDisconnect(pahoClient)
		return nil, &errors.Error{Message: "session was lost on reconnect", Kind: errors.MqttError}

	default:
		if c.authProvider != nil && (connack.Properties == nil || connack.Properties.AuthMethod == "") {
			c.authProvider.AuthSuccess(c.requestReauth)
		}
		c.connMu.Lock()
		c.conn = clientHandle{client: pahoClient, attempt: attempt}
		old := c.notify
		c.notify = make(chan struct{})
		c.connMu.Unlock()
		close(old)
		return connack, nil
	}
}

// dropConnection marks attempt's connection down, unblocking anything
// waiting on the prior notify channel. A no-op if a newer connection has
// already replaced it.
func (c *SessionClient) dropConnection(attempt uint64) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn.attempt != attempt {
		return
	}
	c.conn = clientHandle{}
	old := c.notify
	c.notify = make(chan struct{})
	close(old)
}

func (c *SessionClient) requestReauth() {
	go func() { _ = c.Reauthenticate(context.Background()) }()
}

// Reauthenticate initiates an MQTT 5 AUTH-packet reauthentication exchange
// on the current connection.
func (c *SessionClient) Reauthenticate(ctx context.Context) error {
	if c.authProvider == nil {
		return &errors.Error{Message: "no authentication provider configured", Kind: errors.ConfigurationInvalid}
	}

	client, _, err := c.awaitClient(ctx)
	if err != nil {
		return err
	}

	values, err := c.authProvider.InitiateAuthExchange(true)
	if err != nil {
		return &errors.Error{Message: "error initiating reauthentication", Kind: errors.ExecutionError, NestedError: err}
	}

	_, err = client.Authenticate(ctx, &paho.Auth{
		ReasonCode: reauthenticateReasonCode,
		Properties: &paho.AuthProperties{
			AuthMethod: values.AuthenticationMethod,
			AuthData:   values.AuthenticationData,
		},
	})
	if err != nil {
		return &errors.Error{Message: "reauthentication failed", Kind: errors.MqttError, NestedError: err}
	}
	return nil
}

func (c *SessionClient) forceDisconnect(client *paho.Client) {
	expiry := uint32(0)
	_ = client.Disconnect(&paho.Disconnect{
		ReasonCode: normalDisconnectReasonCode,
		Properties: &paho.DisconnectProperties{SessionExpiryInterval: &expiry},
	})
}

func (c *SessionClient) disconnect(ctx context.Context, client *paho.Client) {
	c.forceDisconnect(client)
	c.signalDisconnect(ctx, &mqtt.DisconnectEvent{})
}

func (c *SessionClient) buildConnectPacket(reconnect bool) (*paho.Connect, error) {
	sessionExpiry := uint32(c.settings.SessionExpiry.Seconds())
	receiveMax := c.settings.ReceiveMaximum

	packet := &paho.Connect{
		ClientID:   c.clientID,
		CleanStart: !reconnect && c.settings.CleanStart,
		KeepAlive:  uint16(c.settings.KeepAlive.Seconds()),
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: &sessionExpiry,
			ReceiveMaximum:        &receiveMax,
			RequestProblemInfo:    true,
		},
	}

	if c.settings.Username != "" {
		packet.UsernameFlag = true
		packet.Username = c.settings.Username
	}

	password, err := c.settings.ResolvedPassword()
	if err != nil {
		return nil, &errors.Error{Message: "unable to resolve password", Kind: errors.ConfigurationInvalid, NestedError: err}
	}
	if len(password) > 0 {
		packet.PasswordFlag = true
		packet.Password = password
	}

	if c.authProvider != nil {
		values, err := c.authProvider.InitiateAuthExchange(false)
		if err != nil {
			return nil, &errors.Error{Message: "error initiating authentication exchange", Kind: errors.ConfigurationInvalid, NestedError: err}
		}
		packet.Properties.AuthMethod = values.AuthenticationMethod
		packet.Properties.AuthData = values.AuthenticationData
	}

	return packet, nil
}

func (c *SessionClient) signalConnect(ctx context.Context, event *mqtt.ConnectEvent) {
	c.log.Info(ctx, "mqtt connected", slog.Int("reason_code", int(event.ReasonCode)))
	for handler := range c.connectHandlers.All() {
		handler(event)
	}
}

func (c *SessionClient) signalDisconnect(ctx context.Context, event *mqtt.DisconnectEvent) {
	c.log.Warn(ctx, "mqtt disconnected")
	for handler := range c.disconnectHandlers.All() {
		handler(event)
	}
}

// onPublishReceived is installed once per Paho client instance and fans
// incoming PUBLISH packets out to every registered message handler. The
// underlying packet is only acked, for QoS>0, once every handler has
// acknowledged its own copy.
func (c *SessionClient) onPublishReceived(attempt uint64) func(paho.PublishReceived) (bool, error) {
	return func(pr paho.PublishReceived) (bool, error) {
		packet := pr.Packet
		ctx := context.Background()

		var pending sync.WaitGroup
		for handler := range c.messageHandlers.All() {
			pending.Add(1)
			msg := buildMessage(packet, sync.OnceFunc(pending.Done))
			handler(ctx, msg)
		}

		if packet.QoS > 0 {
			go func() {
				pending.Wait()
				c.connMu.RLock()
				cur := c.conn
				c.connMu.RUnlock()
				if cur.client == nil || cur.attempt != attempt {
					return
				}
				if err := cur.client.Ack(packet); err != nil {
					c.log.Err(ctx, err)
				}
			}()
		}
		return true, nil
	}
}

// awaitClient blocks until a connection is up or ctx is done.
func (c *SessionClient) awaitClient(ctx context.Context) (*paho.Client, uint64, error) {
	for {
		c.connMu.RLock()
		cur, notify := c.conn, c.notify
		c.connMu.RUnlock()

		if cur.client != nil {
			return cur.client, cur.attempt, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, 0, context.Cause(ctx)
		}
	}
}

// Publish sends an application message, retrying on the new connection
// whenever the one it was sent on is replaced in flight (a Paho client
// instance never outlives its connection). It returns once Paho has sent
// the PUBLISH or stored it for replay; it does not wait for the PUBACK.
func (c *SessionClient) Publish(ctx context.Context, topic string, payload []byte, opts ...mqtt.PublishOption) (*mqtt.Ack, error) {
	pub, err := buildPublish(topic, payload, opts...)
	if err != nil {
		return nil, err
	}

	for {
		client, attempt, err := c.awaitClient(ctx)
		if err != nil {
			return nil, err
		}

		res, err := client.PublishWithOptions(ctx, pub, paho.PublishOptions{Method: paho.PublishMethod_AsyncSend})
		if err == nil || stderrors.Is(err, paho.ErrNetworkErrorAfterStored) {
			// Paho has either sent the PUBLISH or stored it for replay on
			// reconnect, so it is no longer ours to retry.
			return ackFromPublish(res), nil
		}
		if _, stillCurrent, _ := c.checkAttempt(attempt); !stillCurrent {
			continue
		}
		return nil, &errors.Error{Message: "MQTT publish failed", Kind: errors.MqttError, NestedError: err}
	}
}

// Subscribe installs a topic filter subscription, retrying on the new
// connection whenever the current one is replaced mid-request.
func (c *SessionClient) Subscribe(ctx context.Context, topic string, opts ...mqtt.SubscribeOption) (*mqtt.Ack, error) {
	sub, err := buildSubscribe(topic, opts...)
	if err != nil {
		return nil, err
	}

	for {
		client, attempt, err := c.awaitClient(ctx)
		if err != nil {
			return nil, err
		}

		suback, err := client.Subscribe(ctx, sub)
		if err == nil && suback != nil {
			return &mqtt.Ack{
				ReasonCode:     suback.Reasons[0],
				ReasonString:   suback.Properties.ReasonString,
				UserProperties: userPropertiesToMap(suback.Properties.User),
			}, nil
		}
		if _, stillCurrent, _ := c.checkAttempt(attempt); !stillCurrent {
			continue
		}
		return nil, &errors.Error{Message: "MQTT subscribe failed", Kind: errors.MqttError, NestedError: err}
	}
}

// Unsubscribe removes a topic filter subscription, retrying on the new
// connection whenever the current one is replaced mid-request.
func (c *SessionClient) Unsubscribe(ctx context.Context, topic string, opts ...mqtt.UnsubscribeOption) (*mqtt.Ack, error) {
	unsub, err := buildUnsubscribe(topic, opts...)
	if err != nil {
		return nil, err
	}

	for {
		client, attempt, err := c.awaitClient(ctx)
		if err != nil {
			return nil, err
		}

		unsuback, err := client.Unsubscribe(ctx, unsub)
		if err == nil && unsuback != nil {
			return &mqtt.Ack{
				ReasonCode:     unsuback.Reasons[0],
				ReasonString:   unsuback.Properties.ReasonString,
				UserProperties: userPropertiesToMap(unsuback.Properties.User),
			}, nil
		}
		if _, stillCurrent, _ := c.checkAttempt(attempt); !stillCurrent {
			continue
		}
		return nil, &errors.Error{Message: "MQTT unsubscribe failed", Kind: errors.MqttError, NestedError: err}
	}
}

// checkAttempt reports whether attempt is still the current connection.
func (c *SessionClient) checkAttempt(attempt uint64) (*paho.Client, bool, uint64) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn.client, c.conn.attempt == attempt, c.conn.attempt
}

func ackFromPublish(res *paho.PublishResponse) *mqtt.Ack {
	if res == nil || res.Properties == nil {
		return &mqtt.Ack{}
	}
	return &mqtt.Ack{
		ReasonCode:     res.ReasonCode,
		ReasonString:   res.Properties.ReasonString,
		UserProperties: userPropertiesToMap(res.Properties.User),
	}
}

func invalidArgument(message, property string, value any) *errors.Error {
	return &errors.Error{
		Message:       message,
		Kind:          errors.ArgumentInvalid,
		PropertyName:  property,
		PropertyValue: value,
	}
}

// pahoAuther adapts a session/auth.Provider to paho.Auther for enhanced
// authentication exchanges (AUTH packets with reason code 0x18).
type pahoAuther struct{ c *SessionClient }

func (a *pahoAuther) Authenticate(authPacket *paho.Auth) *paho.Auth {
	var method string
	var data []byte
	if authPacket.Properties != nil {
		method, data = authPacket.Properties.AuthMethod, authPacket.Properties.AuthData
	}

	values, err := a.c.authProvider.ContinueAuthExchange(&auth.Values{
		AuthenticationMethod: method,
		AuthenticationData:   data,
	})
	if err != nil {
		a.c.log.Err(context.Background(), err)
		return &paho.Auth{ReasonCode: 0x80}
	}

	return &paho.Auth{
		ReasonCode: continueAuthReasonCode,
		Properties: &paho.AuthProperties{
			AuthMethod: values.AuthenticationMethod,
			AuthData:   values.AuthenticationData,
		},
	}
}

func (a *pahoAuther) Authenticated() {
	a.c.authProvider.AuthSuccess(a.c.requestReauth)
}
