// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import "github.com/nimbusedge/mqttproto/internal/options"

type (
	// SubscribeOptions are the resolved subscribe options.
	SubscribeOptions struct {
		NoLocal        bool
		QoS            byte
		Retain         bool
		RetainHandling byte
		UserProperties map[string]string
	}

	// SubscribeOption configures a Subscribe call.
	SubscribeOption interface{ subscribe(*SubscribeOptions) }

	// UnsubscribeOptions are the resolved unsubscribe options.
	UnsubscribeOptions struct {
		UserProperties map[string]string
	}

	// UnsubscribeOption configures an Unsubscribe call.
	UnsubscribeOption interface{ unsubscribe(*UnsubscribeOptions) }

	// PublishOptions are the resolved publish options.
	PublishOptions struct {
		ContentType     string
		CorrelationData []byte
		MessageExpiry   uint32
		PayloadFormat   byte
		QoS             byte
		ResponseTopic   string
		Retain          bool
		UserProperties  map[string]string
	}

	// PublishOption configures a Publish call.
	PublishOption interface{ publish(*PublishOptions) }

	// WithContentType sets the MQTT content-type property.
	WithContentType string
	// WithCorrelationData sets the MQTT correlation-data property.
	WithCorrelationData []byte
	// WithMessageExpiry sets the message-expiry-interval property, in
	// seconds.
	WithMessageExpiry uint32
	// WithNoLocal sets the no-local subscribe flag.
	WithNoLocal bool
	// WithPayloadFormat sets the payload-format-indicator property.
	WithPayloadFormat byte
	// WithQoS sets the publish or subscribe QoS level.
	WithQoS byte
	// WithResponseTopic sets the MQTT response-topic property.
	WithResponseTopic string
	// WithRetain sets the publish retain flag, or the subscribe
	// retain-as-published flag.
	WithRetain bool
	// WithRetainHandling sets the subscribe retained-message handling mode.
	WithRetainHandling byte
	// WithUserProperties merges entries into the publish/subscribe/
	// unsubscribe user-property set.
	WithUserProperties map[string]string
)

func (o WithContentType) publish(opt *PublishOptions) { opt.ContentType = string(o) }

func (o WithCorrelationData) publish(opt *PublishOptions) { opt.CorrelationData = []byte(o) }

func (o WithMessageExpiry) publish(opt *PublishOptions) { opt.MessageExpiry = uint32(o) }

func (o WithNoLocal) subscribe(opt *SubscribeOptions) { opt.NoLocal = bool(o) }

func (o WithPayloadFormat) publish(opt *PublishOptions) { opt.PayloadFormat = byte(o) }

func (o WithQoS) publish(opt *PublishOptions) { opt.QoS = byte(o) }

func (o WithQoS) subscribe(opt *SubscribeOptions) { opt.QoS = byte(o) }

func (o WithResponseTopic) publish(opt *PublishOptions) { opt.ResponseTopic = string(o) }

func (o WithRetain) publish(opt *PublishOptions) { opt.Retain = bool(o) }

func (o WithRetain) subscribe(opt *SubscribeOptions) { opt.Retain = bool(o) }

func (o WithRetainHandling) subscribe(opt *SubscribeOptions) { opt.RetainHandling = byte(o) }

func (o WithUserProperties) apply(user map[string]string) map[string]string {
	if user == nil {
		user = make(map[string]string, len(o))
	}
	for key, val := range o {
		user[key] = val
	}
	return user
}

func (o WithUserProperties) publish(opt *PublishOptions)     { opt.UserProperties = o.apply(opt.UserProperties) }
func (o WithUserProperties) subscribe(opt *SubscribeOptions) { opt.UserProperties = o.apply(opt.UserProperties) }
func (o WithUserProperties) unsubscribe(opt *UnsubscribeOptions) {
	opt.UserProperties = o.apply(opt.UserProperties)
}

// Apply resolves the provided subscribe options.
func (o *SubscribeOptions) Apply(opts []SubscribeOption, rest ...SubscribeOption) {
	for opt := range options.Apply[SubscribeOption](opts, rest...) {
		opt.subscribe(o)
	}
}

func (o *SubscribeOptions) subscribe(opt *SubscribeOptions) {
	if o != nil {
		*opt = *o
	}
}

// Apply resolves the provided unsubscribe options.
func (o *UnsubscribeOptions) Apply(opts []UnsubscribeOption, rest ...UnsubscribeOption) {
	for opt := range options.Apply[UnsubscribeOption](opts, rest...) {
		opt.unsubscribe(o)
	}
}

func (o *UnsubscribeOptions) unsubscribe(opt *UnsubscribeOptions) {
	if o != nil {
		*opt = *o
	}
}

// Apply resolves the provided publish options.
func (o *PublishOptions) Apply(opts []PublishOption, rest ...PublishOption) {
	for opt := range options.Apply[PublishOption](opts, rest...) {
		opt.publish(o)
	}
}

func (o *PublishOptions) publish(opt *PublishOptions) {
	if o != nil {
		*opt = *o
	}
}
