// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package session

import (
	"strings"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nimbusedge/mqttproto/session/mqtt"
)

// sanitizeString strips invalid UTF-8 so a malformed topic token or user
// property never reaches the wire and gets the whole packet rejected.
func sanitizeString(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}

func userPropertiesToMap(ups paho.UserProperties) map[string]string {
	if len(ups) == 0 {
		return nil
	}
	m := make(map[string]string, len(ups))
	for _, prop := range ups {
		m[prop.Key] = prop.Value
	}
	return m
}

func mapToUserProperties(m map[string]string) paho.UserProperties {
	ups := make(paho.UserProperties, 0, len(m))
	for key, val := range m {
		ups = append(ups, paho.UserProperty{
			Key:   sanitizeString(key),
			Value: sanitizeString(val),
		})
	}
	return ups
}

func buildMessage(packet *paho.Publish, ack func()) *mqtt.Message {
	msg := &mqtt.Message{
		Topic:   packet.Topic,
		Payload: packet.Payload,
		PublishOptions: mqtt.PublishOptions{
			QoS:    packet.QoS,
			Retain: packet.Retain,
		},
		Ack: ack,
	}
	if packet.Properties != nil {
		msg.ContentType = packet.Properties.ContentType
		msg.CorrelationData = packet.Properties.CorrelationData
		msg.ResponseTopic = packet.Properties.ResponseTopic
		msg.UserProperties = userPropertiesToMap(packet.Properties.User)
		if packet.Properties.MessageExpiry != nil {
			msg.MessageExpiry = *packet.Properties.MessageExpiry
		}
		if packet.Properties.PayloadFormat != nil {
			msg.PayloadFormat = *packet.Properties.PayloadFormat
		}
	}
	return msg
}

func buildPublish(topic string, payload []byte, opts ...mqtt.PublishOption) (*paho.Publish, error) {
	var opt mqtt.PublishOptions
	opt.Apply(opts)

	if opt.QoS >= 2 {
		return nil, invalidArgument("unsupported QoS", "QoS", opt.QoS)
	}
	if opt.PayloadFormat >= 2 {
		return nil, invalidArgument("invalid payload format indicator", "PayloadFormat", opt.PayloadFormat)
	}

	payloadFormat := opt.PayloadFormat
	pub := &paho.Publish{
		QoS:     opt.QoS,
		Retain:  opt.Retain,
		Topic:   topic,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType:     opt.ContentType,
			CorrelationData: opt.CorrelationData,
			PayloadFormat:   &payloadFormat,
			ResponseTopic:   opt.ResponseTopic,
			User:            mapToUserProperties(opt.UserProperties),
		},
	}
	if opt.MessageExpiry > 0 {
		pub.Properties.MessageExpiry = &opt.MessageExpiry
	}
	return pub, nil
}

func buildSubscribe(topicFilter string, opts ...mqtt.SubscribeOption) (*paho.Subscribe, error) {
	var opt mqtt.SubscribeOptions
	opt.Apply(opts)

	if opt.QoS >= 2 {
		return nil, invalidArgument("unsupported QoS", "QoS", opt.QoS)
	}

	sub := &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic:             topicFilter,
			QoS:               opt.QoS,
			NoLocal:           opt.NoLocal,
			RetainAsPublished: opt.Retain,
			RetainHandling:    opt.RetainHandling,
		}},
	}
	if len(opt.UserProperties) > 0 {
		sub.Properties = &paho.SubscribeProperties{User: mapToUserProperties(opt.UserProperties)}
	}
	return sub, nil
}

func buildUnsubscribe(topicFilter string, opts ...mqtt.UnsubscribeOption) (*paho.Unsubscribe, error) {
	var opt mqtt.UnsubscribeOptions
	opt.Apply(opts)

	unsub := &paho.Unsubscribe{Topics: []string{topicFilter}}
	if len(opt.UserProperties) > 0 {
		unsub.Properties = &paho.UnsubscribeProperties{User: mapToUserProperties(opt.UserProperties)}
	}
	return unsub, nil
}
