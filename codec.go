// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto

import (
	"encoding/json"
	stderr "errors"
	"fmt"

	"github.com/nimbusedge/mqttproto/errors"
)

type (
	// Encoding translates between a concrete Go type T and wire Data. All
	// methods must be safe for concurrent use.
	Encoding[T any] interface {
		Serialize(T) (*Data, error)
		Deserialize(*Data) (T, error)

		// PayloadFormat reports the MQTT payload format indicator this
		// codec produces and expects on the wire.
		PayloadFormat() byte
	}

	// Data is an encoded payload along with the MQTT properties that
	// describe its shape to the far end.
	Data struct {
		Payload       []byte
		ContentType   string
		PayloadFormat byte
	}

	// JSONCodec is an Encoding that (de)serializes T as JSON.
	JSONCodec[T any] struct{}

	// EmptyCodec is an Encoding for payload-less messages; any non-nil/
	// non-empty payload is rejected.
	EmptyCodec struct{}

	// RawCodec is an Encoding that passes the payload bytes through
	// unchanged, bypassing content-type negotiation beyond
	// application/octet-stream.
	RawCodec struct{}
)

// ErrUnsupportedContentType is returned by an Encoding when asked to
// deserialize a content type it does not understand.
var ErrUnsupportedContentType = stderr.New("unsupported content type")

func serialize[T any](encoding Encoding[T], value T) (data *Data, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = payloadError("cannot serialize payload", p)
		}
	}()
	data, err = encoding.Serialize(value)
	if err != nil {
		return nil, payloadError("cannot serialize payload", err)
	}
	return data, nil
}

func deserialize[T any](encoding Encoding[T], data *Data) (value T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = payloadError("cannot deserialize payload", p)
		}
	}()
	value, err = encoding.Deserialize(data)
	if err != nil {
		if stderr.Is(err, ErrUnsupportedContentType) {
			return value, &errors.Error{
				Message:     "content type mismatch",
				Kind:        errors.HeaderInvalid,
				HeaderName:  "Content Type",
				HeaderValue: data.ContentType,
			}
		}
		return value, payloadError("cannot deserialize payload", err)
	}
	return value, nil
}

func payloadError(msg string, err any) error {
	switch e := err.(type) {
	case *errors.Error:
		return e
	case error:
		return &errors.Error{Message: msg, Kind: errors.PayloadInvalid, NestedError: e}
	default:
		return &errors.Error{Message: msg, Kind: errors.PayloadInvalid, NestedError: stderr.New(fmt.Sprint(e))}
	}
}

// Serialize renders t as JSON.
func (JSONCodec[T]) Serialize(t T) (*Data, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &Data{Payload: b, ContentType: "application/json", PayloadFormat: 1}, nil
}

// Deserialize parses JSON into T.
func (JSONCodec[T]) Deserialize(data *Data) (T, error) {
	var t T
	switch data.ContentType {
	case "", "application/json":
		err := json.Unmarshal(data.Payload, &t)
		return t, err
	default:
		return t, ErrUnsupportedContentType
	}
}

// PayloadFormat reports UTF-8 (1): JSON is always text.
func (JSONCodec[T]) PayloadFormat() byte { return 1 }

// Serialize validates that t is nil, producing an empty payload.
func (EmptyCodec) Serialize(t any) (*Data, error) {
	if t != nil {
		return nil, &errors.Error{Message: "unexpected payload for empty type", Kind: errors.PayloadInvalid}
	}
	return &Data{}, nil
}

// Deserialize validates that the payload carries no bytes.
func (EmptyCodec) Deserialize(data *Data) (any, error) {
	if len(data.Payload) != 0 {
		return nil, &errors.Error{Message: "unexpected payload for empty type", Kind: errors.PayloadInvalid}
	}
	return nil, nil
}

// PayloadFormat reports unspecified (0): there is no payload to format.
func (EmptyCodec) PayloadFormat() byte { return 0 }

// Serialize passes the bytes through unchanged.
func (RawCodec) Serialize(t []byte) (*Data, error) {
	return &Data{Payload: t, ContentType: "application/octet-stream", PayloadFormat: 0}, nil
}

// Deserialize passes the bytes through unchanged.
func (RawCodec) Deserialize(data *Data) ([]byte, error) {
	switch data.ContentType {
	case "", "application/octet-stream":
		return data.Payload, nil
	default:
		return nil, ErrUnsupportedContentType
	}
}

// PayloadFormat reports unspecified (0): raw bytes are binary.
func (RawCodec) PayloadFormat() byte { return 0 }
