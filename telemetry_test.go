// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mqttproto "github.com/nimbusedge/mqttproto"
)

type telemetryPayload struct {
	Value int `json:"value"`
}

func TestTelemetrySendReceive(t *testing.T) {
	const port = 18841
	startBroker(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := newApp(t)
	sender := newConnectedClient(t, ctx, port, "telemetry-sender")
	receiver := newConnectedClient(t, ctx, port, "telemetry-receiver")

	results := make(chan *mqttproto.TelemetryMessage[telemetryPayload], 1)
	tr, err := mqttproto.NewTelemetryReceiver(app, receiver, mqttproto.JSONCodec[telemetryPayload]{}, "prefix/{token}/suffix",
		func(_ context.Context, msg *mqttproto.TelemetryMessage[telemetryPayload]) error {
			results <- msg
			return nil
		},
		mqttproto.WithTopicTokens{"token": "test"},
	)
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Start(ctx))

	ts, err := mqttproto.NewTelemetrySender[telemetryPayload](app, sender, mqttproto.JSONCodec[telemetryPayload]{}, "prefix/{token}/suffix",
		mqttproto.WithTopicTokens{"token": "test"},
	)
	require.NoError(t, err)

	source, err := url.Parse("https://contoso.com")
	require.NoError(t, err)

	require.NoError(t, ts.Send(ctx, telemetryPayload{Value: 7}, mqttproto.WithCloudEvent(&mqttproto.CloudEvent{Source: source})))

	select {
	case msg := <-results:
		require.Equal(t, sender.ID(), msg.ClientID)
		require.Equal(t, 7, msg.Payload.Value)

		ce, err := mqttproto.CloudEventFromTelemetry(msg)
		require.NoError(t, err)
		require.Equal(t, "https://contoso.com", ce.Source.String())
		require.Equal(t, "prefix/test/suffix", ce.Subject)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for telemetry")
	}
}

func TestTelemetryManualAck(t *testing.T) {
	const port = 18842
	startBroker(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := newApp(t)
	sender := newConnectedClient(t, ctx, port, "manual-ack-sender")
	receiver := newConnectedClient(t, ctx, port, "manual-ack-receiver")

	acked := make(chan struct{}, 1)
	tr, err := mqttproto.NewTelemetryReceiver(app, receiver, mqttproto.JSONCodec[telemetryPayload]{}, "manual/ack",
		func(_ context.Context, msg *mqttproto.TelemetryMessage[telemetryPayload]) error {
			require.NotNil(t, msg.Ack)
			msg.Ack()
			acked <- struct{}{}
			return nil
		},
		mqttproto.WithManualAck(true),
	)
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Start(ctx))

	ts, err := mqttproto.NewTelemetrySender[telemetryPayload](app, sender, mqttproto.JSONCodec[telemetryPayload]{}, "manual/ack")
	require.NoError(t, err)
	require.NoError(t, ts.Send(ctx, telemetryPayload{Value: 1}))

	select {
	case <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for manual ack")
	}
}
