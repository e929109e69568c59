// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"

	mqttproto "github.com/nimbusedge/mqttproto"
	"github.com/nimbusedge/mqttproto/session"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

// startBroker spins up an in-process MQTT broker listening on the given TCP
// port, tearing it down when the test completes.
func startBroker(t *testing.T, port int) {
	t.Helper()

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		Address: fmt.Sprintf("localhost:%d", port),
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })
}

// newConnectedClient constructs and starts a SessionClient against the
// broker at port, blocking until the connection is established.
func newConnectedClient(t *testing.T, ctx context.Context, port int, id string) *session.SessionClient {
	t.Helper()

	client, err := session.New(session.TCPConnection("localhost", port), &session.Settings{
		ClientID:       id,
		CleanStart:     true,
		KeepAlive:      30 * time.Second,
		SessionExpiry:  time.Minute,
		ReceiveMaximum: 65535,
	})
	require.NoError(t, err)

	connected := make(chan struct{}, 1)
	remove := client.RegisterConnectEventHandler(func(*mqtt.ConnectEvent) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	defer remove()

	require.NoError(t, client.Start(ctx))

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
	return client
}

func newApp(t *testing.T) *mqttproto.Application {
	t.Helper()
	app, err := mqttproto.NewApplication()
	require.NoError(t, err)
	return app
}
