// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"

	"github.com/nimbusedge/mqttproto/session"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

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

func newClient(t *testing.T, port int, id string) *session.SessionClient {
	t.Helper()

	settings := &session.Settings{
		ClientID:       id,
		CleanStart:     true,
		KeepAlive:      30 * time.Second,
		SessionExpiry:  time.Minute,
		ReceiveMaximum: 65535,
	}
	client, err := session.New(session.TCPConnection("localhost", port), settings)
	require.NoError(t, err)
	return client
}

func startAndAwaitConnect(t *testing.T, ctx context.Context, client *session.SessionClient) {
	t.Helper()

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
}

func TestSessionClientPublishSubscribe(t *testing.T) {
	const port = 18831
	startBroker(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newClient(t, port, "test-publisher")
	subscriber := newClient(t, port, "test-subscriber")

	startAndAwaitConnect(t, ctx, publisher)
	startAndAwaitConnect(t, ctx, subscriber)

	received := make(chan *mqtt.Message, 1)
	remove := subscriber.RegisterMessageHandler(func(_ context.Context, msg *mqtt.Message) {
		received <- msg
	})
	defer remove()

	_, err := subscriber.Subscribe(ctx, "sensors/test", mqtt.WithQoS(1))
	require.NoError(t, err)

	ack, err := publisher.Publish(ctx, "sensors/test", []byte("hello"), mqtt.WithQoS(1))
	require.NoError(t, err)
	require.NotNil(t, ack)

	select {
	case msg := <-received:
		require.Equal(t, "sensors/test", msg.Topic)
		require.Equal(t, []byte("hello"), msg.Payload)
		if msg.Ack != nil {
			msg.Ack()
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for publish to arrive")
	}

	_, err = subscriber.Unsubscribe(ctx, "sensors/test")
	require.NoError(t, err)
}

func TestSessionClientMultipleHandlersAckOnce(t *testing.T) {
	const port = 18832
	startBroker(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newClient(t, port, "test-publisher-2")
	subscriber := newClient(t, port, "test-subscriber-2")

	startAndAwaitConnect(t, ctx, publisher)
	startAndAwaitConnect(t, ctx, subscriber)

	var first, second sync.WaitGroup
	first.Add(1)
	second.Add(1)

	remove1 := subscriber.RegisterMessageHandler(func(_ context.Context, msg *mqtt.Message) {
		defer first.Done()
		if msg.Ack != nil {
			msg.Ack()
		}
	})
	defer remove1()
	remove2 := subscriber.RegisterMessageHandler(func(_ context.Context, msg *mqtt.Message) {
		defer second.Done()
		if msg.Ack != nil {
			msg.Ack()
		}
	})
	defer remove2()

	_, err := subscriber.Subscribe(ctx, "sensors/fanout", mqtt.WithQoS(1))
	require.NoError(t, err)

	_, err = publisher.Publish(ctx, "sensors/fanout", []byte("fanout"), mqtt.WithQoS(1))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		first.Wait()
		second.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for both handlers to run")
	}
}
