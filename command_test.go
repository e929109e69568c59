// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mqttproto "github.com/nimbusedge/mqttproto"
)

type (
	addRequest struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	addResponse struct {
		Sum int `json:"sum"`
	}
)

func TestCommandInvokeExecute(t *testing.T) {
	const port = 18851
	startBroker(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := newApp(t)
	invokerClient := newConnectedClient(t, ctx, port, "command-invoker")
	executorClient := newConnectedClient(t, ctx, port, "command-executor")

	executor, err := mqttproto.NewCommandExecutor(app, executorClient,
		mqttproto.JSONCodec[addRequest]{}, mqttproto.JSONCodec[addResponse]{}, "math/add",
		func(_ context.Context, req *mqttproto.CommandRequest[addRequest]) (*mqttproto.CommandResponse[addResponse], error) {
			return mqttproto.Respond(addResponse{Sum: req.Payload.A + req.Payload.B})
		},
	)
	require.NoError(t, err)
	defer executor.Close()
	require.NoError(t, executor.Start(ctx))

	invoker, err := mqttproto.NewCommandInvoker[addRequest, addResponse](app, invokerClient,
		mqttproto.JSONCodec[addRequest]{}, mqttproto.JSONCodec[addResponse]{}, "math/add",
	)
	require.NoError(t, err)
	defer invoker.Close()
	require.NoError(t, invoker.Start(ctx))

	res, err := invoker.Invoke(ctx, addRequest{A: 2, B: 3}, mqttproto.WithTimeout(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, 5, res.Payload.Sum)
}

func TestCommandExecutorPropagatesHandlerError(t *testing.T) {
	const port = 18852
	startBroker(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := newApp(t)
	invokerClient := newConnectedClient(t, ctx, port, "command-invoker-err")
	executorClient := newConnectedClient(t, ctx, port, "command-executor-err")

	executor, err := mqttproto.NewCommandExecutor(app, executorClient,
		mqttproto.JSONCodec[addRequest]{}, mqttproto.JSONCodec[addResponse]{}, "math/fail",
		func(_ context.Context, _ *mqttproto.CommandRequest[addRequest]) (*mqttproto.CommandResponse[addResponse], error) {
			return nil, errHandlerFailed
		},
	)
	require.NoError(t, err)
	defer executor.Close()
	require.NoError(t, executor.Start(ctx))

	invoker, err := mqttproto.NewCommandInvoker[addRequest, addResponse](app, invokerClient,
		mqttproto.JSONCodec[addRequest]{}, mqttproto.JSONCodec[addResponse]{}, "math/fail",
	)
	require.NoError(t, err)
	defer invoker.Close()
	require.NoError(t, invoker.Start(ctx))

	_, err = invoker.Invoke(ctx, addRequest{A: 1, B: 1}, mqttproto.WithTimeout(5*time.Second))
	require.Error(t, err)
}

// TestCommandExecutorsShareSessionWithoutStalling guards against a fan-out
// deadlock: a session offers every inbound publish to every registered
// listener, and a listener whose topic filter doesn't match must still ack
// its copy so the others aren't stranded waiting on the same PUBACK.
func TestCommandExecutorsShareSessionWithoutStalling(t *testing.T) {
	const port = 18853
	startBroker(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := newApp(t)
	invokerClient := newConnectedClient(t, ctx, port, "command-invoker-multi")
	executorClient := newConnectedClient(t, ctx, port, "command-executor-multi")

	addExecutor, err := mqttproto.NewCommandExecutor(app, executorClient,
		mqttproto.JSONCodec[addRequest]{}, mqttproto.JSONCodec[addResponse]{}, "math/add-multi",
		func(_ context.Context, req *mqttproto.CommandRequest[addRequest]) (*mqttproto.CommandResponse[addResponse], error) {
			return mqttproto.Respond(addResponse{Sum: req.Payload.A + req.Payload.B})
		},
	)
	require.NoError(t, err)
	defer addExecutor.Close()
	require.NoError(t, addExecutor.Start(ctx))

	// A second executor on the same client, subscribed to a different
	// topic, never matches the request below; it must still ack every
	// publish it declines.
	subExecutor, err := mqttproto.NewCommandExecutor(app, executorClient,
		mqttproto.JSONCodec[addRequest]{}, mqttproto.JSONCodec[addResponse]{}, "math/sub-multi",
		func(_ context.Context, req *mqttproto.CommandRequest[addRequest]) (*mqttproto.CommandResponse[addResponse], error) {
			return mqttproto.Respond(addResponse{Sum: req.Payload.A - req.Payload.B})
		},
	)
	require.NoError(t, err)
	defer subExecutor.Close()
	require.NoError(t, subExecutor.Start(ctx))

	invoker, err := mqttproto.NewCommandInvoker[addRequest, addResponse](app, invokerClient,
		mqttproto.JSONCodec[addRequest]{}, mqttproto.JSONCodec[addResponse]{}, "math/add-multi",
	)
	require.NoError(t, err)
	defer invoker.Close()
	require.NoError(t, invoker.Start(ctx))

	res, err := invoker.Invoke(ctx, addRequest{A: 4, B: 5}, mqttproto.WithTimeout(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, 9, res.Payload.Sum)
}

var errHandlerFailed = &testError{"handler failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
