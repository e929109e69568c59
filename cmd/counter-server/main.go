// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Command counter-server implements a trivial counter RPC service,
// demonstrating CommandExecutor and TelemetrySender end to end.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/lmittmann/tint"

	mqttproto "github.com/nimbusedge/mqttproto"
	"github.com/nimbusedge/mqttproto/session"
)

const (
	readTopic      = "counter/read"
	incrementTopic = "counter/increment"
	resetTopic     = "counter/reset"
	telemetryTopic = "counter/telemetry"
)

type (
	incrementRequest struct {
		IncrementValue int32 `json:"incrementValue"`
	}
	counterResponse struct {
		CounterValue int32 `json:"counterValue"`
	}
	counterTelemetry struct {
		CounterValue int32 `json:"counterValue"`
	}
)

type server struct {
	value    int32
	reader   *mqttproto.CommandExecutor[any, counterResponse]
	executor *mqttproto.CommandExecutor[incrementRequest, counterResponse]
	resetter *mqttproto.CommandExecutor[any, any]
	sender   *mqttproto.TelemetrySender[counterTelemetry]
}

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug})))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := must(mqttproto.NewApplication(mqttproto.WithLogger(slog.Default())))

	client := must(session.NewFromEnv(session.WithLogger(slog.Default())))
	must0(client.Start(ctx))

	s := &server{}

	s.sender = must(mqttproto.NewTelemetrySender[counterTelemetry](
		app, client, mqttproto.JSONCodec[counterTelemetry]{}, telemetryTopic,
		mqttproto.WithLogger(slog.Default()),
	))

	s.reader = must(mqttproto.NewCommandExecutor[any, counterResponse](
		app, client, mqttproto.EmptyCodec{}, mqttproto.JSONCodec[counterResponse]{},
		readTopic, s.handleRead, mqttproto.WithLogger(slog.Default()),
	))
	s.executor = must(mqttproto.NewCommandExecutor[incrementRequest, counterResponse](
		app, client, mqttproto.JSONCodec[incrementRequest]{}, mqttproto.JSONCodec[counterResponse]{},
		incrementTopic, s.handleIncrement, mqttproto.WithLogger(slog.Default()),
	))
	s.resetter = must(mqttproto.NewCommandExecutor[any, any](
		app, client, mqttproto.EmptyCodec{}, mqttproto.EmptyCodec{},
		resetTopic, s.handleReset, mqttproto.WithLogger(slog.Default()),
	))
	defer s.reader.Close()
	defer s.executor.Close()
	defer s.resetter.Close()

	must0(s.reader.Start(ctx))
	must0(s.executor.Start(ctx))
	must0(s.resetter.Start(ctx))

	slog.Info("counter server ready", "client_id", client.ID())
	<-ctx.Done()
}

func (s *server) handleRead(_ context.Context, _ *mqttproto.CommandRequest[any]) (*mqttproto.CommandResponse[counterResponse], error) {
	return mqttproto.Respond(counterResponse{CounterValue: atomic.LoadInt32(&s.value)})
}

func (s *server) handleIncrement(ctx context.Context, req *mqttproto.CommandRequest[incrementRequest]) (*mqttproto.CommandResponse[counterResponse], error) {
	value := atomic.AddInt32(&s.value, req.Payload.IncrementValue)

	if err := s.sender.Send(ctx, counterTelemetry{CounterValue: value}); err != nil {
		slog.Error("failed to send telemetry", "error", err)
	}

	return mqttproto.Respond(counterResponse{CounterValue: value})
}

func (s *server) handleReset(_ context.Context, _ *mqttproto.CommandRequest[any]) (*mqttproto.CommandResponse[any], error) {
	atomic.StoreInt32(&s.value, 0)
	return mqttproto.Respond[any](nil)
}

func must0(e error) {
	if e != nil {
		panic(e)
	}
}

func must[T any](t T, e error) T {
	must0(e)
	return t
}
