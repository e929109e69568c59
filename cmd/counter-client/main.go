// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Command counter-client drives the counter RPC service from the
// counter-server command and prints its telemetry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

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

func main() {
	log := slog.New(tint.NewHandler(os.Stdout, nil))
	ctx := context.Background()

	app := must(mqttproto.NewApplication(mqttproto.WithLogger(log)))
	client := must(session.NewFromEnv(session.WithLogger(log)))
	must0(client.Start(ctx))

	reader := must(mqttproto.NewCommandInvoker[any, counterResponse](
		app, client, mqttproto.EmptyCodec{}, mqttproto.JSONCodec[counterResponse]{}, readTopic,
	))
	defer reader.Close()
	must0(reader.Start(ctx))

	incrementer := must(mqttproto.NewCommandInvoker[incrementRequest, counterResponse](
		app, client, mqttproto.JSONCodec[incrementRequest]{}, mqttproto.JSONCodec[counterResponse]{}, incrementTopic,
	))
	defer incrementer.Close()
	must0(incrementer.Start(ctx))

	resetter := must(mqttproto.NewCommandInvoker[any, any](
		app, client, mqttproto.EmptyCodec{}, mqttproto.EmptyCodec{}, resetTopic,
	))
	defer resetter.Close()
	must0(resetter.Start(ctx))

	telemetry := must(mqttproto.NewTelemetryReceiver[counterTelemetry](
		app, client, mqttproto.JSONCodec[counterTelemetry]{}, telemetryTopic,
		func(_ context.Context, msg *mqttproto.TelemetryMessage[counterTelemetry]) error {
			log.Info("telemetry", "counter_value", msg.Payload.CounterValue)
			return nil
		},
	))
	defer telemetry.Close()
	must0(telemetry.Start(ctx))

	res := must(reader.Invoke(ctx, nil))
	log.Info("read", "counter_value", res.Payload.CounterValue)

	for range 3 {
		res := must(incrementer.Invoke(ctx, incrementRequest{IncrementValue: 1}))
		log.Info("increment", "counter_value", res.Payload.CounterValue)
	}

	must(resetter.Invoke(ctx, nil))
	log.Info("reset complete")

	fmt.Println("Press enter to quit.")
	must(fmt.Scanln())
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
