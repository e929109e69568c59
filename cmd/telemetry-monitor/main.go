// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Command telemetry-monitor subscribes to environment telemetry emitted by
// telemetry-sensor and logs the CloudEvents 1.0 metadata carried alongside
// each reading.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"

	mqttproto "github.com/nimbusedge/mqttproto"
	"github.com/nimbusedge/mqttproto/iso"
	"github.com/nimbusedge/mqttproto/session"
)

const environmentTopic = "sensors/environment"

type environmentReading struct {
	ExternalTemperature float64  `json:"externalTemperature"`
	InternalTemperature float64  `json:"internalTemperature"`
	ObservedAt          iso.Time `json:"observedAt"`
}

func main() {
	log := slog.New(tint.NewHandler(os.Stdout, nil))
	ctx := context.Background()

	app := must(mqttproto.NewApplication(mqttproto.WithLogger(log)))
	client := must(session.NewFromEnv(session.WithLogger(log)))
	must0(client.Start(ctx))

	receiver := must(mqttproto.NewTelemetryReceiver[environmentReading](
		app, client, mqttproto.JSONCodec[environmentReading]{}, environmentTopic,
		func(ctx context.Context, msg *mqttproto.TelemetryMessage[environmentReading]) error {
			log.Info("reading received",
				"external", msg.Payload.ExternalTemperature,
				"internal", msg.Payload.InternalTemperature,
				"observed_at", msg.Payload.ObservedAt.String(),
			)

			ce, err := mqttproto.CloudEventFromTelemetry(msg)
			if err == nil {
				log.LogAttrs(ctx, slog.LevelInfo, "cloud event", ce.Attrs()...)
			} else {
				log.Warn("no cloud event metadata", "error", err)
			}
			return nil
		},
	))
	defer receiver.Close()
	must0(receiver.Start(ctx))

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
