// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Command telemetry-sensor periodically publishes environment telemetry
// wrapped in CloudEvents 1.0 metadata, demonstrating TelemetrySender's
// CloudEvent integration.
package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

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
	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := must(mqttproto.NewApplication(mqttproto.WithLogger(log)))
	client := must(session.NewFromEnv(session.WithLogger(log)))
	must0(client.Start(ctx))

	sender := must(mqttproto.NewTelemetrySender[environmentReading](
		app, client, mqttproto.JSONCodec[environmentReading]{}, environmentTopic,
		mqttproto.WithLogger(log),
	))

	source := must(url.Parse("aio://telemetry-sensor/environment"))
	ce := &mqttproto.CloudEvent{Source: source}

	var counter int
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		reading := environmentReading{
			ExternalTemperature: 20 + float64(counter%5),
			InternalTemperature: 22 + float64(counter%3),
			ObservedAt:          iso.Time(time.Now()),
		}
		if err := sender.Send(ctx, reading, mqttproto.WithCloudEvent(ce)); err != nil {
			log.Error("failed to send reading", "error", err)
		} else {
			log.Info("reading sent", "count", counter)
		}
		counter++

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
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
