// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttproto

import (
	"log/slog"
	"time"

	"github.com/nimbusedge/mqttproto/hlc"
	"github.com/nimbusedge/mqttproto/internal/options"
)

type (
	// Application holds the state shared across every invoker, executor,
	// sender, and receiver built on top of a single session: the HLC and the
	// root logger. Exactly one should be created per process.
	Application struct {
		hlc *hlc.Clock
		log *slog.Logger
	}

	// ApplicationOption configures an Application.
	ApplicationOption interface{ application(*ApplicationOptions) }

	// ApplicationOptions are the resolved Application options.
	ApplicationOptions struct {
		MaxClockDrift time.Duration
		Logger        *slog.Logger
	}

	// WithMaxClockDrift bounds how far an incoming HLC timestamp may lead the
	// wall clock before it is rejected as invalid.
	WithMaxClockDrift time.Duration
)

// NewApplication creates shared application state.
func NewApplication(opt ...ApplicationOption) (*Application, error) {
	var opts ApplicationOptions
	opts.Apply(opt)

	drift := opts.MaxClockDrift
	if drift <= 0 {
		drift = hlc.DefaultMaxClockDrift
	}

	return &Application{
		hlc: hlc.NewClock(drift),
		log: opts.Logger,
	}, nil
}

// GetHLC syncs the application's HLC to the current wall-clock time and
// returns the resulting timestamp.
func (a *Application) GetHLC() (hlc.Timestamp, error) {
	return a.hlc.Now()
}

// SetHLC merges an externally observed timestamp into the application's HLC.
func (a *Application) SetHLC(ts hlc.Timestamp) error {
	_, err := a.hlc.Update(ts)
	return err
}

// Apply resolves the provided options.
func (o *ApplicationOptions) Apply(opts []ApplicationOption, rest ...ApplicationOption) {
	for opt := range options.Apply[ApplicationOption](opts, rest...) {
		opt.application(o)
	}
}

func (o *ApplicationOptions) application(opt *ApplicationOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithMaxClockDrift) application(opt *ApplicationOptions) {
	opt.MaxClockDrift = time.Duration(o)
}

func (WithMaxClockDrift) option() {}
