// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package retry implements the reconnect backoff policy the session client
// uses between connection attempts.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nimbusedge/mqttproto/internal/wallclock"
)

type (
	// Task is a single operation to retry.
	Task struct {
		Name string
		Exec func(context.Context) error
		Cond func(error) bool
	}

	// Policy decides how long to wait between retries of a Task.
	Policy interface {
		Start(ctx context.Context, log func(msg string, args ...any), task Task) error
	}

	// ExponentialBackoff retries with exponential backoff and jitter,
	// clamped to a maximum interval.
	ExponentialBackoff struct {
		MaxRetries  *int
		MaxInterval time.Duration
		Timeout     time.Duration
		NoJitter    bool
	}
)

const (
	// Retries start at 2^(minExponent+0) = 128ms and cross one second on the
	// fourth retry.
	minExponent        = 7
	maxExponent        = 32
	defaultMaxInterval = 30 * time.Second
)

// Start runs task, retrying per the policy until it succeeds, Cond rejects a
// retry, MaxRetries is exhausted, or ctx/Timeout expires.
func (e *ExponentialBackoff) Start(ctx context.Context, log func(msg string, args ...any), task Task) error {
	retryCtx := ctx
	if e.Timeout != 0 {
		var cancel context.CancelFunc
		retryCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	for try := 0; ; try++ {
		log(fmt.Sprintf("retry: executing %s on attempt %d", task.Name, try+1))
		err := task.Exec(retryCtx)
		if err == nil {
			e.status(log, task.Name, try, nil)
			return nil
		}

		interval := e.shouldRetry(retryCtx, try, task.Cond(err))
		if interval == 0 {
			e.status(log, task.Name, try, err)
			return err
		}

		select {
		case <-wallclock.Instance.After(interval):
		case <-retryCtx.Done():
			e.status(log, task.Name, try, retryCtx.Err())
			return retryCtx.Err()
		}
	}
}

func (e *ExponentialBackoff) shouldRetry(ctx context.Context, retries int, cond bool) time.Duration {
	if e.MaxRetries != nil && (*e.MaxRetries <= 0 || retries >= *e.MaxRetries-1 || !cond || ctx.Err() != nil) {
		return 0
	}
	if e.MaxRetries == nil && (!cond || ctx.Err() != nil) {
		return 0
	}

	exp := retries + minExponent
	if exp > maxExponent {
		exp = maxExponent
	}

	maxInterval := e.MaxInterval
	if maxInterval == 0 {
		maxInterval = defaultMaxInterval
	}

	expIntervalMs := math.Pow(2.0, float64(exp))
	clampedMs := math.Min(expIntervalMs, float64(maxInterval.Milliseconds()))

	if e.NoJitter {
		return time.Duration(clampedMs) * time.Millisecond
	}
	return e.jitter(clampedMs)
}

func (*ExponentialBackoff) status(log func(msg string, args ...any), task string, try int, err error) {
	if err != nil {
		log(fmt.Sprintf("retry: %s failed after %d attempt(s): %v", task, try+1, err))
	} else {
		log(fmt.Sprintf("retry: %s succeeded after %d attempt(s)", task, try+1))
	}
}

// jitter scales base by a random factor between 95% and 105%.
func (*ExponentialBackoff) jitter(base float64) time.Duration {
	r := rand.New(rand.NewSource(wallclock.Instance.Now().UnixNano()))
	percent := r.Intn(11) + 95
	return time.Duration(base*float64(percent)/100.0) * time.Millisecond
}
