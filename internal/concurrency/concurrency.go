// Package concurrency provides the bounded-fan-out dispatcher shared by the
// command executor and telemetry receiver.
package concurrency

import "context"

// Dispatch returns a function that hands values off to handler with at most
// concurrency of them running at once, plus a cleanup function to call once
// no more values will be sent. Concurrency 0 dispatches one at a time,
// back-pressuring the caller through the unbuffered queue.
func Dispatch[T any](concurrency uint, handler func(context.Context, T)) (func(context.Context, T), func()) {
	type args struct {
		ctx context.Context
		val T
	}

	if concurrency == 0 {
		concurrency = 1
	}

	queue := make(chan args)
	for i := uint(0); i < concurrency; i++ {
		go func() {
			for a := range queue {
				handler(a.ctx, a.val)
			}
		}()
	}

	return func(ctx context.Context, val T) {
		select {
		case queue <- args{ctx, val}:
		case <-ctx.Done():
		}
	}, func() { close(queue) }
}
