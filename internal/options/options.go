// Package options implements the functional-options iterator shared by every
// Apply method in the module (ApplicationOptions, CommandInvokerOptions,
// SessionOptions, ...): each option type is a tiny value implementing one
// unexported interface method per target options struct.
package options

import "iter"

// Apply yields every option in opts/rest that implements T, in order. Used
// as: `for opt := range options.Apply[fooOption](opts) { opt.foo(o) }`.
func Apply[T, O any](opts []O, rest ...O) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, opt := range opts {
			if op, ok := any(opt).(T); ok && any(op) != nil && !yield(op) {
				return
			}
		}
		for _, opt := range rest {
			if op, ok := any(opt).(T); ok && any(op) != nil && !yield(op) {
				return
			}
		}
	}
}
