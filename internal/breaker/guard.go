package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind classifies how a guarded call ended.
type Kind int

const (
	// Success means the operation ran and succeeded.
	Success Kind = iota
	// Fallback means the fallback produced the value, either because the
	// circuit rejected the call or because the operation failed.
	Fallback
	// OpenCircuit means the circuit rejected the call and no fallback was given.
	OpenCircuit
	// Failed means the operation failed and the fallback (if any) failed too.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Fallback:
		return "fallback"
	case OpenCircuit:
		return "open_circuit"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of a guarded call.
type Outcome[T any] struct {
	Value T
	Kind  Kind
	// Err is the terminal error for OpenCircuit (an *OpenError) and Failed.
	Err error
	// Cause is the primary failure that sent a Fallback outcome to the
	// fallback: an *OpenError when rejected, else the operation's error.
	Cause error
	// RetryAfter is set whenever the circuit rejected the call.
	RetryAfter time.Duration
}

// Unwrap converts the outcome to the (value, error) convention.
func (o Outcome[T]) Unwrap() (T, error) {
	switch o.Kind {
	case Success, Fallback:
		return o.Value, nil
	default:
		var zero T
		return zero, o.Err
	}
}

// Guard runs op under the circuit for name. A rejected or failed op runs
// fallback when one is given. Every admitted op is recorded, including ones
// ended by ctx cancellation or deadline.
func Guard[T any](ctx context.Context, b *Breaker, name string, op, fallback func(context.Context) (T, error)) Outcome[T] {
	t, err := b.admit(name)
	if err != nil {
		var openErr *OpenError
		errors.As(err, &openErr)
		if fallback == nil {
			return Outcome[T]{Kind: OpenCircuit, Err: err, RetryAfter: openErr.RetryAfter}
		}
		out := runFallback(ctx, fallback, err)
		out.RetryAfter = openErr.RetryAfter
		return out
	}

	v, err := op(ctx)
	b.record(t, err)
	if err == nil {
		return Outcome[T]{Value: v, Kind: Success}
	}
	if fallback == nil {
		return Outcome[T]{Kind: Failed, Err: err}
	}
	return runFallback(ctx, fallback, err)
}

func runFallback[T any](ctx context.Context, fallback func(context.Context) (T, error), cause error) Outcome[T] {
	v, err := fallback(ctx)
	if err != nil {
		return Outcome[T]{Kind: Failed, Err: errors.Join(cause, err), Cause: cause}
	}
	return Outcome[T]{Value: v, Kind: Fallback, Cause: cause}
}

// Call is an admitted call whose outcome is reported later, for operations
// such as streams that outlive the function that started them.
type Call struct {
	b    *Breaker
	t    ticket
	once sync.Once
}

// Acquire admits one call to name or returns an *OpenError. The caller must
// report the outcome with Done exactly once; later calls are ignored.
func (b *Breaker) Acquire(name string) (*Call, error) {
	t, err := b.admit(name)
	if err != nil {
		return nil, err
	}
	return &Call{b: b, t: t}, nil
}

// Done records the outcome of the call.
func (c *Call) Done(err error) {
	c.once.Do(func() { c.b.record(c.t, err) })
}
