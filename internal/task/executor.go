package task

import (
	"context"
	"errors"
	"sync"
)

// Callbacks receive streaming progress from a running executor. Either
// field may be nil when the caller does not care about that stream.
// Executors must tolerate nil callbacks.
type Callbacks struct {
	// OnOutput is invoked for each chunk of streamed output.
	OnOutput func(chunk string)

	// OnProgress is invoked with a 0-100 completion percentage.
	OnProgress func(pct int)
}

// Output invokes OnOutput if set.
func (c Callbacks) Output(chunk string) {
	if c.OnOutput != nil {
		c.OnOutput(chunk)
	}
}

// Progress invokes OnProgress if set.
func (c Callbacks) Progress(pct int) {
	if c.OnProgress != nil {
		c.OnProgress(pct)
	}
}

// Outcome is the single terminal signal of an execution. Result and Err
// are mutually exclusive.
type Outcome struct {
	Result any
	Err    error
}

// Handle refers to one in-flight execution.
type Handle interface {
	// Done returns a channel that receives exactly one Outcome when the
	// execution settles.
	Done() <-chan Outcome

	// Cancel requests best-effort cooperative termination. After Cancel
	// no further callback invocations are guaranteed and the execution
	// must eventually settle.
	Cancel()
}

// Executor is the contract every runnable unit of work must satisfy.
// Implementations are supplied by callers; the scheduler never inspects
// their internals.
type Executor interface {
	// Start begins the underlying work and returns immediately with a
	// handle. The real work runs asynchronously and reports via cb,
	// eventually settling the handle. Start must not block.
	Start(ctx context.Context, cb Callbacks) (Handle, error)
}

// Promise is a Handle implementation for executors that settle exactly
// once from a background goroutine.
type Promise struct {
	done     chan Outcome
	onCancel func()
	once     sync.Once
}

// NewPromise creates an unsettled Promise. onCancel, if non-nil, is
// invoked once when Cancel is called before the promise settles.
func NewPromise(onCancel func()) *Promise {
	return &Promise{
		done:     make(chan Outcome, 1),
		onCancel: onCancel,
	}
}

// Done returns the settlement channel.
func (p *Promise) Done() <-chan Outcome { return p.done }

// Cancel requests cooperative termination of the underlying work.
func (p *Promise) Cancel() {
	if p.onCancel != nil {
		p.onCancel()
	}
}

// Settle resolves the promise. Only the first call has any effect;
// it reports whether this call won.
func (p *Promise) Settle(result any, err error) bool {
	won := false
	p.once.Do(func() {
		won = true
		p.done <- Outcome{Result: result, Err: err}
	})
	return won
}

// transientError marks a failure as retry-eligible.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err to mark it retry-eligible (a network blip, a
// rate-limit response). Unwrapped errors are treated as permanent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retry-eligible anywhere in
// its chain.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
