package webchan

import (
	"errors"
	"math"
	"time"
)

// Backoff is an exponential backoff schedule. The delay before retry
// attempt n (zero-based) is min(Max, Constant * Base^n).
type Backoff struct {
	Constant time.Duration
	Base     float64
	Max      time.Duration
}

// DefaultBackoff is the schedule used when RetryOptions.Backoff is the
// zero value: 100ms doubling up to 30s.
var DefaultBackoff = Backoff{
	Constant: 100 * time.Millisecond,
	Base:     2,
	Max:      30 * time.Second,
}

// Delay returns the backoff delay for the given zero-based retry count.
func (b Backoff) Delay(retries int) time.Duration {
	d := time.Duration(float64(b.Constant) * math.Pow(b.Base, float64(retries)))
	if d > b.Max || d < 0 {
		return b.Max
	}
	return d
}

func (b Backoff) normalized() Backoff {
	if b == (Backoff{}) {
		return DefaultBackoff
	}
	if b.Base < 1 {
		b.Base = 1
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	return b
}

// RetryOptions configures RetryStream.
type RetryOptions struct {
	// MaxRetries is the number of re-open attempts permitted since the
	// last ready event. Negative means unbounded. Zero means the first
	// failure is final.
	MaxRetries int
	// Backoff is the delay schedule between attempts. The zero value
	// selects DefaultBackoff.
	Backoff Backoff
	// IsRetryable decides whether a failure is worth another attempt.
	// Nil selects DefaultIsRetryable.
	IsRetryable func(error) bool
}

// DefaultIsRetryable is the default retry predicate: protocol errors
// and the invalidArgument, permissionDenied, unauthenticated, notFound,
// and unimplemented kinds are final; everything else retries.
func DefaultIsRetryable(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return false
	}
	switch KindOf(err) {
	case InvalidArgument, PermissionDenied, Unauthenticated, NotFound, Unimplemented:
		return false
	}
	return true
}

// RetryStream wraps a stream factory in a stream that transparently
// re-invokes the factory when an attempt fails, preserving the event
// grammar of a plain stream and adding retryingError events: one with
// Abandoned false before each re-open, and one with Abandoned true
// immediately before the final error when retries are exhausted or the
// failure is not retryable.
//
// The wrapper owns at most one upstream attempt at a time; Cancel is
// forwarded to the currently open attempt (or aborts the backoff
// sleep). The retry counter resets to zero on every ready.
func RetryStream(factory func() Stream, opts RetryOptions) Stream {
	isRetryable := opts.IsRetryable
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}
	backoff := opts.Backoff.normalized()

	return NewStream(func(e *Emitter) {
		retries := 0
		for {
			err, ok := runAttempt(e, factory(), &retries)
			if ok {
				return
			}

			exhausted := opts.MaxRetries >= 0 && retries >= opts.MaxRetries
			if exhausted || !isRetryable(err) {
				e.Retrying(err, retries, true)
				e.Fail(err)
				return
			}
			if !e.Retrying(err, retries, false) {
				return
			}

			timer := time.NewTimer(backoff.Delay(retries))
			select {
			case <-e.Canceling():
				timer.Stop()
				e.EmitCanceled()
				return
			case <-timer.C:
			}
			retries++
		}
	})
}

// runAttempt drives one upstream attempt to its terminal event. It
// reports (err, false) when the attempt errored and a retry decision is
// needed, and (nil, true) when the wrapper reached its own terminal.
func runAttempt(e *Emitter, attempt Stream, retries *int) (error, bool) {
	attempt.Start()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-e.Canceling():
			attempt.Cancel()
		case <-stop:
		}
	}()

	for ev := range attempt.Events() {
		switch ev.Type {
		case EventReady:
			*retries = 0
			if !e.Ready() {
				attempt.Cancel()
			}
		case EventMessage:
			if !e.Message(ev.Message) {
				attempt.Cancel()
			}
		case EventComplete:
			e.Complete()
			return nil, true
		case EventCanceled:
			e.EmitCanceled()
			return nil, true
		case EventError:
			return ev.Err, false
		}
	}
	return &ProtocolError{Message: "stream closed without a terminal event"}, false
}
