// Package query implements the generic "send request -> await matching
// response with retries" engine. It is the single chokepoint for "this
// operation should have received a response"; every caller that needs one
// goes through it. Callers that do not need a response (e.g. exit-kernel)
// send directly via the device port.
package query

import (
	"context"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/frame"
	"github.com/patrickmcquay/PcmHacks/internal/obderr"
)

const (
	// MaxSendAttempts is the number of times a request is (re)sent before
	// giving up.
	MaxSendAttempts = 2
	// MaxReceiveIterations bounds how many frames are read per send
	// attempt, guarding against an endlessly chattering bus.
	MaxReceiveIterations = 50
	// MaxTimeouts is the number of consecutive empty reads within one
	// send attempt before moving on to the next attempt.
	MaxTimeouts = 5
)

// RequestFactory builds the request frame to send. It is called once per
// Query invocation, not once per send attempt, so the same request bytes
// go out on every retry.
type RequestFactory func() []byte

// ResponseFilter decides whether a received frame satisfies the pending
// request. It returns obderr.Refused or obderr.UnexpectedResponse for
// frames that should be ignored and the read loop continued, and any other
// error (or success) to end the wait immediately.
type ResponseFilter[T any] func(f frame.Frame) (T, error)

// Canceller reports whether the in-flight operation has been cancelled.
// A nil Canceller means the operation cannot be cancelled.
type Canceller interface {
	Cancelled() bool
}

// Notifier is the subset of ToolPresentNotifier the engine depends on.
type Notifier interface {
	ForceNotify(ctx context.Context) error
}

// Metrics is an optional instrumentation hook for the send/retry loop,
// implemented by a caller that wants to export Prometheus-style counters
// and histograms. A nil Metrics disables instrumentation.
type Metrics interface {
	ObserveRetry()
	ObserveDuration(d time.Duration)
}

// Engine runs the send/await/retry algorithm against a single Port.
type Engine struct {
	Port     device.Port
	Cancel   Canceller
	Notifier Notifier // optional; may be nil
	Metrics  Metrics  // optional; may be nil
}

// New returns an Engine. cancel and notifier may be nil.
func New(port device.Port, cancel Canceller, notifier Notifier) *Engine {
	return &Engine{Port: port, Cancel: cancel, Notifier: notifier}
}

func (e *Engine) cancelled() bool {
	return e.Cancel != nil && e.Cancel.Cancelled()
}

// Query sends the request built by buildRequest and reads frames until
// filter succeeds, fails with a reason other than Refused/UnexpectedResponse,
// or the attempt/timeout budget is exhausted (obderr.Timeout).
func Query[T any](ctx context.Context, e *Engine, buildRequest RequestFactory, filter ResponseFilter[T]) (T, error) {
	var zero T

	if e.Metrics != nil {
		start := time.Now()
		defer func() { e.Metrics.ObserveDuration(time.Since(start)) }()
	}

	e.Port.ClearMessageQueue()
	request := buildRequest()

	for attempt := 0; attempt < MaxSendAttempts; attempt++ {
		if attempt > 0 && e.Metrics != nil {
			e.Metrics.ObserveRetry()
		}
		if e.cancelled() {
			return zero, obderr.New(obderr.Cancelled, "query cancelled before send")
		}
		if err := e.Port.Send(ctx, request); err != nil {
			return zero, obderr.Wrap(obderr.Error, "sending request", err)
		}

		timeouts := 0
		for iter := 0; iter < MaxReceiveIterations; iter++ {
			if e.cancelled() {
				return zero, obderr.New(obderr.Cancelled, "query cancelled during receive")
			}

			f, ok, err := e.Port.Receive(ctx)
			if err != nil {
				return zero, obderr.Wrap(obderr.Error, "receiving frame", err)
			}
			if !ok {
				timeouts++
				if e.Notifier != nil {
					_ = e.Notifier.ForceNotify(ctx)
				}
				if timeouts >= MaxTimeouts {
					break
				}
				continue
			}

			value, ferr := filter(f)
			if ferr == nil {
				return value, nil
			}
			if obderr.Is(ferr, obderr.Refused) || obderr.Is(ferr, obderr.UnexpectedResponse) {
				continue
			}
			return zero, ferr
		}
	}

	return zero, obderr.New(obderr.Timeout, "no matching response within retry budget")
}

// SendOnly sends a fire-and-forget request with no expected response,
// for operations like exit-kernel that go directly to the device rather
// than round-tripping through the engine.
func SendOnly(ctx context.Context, port device.Port, data []byte) error {
	if err := port.Send(ctx, data); err != nil {
		return obderr.Wrap(obderr.Error, "sending fire-and-forget request", err)
	}
	return nil
}
