// Package vehicle composes the frame, protocol, device, and query layers
// into the high-level operations against a PCM: property reads, security
// unlock, kernel upload/execution, bulk memory read, and VPW speed
// negotiation. It is deliberately one coherent package rather than split
// across many files with shared mutable state.
package vehicle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/keyalgo"
	"github.com/patrickmcquay/PcmHacks/internal/obderr"
	"github.com/patrickmcquay/PcmHacks/internal/protocol"
	"github.com/patrickmcquay/PcmHacks/internal/query"
	"github.com/patrickmcquay/PcmHacks/pkg/obd/status"
)

// CancelToken is a simple bool-like cancellation signal, settable by a host
// (e.g. a UI cancel button) and read by the core between retries and
// round-trips.
type CancelToken struct {
	flag atomic.Bool
}

// Cancel requests cancellation. Safe to call from any goroutine.
func (c *CancelToken) Cancel() { c.flag.Store(true) }

// Cancelled implements query.Canceller.
func (c *CancelToken) Cancelled() bool { return c.flag.Load() }

// Vehicle owns a device port and composes the core's operations over it.
// The Vehicle API serializes access implicitly: callers must not invoke two
// operations concurrently on the same Vehicle.
type Vehicle struct {
	port     device.Port
	notifier *device.ToolPresentNotifier
	clock    device.Clock
	keys     *keyalgo.Registry
	observer status.Observer
	cancel   *CancelToken
	sessionID string

	disposed bool
}

// New constructs a Vehicle over an already-Initialize-d device port. keys
// may be nil if UnlockEcu will never be called; observer may be nil to use
// status.Null.
func New(port device.Port, keys *keyalgo.Registry, observer status.Observer, clock device.Clock, sessionID string) *Vehicle {
	if observer == nil {
		observer = status.Null{}
	}
	if clock == nil {
		clock = device.SystemClock{}
	}
	cancel := &CancelToken{}
	return &Vehicle{
		port:      port,
		notifier:  device.NewToolPresentNotifier(port, clock),
		clock:     clock,
		keys:      keys,
		observer:  observer,
		cancel:    cancel,
		sessionID: sessionID,
	}
}

// Cancel returns the Vehicle's cancellation token so a host can request
// an in-flight operation stop.
func (v *Vehicle) Cancel() *CancelToken { return v.cancel }

// engine returns a query.Engine instrumented under the given operation
// label, so its Prometheus histogram and retry counter can be broken down
// by what the Vehicle is actually doing.
func (v *Vehicle) engine(op string) *query.Engine {
	e := query.New(v.port, v.cancel, v.notifier)
	e.Metrics = promMetrics{operation: op}
	return e
}

func (v *Vehicle) setTimeout(scenario device.TimeoutScenario) (device.TimeoutScenario, error) {
	return v.port.SetTimeout(scenario)
}

// Dispose tears down the underlying device. After Dispose, no further I/O
// on this Vehicle is valid.
func (v *Vehicle) Dispose() error {
	if v.disposed {
		return nil
	}
	v.disposed = true
	return v.port.Close()
}

// Cleanup exits the running kernel (at 4x first if supported, then 1x) and
// clears DTCs twice, 250ms apart, because other modules compete for the
// bus. Every long operation's caller must invoke Cleanup even on
// cancellation or failure.
func (v *Vehicle) Cleanup(ctx context.Context) error {
	caps := v.port.Capabilities()

	if caps.Supports4X {
		_ = query.SendOnly(ctx, v.port, protocol.BuildExitKernel())
		if err := v.port.SetSpeed(ctx, device.SpeedStandard); err != nil {
			v.observer.AddDebugMessage("cleanup: failed to drop back to standard speed: " + err.Error())
		}
	}
	_ = query.SendOnly(ctx, v.port, protocol.BuildExitKernel())

	clear := protocol.BuildClearDTCs()
	_ = query.SendOnly(ctx, v.port, clear)
	v.sleep(ctx, 250*time.Millisecond)
	_ = query.SendOnly(ctx, v.port, clear)

	return nil
}

func (v *Vehicle) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// RequestHighSpeedPermission broadcasts the 4x-permission query and
// gathers responses until the bus goes quiet. It returns the set of module
// ids that granted permission and true only if every responding module
// granted.
func (v *Vehicle) RequestHighSpeedPermission(ctx context.Context) (moduleIDs []byte, allGranted bool, err error) {
	if _, err := v.setTimeout(device.TimeoutMinimum); err != nil {
		return nil, false, obderr.Wrap(obderr.Error, "setting timeout", err)
	}
	v.port.ClearMessageQueue()

	if err := v.port.Send(ctx, protocol.BuildHighSpeedPermissionRequest()); err != nil {
		return nil, false, obderr.Wrap(obderr.Error, "sending high speed permission request", err)
	}

	allGranted = true
	for {
		if v.cancel.Cancelled() {
			return nil, false, obderr.New(obderr.Cancelled, "high speed permission cancelled")
		}
		f, ok, err := v.port.Receive(ctx)
		if err != nil {
			return nil, false, obderr.Wrap(obderr.Error, "receiving high speed permission response", err)
		}
		if !ok {
			break // bus went quiet: no more modules to hear from
		}
		moduleID, granted, perr := protocol.ParseHighSpeedPermissionResponse(f)
		if perr != nil {
			continue // unrelated bus traffic
		}
		moduleIDs = append(moduleIDs, moduleID)
		if !granted {
			allGranted = false
		}
	}
	return moduleIDs, allGranted, nil
}

// SetVpw4x runs the full 1x -> 4x negotiation: permission phase, begin
// broadcast, a short refusal-watching window, then the device speed
// switch. If any module refuses, begin_high_speed is never sent and the
// device remains in standard-speed mode.
func (v *Vehicle) SetVpw4x(ctx context.Context) error {
	_, allGranted, err := v.RequestHighSpeedPermission(ctx)
	if err != nil {
		return err
	}
	if !allGranted {
		v.observer.AddUserMessage("a module on the bus refused the high speed request")
		return obderr.New(obderr.Error, "high speed permission refused")
	}

	if err := v.port.Send(ctx, protocol.BuildBeginHighSpeed()); err != nil {
		return obderr.Wrap(obderr.Error, "sending begin high speed", err)
	}

	// Short window watching for a late refusal before committing the host
	// side to 4x signaling.
	watchDeadline := v.clock.Now().Add(50 * time.Millisecond)
	for v.clock.Now().Before(watchDeadline) {
		f, ok, err := v.port.Receive(ctx)
		if err != nil {
			return obderr.Wrap(obderr.Error, "watching for late high speed refusal", err)
		}
		if !ok {
			break
		}
		if _, granted, perr := protocol.ParseHighSpeedPermissionResponse(f); perr == nil && !granted {
			return obderr.New(obderr.Error, "module refused high speed after begin broadcast")
		}
	}

	if err := v.port.SetSpeed(ctx, device.SpeedFourX); err != nil {
		return obderr.Wrap(obderr.Error, "switching device to 4x", err)
	}
	return v.notifier.ForceNotify(ctx)
}
