// Package device defines the abstract capability set every concrete VPW
// transport must implement, plus the tool-present heartbeat and a scripted
// mock used as the primary unit-test substrate.
package device

import (
	"context"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/frame"
)

// Speed selects the VPW bus signaling rate.
type Speed int

const (
	SpeedStandard Speed = iota // 10.4 kbit/s
	SpeedFourX                // 41.6 kbit/s
)

// TimeoutScenario names a class of operation whose receive timeout a
// concrete device maps to a duration. The abstract core only names
// scenarios; devices supply the values.
type TimeoutScenario int

const (
	TimeoutMinimum TimeoutScenario = iota
	TimeoutReadProperty
	TimeoutReadMemoryBlock
	TimeoutSendKernel
	TimeoutReadCrc
)

// Capabilities describes what a concrete device can do.
type Capabilities struct {
	MaxSendSize             int
	MaxReceiveSize          int
	MaxFlashWriteSendSize   int
	MaxKernelSendSize       int
	Supports4X              bool
	SupportsSingleDPIDLog   bool
	SupportsStreamLogging   bool
	Enable4XReadWrite       bool
	CurrentTimeoutScenario  TimeoutScenario
}

// Clock is injected wherever the core depends on wall time, so tests can
// control it deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall-clock Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Port is the abstract byte-transport to a VPW interface that every
// concrete device (pass-through interface, ELM-class scan tool, mock) must
// implement. The core depends only on this operation set — never on a
// concrete device's type: device polymorphism is a capability set, not a
// class hierarchy.
type Port interface {
	// Initialize opens the underlying transport, sets protocol to
	// J1850VPW at 10.4 kbit/s, installs a frame filter for the PCM's
	// module id, and reads battery voltage for diagnostics.
	Initialize(ctx context.Context) error

	// Send blocks until the frame is written or the device's configured
	// write timeout elapses.
	Send(ctx context.Context, data []byte) error

	// Receive reads one frame from the internal bounded queue. ok is
	// false when no frame arrived within the current read timeout; this
	// is not an error.
	Receive(ctx context.Context) (f frame.Frame, ok bool, err error)

	// SetTimeout changes the read-timeout scenario and returns the
	// previous one.
	SetTimeout(scenario TimeoutScenario) (previous TimeoutScenario, err error)

	// SetSpeed reconfigures the transport for standard or 4x VPW
	// signaling; concrete devices disconnect and reconnect the protocol
	// channel as needed.
	SetSpeed(ctx context.Context, speed Speed) error

	// ClearMessageQueue discards any frames buffered in the receive queue.
	ClearMessageQueue()

	// ClearMessageBuffer wipes both receive and transmit buffers on the
	// hardware itself.
	ClearMessageBuffer(ctx context.Context) error

	// ReadVoltage returns the bus/battery voltage, for diagnostics.
	ReadVoltage(ctx context.Context) (float64, error)

	// Capabilities returns the device's static capability set.
	Capabilities() Capabilities

	// Close disposes the device. After Close, no further I/O is valid.
	Close() error

	// String renders a short human-readable device description.
	String() string
}
