package device

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/frame"
)

// MockDevice is a scripted Port: it answers Receive from a pre-loaded,
// first-in-first-out queue of canned frames and records every frame sent
// to it. It is the primary unit-test substrate for this package's
// consumers.
type MockDevice struct {
	mu sync.Mutex

	queue []frame.Frame
	sent  [][]byte

	caps        Capabilities
	timeout     TimeoutScenario
	speed       Speed
	voltage     float64
	closed      bool
	initialized bool

	// SendHook, if set, is called synchronously from Send before the
	// frame is recorded; it lets a test fail a specific send or react to
	// it (e.g. enqueue a canned response only after seeing a particular
	// request).
	SendHook func(data []byte) error
}

// NewMockDevice returns a MockDevice with reasonable default capabilities.
func NewMockDevice() *MockDevice {
	return &MockDevice{
		caps: Capabilities{
			MaxSendSize:           4096,
			MaxReceiveSize:        4096,
			MaxFlashWriteSendSize: 4096,
			MaxKernelSendSize:     4096,
			Supports4X:            true,
			Enable4XReadWrite:     true,
		},
		voltage: 13.8,
	}
}

// Enqueue appends frames to the receive queue, preserving order.
func (m *MockDevice) Enqueue(frames ...frame.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, frames...)
}

// EnqueueBytes is a convenience wrapper around Enqueue for raw byte frames.
func (m *MockDevice) EnqueueBytes(ts time.Time, data ...[]byte) {
	for _, d := range data {
		f := frame.NewUnchecked(d, ts)
		m.Enqueue(f)
	}
}

// SentFrames returns every frame handed to Send, in order.
func (m *MockDevice) SentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// QueueLen reports how many frames remain unread in the receive queue.
func (m *MockDevice) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *MockDevice) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

func (m *MockDevice) Send(ctx context.Context, data []byte) error {
	if m.SendHook != nil {
		if err := m.SendHook(data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.sent = append(m.sent, buf)
	return nil
}

func (m *MockDevice) Receive(ctx context.Context) (frame.Frame, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return frame.Frame{}, false, nil
	}
	f := m.queue[0]
	m.queue = m.queue[1:]
	return f, true, nil
}

func (m *MockDevice) SetTimeout(scenario TimeoutScenario) (TimeoutScenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.timeout
	m.timeout = scenario
	m.caps.CurrentTimeoutScenario = scenario
	return previous, nil
}

func (m *MockDevice) SetSpeed(ctx context.Context, speed Speed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speed = speed
	return nil
}

func (m *MockDevice) Speed() Speed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speed
}

func (m *MockDevice) ClearMessageQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
}

func (m *MockDevice) ClearMessageBuffer(ctx context.Context) error {
	m.ClearMessageQueue()
	return nil
}

func (m *MockDevice) ReadVoltage(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voltage, nil
}

func (m *MockDevice) Capabilities() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

func (m *MockDevice) SetCapabilities(caps Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
}

func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockDevice) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockDevice) String() string { return "mock device" }

var _ Port = (*MockDevice)(nil)
