// Serial pass-through transport: a VPW interface reached over a virtual
// or physical COM port, such as an ELM-class scan tool.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/patrickmcquay/PcmHacks/internal/frame"
)

const serialMaxFrameSize = 264

// SerialDevice is a Port backed by a VPW interface reached over a serial
// port.
type SerialDevice struct {
	mu sync.Mutex

	port *serial.Port
	name string
	baud int

	timeout  time.Duration
	scenario TimeoutScenario
	speed    Speed
	queue    chan frame.Frame
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewSerialDevice opens portName at baud bits/s. The caller must still
// call Initialize before using the returned Port.
func NewSerialDevice(portName string, baud int) (*SerialDevice, error) {
	opts := serial.NewOptions().SetReadTimeout(250 * time.Millisecond)
	p, err := serial.Open(portName, opts)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", portName, err)
	}

	if attrs, aerr := p.GetAttr2(); aerr == nil {
		attrs.MakeRaw()
		attrs.SetCustomSpeed(uint32(baud))
		_ = p.SetAttr2(serial.TCSANOW, attrs)
	}

	return &SerialDevice{
		port:    p,
		name:    portName,
		baud:    baud,
		timeout: 1500 * time.Millisecond,
		queue:   make(chan frame.Frame, 64),
		stop:    make(chan struct{}),
	}, nil
}

func (d *SerialDevice) Initialize(ctx context.Context) error {
	d.wg.Add(1)
	go d.readLoop()
	return nil
}

func (d *SerialDevice) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, serialMaxFrameSize)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		n, err := d.port.ReadTimeout(buf, 250*time.Millisecond)
		if err != nil || n == 0 {
			continue
		}
		f, ferr := frame.New(buf[:n], time.Now(), nil)
		if ferr != nil {
			continue
		}
		select {
		case d.queue <- f:
		default:
		}
	}
}

func (d *SerialDevice) Send(ctx context.Context, data []byte) error {
	if _, err := d.port.Write(data); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (d *SerialDevice) Receive(ctx context.Context) (frame.Frame, bool, error) {
	select {
	case f := <-d.queue:
		return f, true, nil
	case <-time.After(d.timeout):
		return frame.Frame{}, false, nil
	case <-ctx.Done():
		return frame.Frame{}, false, ctx.Err()
	}
}

func (d *SerialDevice) SetTimeout(scenario TimeoutScenario) (TimeoutScenario, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	previous := d.scenario
	d.scenario = scenario
	d.timeout = timeoutForScenario(scenario)
	return previous, nil
}

// SetSpeed changes the open line's baud rate to the 4x-equivalent rate (or
// back to the configured rate for standard speed). A real ELM-class
// interface typically exposes an AT command for this instead; where the
// interface supports one, a concrete deployment should override this
// method rather than touching termios directly.
func (d *SerialDevice) SetSpeed(ctx context.Context, speed Speed) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.baud
	if speed == SpeedFourX {
		target = d.baud * 4
	}
	if attrs, err := d.port.GetAttr2(); err == nil {
		attrs.SetCustomSpeed(uint32(target))
		_ = d.port.SetAttr2(serial.TCSANOW, attrs)
	}
	d.speed = speed
	return nil
}

func (d *SerialDevice) ClearMessageQueue() {
	for {
		select {
		case <-d.queue:
		default:
			return
		}
	}
}

func (d *SerialDevice) ClearMessageBuffer(ctx context.Context) error {
	d.ClearMessageQueue()
	return d.port.Flush(serial.TCIOFLUSH)
}

func (d *SerialDevice) ReadVoltage(ctx context.Context) (float64, error) {
	return 0, fmt.Errorf("voltage reporting not supported over a plain serial interface")
}

func (d *SerialDevice) Capabilities() Capabilities {
	return Capabilities{
		MaxSendSize:           264,
		MaxReceiveSize:        264,
		MaxFlashWriteSendSize: 192,
		MaxKernelSendSize:     192,
		Supports4X:            true,
	}
}

func (d *SerialDevice) Close() error {
	close(d.stop)
	d.wg.Wait()
	return d.port.Close()
}

func (d *SerialDevice) String() string {
	return fmt.Sprintf("serial VPW interface %s@%d", d.name, d.baud)
}

var _ Port = (*SerialDevice)(nil)
