//go:build !mips && !mipsle

// USB pass-through transport (J2534-class interface), direct bulk
// endpoints rather than a kernel driver. Excluded on MIPS builds, since
// gousb needs cgo/libusb unavailable there.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/patrickmcquay/PcmHacks/internal/frame"
)

const (
	usbEndpointOut = 0x01
	usbEndpointIn  = 0x81

	usbMaxPacketSize = 512
)

// USBDevice is a Port backed by a direct-USB VPW pass-through interface.
type USBDevice struct {
	mu sync.Mutex

	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	vendorID, productID gousb.ID

	timeout  time.Duration
	scenario TimeoutScenario
	speed    Speed
	queue    chan frame.Frame
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewUSBDevice opens a VPW pass-through interface by USB vendor/product id.
// The caller must still call Initialize before using the returned Port.
func NewUSBDevice(vendorID, productID uint16) (*USBDevice, error) {
	ctx := gousb.NewContext()
	vid, pid := gousb.ID(vendorID), gousb.ID(productID)

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("opening USB device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("USB device not found (VID:0x%04X PID:0x%04X)", vendorID, productID)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("setting USB config: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("claiming USB interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(usbEndpointOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("opening OUT endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(usbEndpointIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("opening IN endpoint: %w", err)
	}

	return &USBDevice{
		ctx:       ctx,
		device:    dev,
		config:    cfg,
		intf:      intf,
		epOut:     epOut,
		epIn:      epIn,
		vendorID:  vid,
		productID: pid,
		timeout:   2 * time.Second,
		queue:     make(chan frame.Frame, 64),
		stop:      make(chan struct{}),
	}, nil
}

// Initialize starts the background frame reader. The physical protocol
// (J1850 VPW at 10.4 kbit/s) is assumed already configured by the
// interface's firmware; this only starts draining its IN endpoint.
func (d *USBDevice) Initialize(ctx context.Context) error {
	d.wg.Add(1)
	go d.readLoop()
	return nil
}

func (d *USBDevice) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, usbMaxPacketSize)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		readCtx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		n, err := d.epIn.ReadContext(readCtx, buf)
		cancel()
		if err != nil || n == 0 {
			continue
		}
		f, ferr := frame.New(buf[:n], time.Now(), nil)
		if ferr != nil {
			continue
		}
		select {
		case d.queue <- f:
		default: // drop on a full queue rather than block the reader
		}
	}
}

func (d *USBDevice) Send(ctx context.Context, data []byte) error {
	_, err := d.epOut.Write(data)
	if err != nil {
		return fmt.Errorf("USB write: %w", err)
	}
	return nil
}

func (d *USBDevice) Receive(ctx context.Context) (frame.Frame, bool, error) {
	select {
	case f := <-d.queue:
		return f, true, nil
	case <-time.After(d.timeout):
		return frame.Frame{}, false, nil
	case <-ctx.Done():
		return frame.Frame{}, false, ctx.Err()
	}
}

func (d *USBDevice) SetTimeout(scenario TimeoutScenario) (TimeoutScenario, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	previous := d.scenario
	d.scenario = scenario
	d.timeout = timeoutForScenario(scenario)
	return previous, nil
}

func timeoutForScenario(scenario TimeoutScenario) time.Duration {
	switch scenario {
	case TimeoutMinimum:
		return 250 * time.Millisecond
	case TimeoutReadProperty:
		return 1500 * time.Millisecond
	case TimeoutReadMemoryBlock:
		return 2500 * time.Millisecond
	case TimeoutSendKernel:
		return 2000 * time.Millisecond
	case TimeoutReadCrc:
		return 3000 * time.Millisecond
	default:
		return 1500 * time.Millisecond
	}
}

// SetSpeed is a no-op beyond bookkeeping: the J2534-class firmware behind
// this interface negotiates its own VPW clock once told which protocol
// variant to use, which this driver does not yet expose a control
// transfer for.
func (d *USBDevice) SetSpeed(ctx context.Context, speed Speed) error {
	d.mu.Lock()
	d.speed = speed
	d.mu.Unlock()
	return nil
}

func (d *USBDevice) ClearMessageQueue() {
	for {
		select {
		case <-d.queue:
		default:
			return
		}
	}
}

func (d *USBDevice) ClearMessageBuffer(ctx context.Context) error {
	d.ClearMessageQueue()
	return nil
}

// ReadVoltage is not exposed by this interface's firmware.
func (d *USBDevice) ReadVoltage(ctx context.Context) (float64, error) {
	return 0, fmt.Errorf("voltage reporting not supported by this USB interface")
}

func (d *USBDevice) Capabilities() Capabilities {
	return Capabilities{
		MaxSendSize:           4128,
		MaxReceiveSize:        4128,
		MaxFlashWriteSendSize: 4096,
		MaxKernelSendSize:     4096,
		Supports4X:            true,
	}
}

func (d *USBDevice) Close() error {
	close(d.stop)
	d.wg.Wait()
	if d.intf != nil {
		d.intf.Close()
	}
	if d.config != nil {
		d.config.Close()
	}
	if d.device != nil {
		d.device.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}

func (d *USBDevice) String() string {
	return fmt.Sprintf("USB VPW interface (VID:0x%04X PID:0x%04X)", uint16(d.vendorID), uint16(d.productID))
}

var _ Port = (*USBDevice)(nil)
