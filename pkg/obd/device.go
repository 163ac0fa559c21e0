package obd

import "github.com/patrickmcquay/PcmHacks/internal/device"

// Port is the abstract transport every concrete device (serial, USB, or a
// caller-supplied implementation) must satisfy to back a Vehicle.
type Port = device.Port

// Speed selects the VPW bus signaling rate.
type Speed = device.Speed

const (
	SpeedStandard = device.SpeedStandard
	SpeedFourX    = device.SpeedFourX
)

// Capabilities describes what a concrete device can do.
type Capabilities = device.Capabilities

// Clock is injected wherever timing needs to be controlled deterministically.
type Clock = device.Clock

// NewSerialDevice opens a VPW interface over a serial port.
func NewSerialDevice(portName string, baud int) (*device.SerialDevice, error) {
	return device.NewSerialDevice(portName, baud)
}

// NewUSBDevice opens a direct-USB VPW pass-through interface.
func NewUSBDevice(vendorID, productID uint16) (*device.USBDevice, error) {
	return device.NewUSBDevice(vendorID, productID)
}
