// Package obd is the public facade over internal/vehicle: construct a
// Vehicle from a device.Port and a key-algorithm registry, then drive
// property reads, security unlock, and kernel flash operations through it.
package obd

import (
	"context"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/keyalgo"
	"github.com/patrickmcquay/PcmHacks/internal/pcminfo"
	"github.com/patrickmcquay/PcmHacks/internal/vehicle"
	"github.com/patrickmcquay/PcmHacks/pkg/obd/status"
)

// Vehicle is the public entry point for a PCM session.
type Vehicle struct {
	inner *vehicle.Vehicle
}

// NewVehicle constructs a Vehicle over an already-Initialize-d device port.
// keys may be nil if UnlockEcu will never be called; observer may be nil.
func NewVehicle(port device.Port, keys *keyalgo.Registry, observer status.Observer, clock device.Clock, sessionID string) *Vehicle {
	return &Vehicle{inner: vehicle.New(port, keys, observer, clock, sessionID)}
}

// Cancel requests the in-flight operation stop at its next check point.
func (v *Vehicle) Cancel() { v.inner.Cancel().Cancel() }

// Dispose tears down the underlying device.
func (v *Vehicle) Dispose() error { return v.inner.Dispose() }

func (v *Vehicle) QueryVin(ctx context.Context) (string, error) { return v.inner.QueryVin(ctx) }

func (v *Vehicle) QuerySerial(ctx context.Context) (string, error) { return v.inner.QuerySerial(ctx) }

func (v *Vehicle) QueryBCC(ctx context.Context) ([]byte, error) { return v.inner.QueryBCC(ctx) }

func (v *Vehicle) QueryMEC(ctx context.Context) (byte, error) { return v.inner.QueryMEC(ctx) }

func (v *Vehicle) QueryHardwareID(ctx context.Context) (uint32, error) {
	return v.inner.QueryHardwareID(ctx)
}

func (v *Vehicle) QueryOsID(ctx context.Context) (uint32, error) { return v.inner.QueryOsID(ctx) }

func (v *Vehicle) QueryCalibrationID(ctx context.Context) (uint32, error) {
	return v.inner.QueryCalibrationID(ctx)
}

// UnlockEcu runs the seed/key security-access handshake using the key
// algorithm registered under algorithmID.
func (v *Vehicle) UnlockEcu(ctx context.Context, algorithmID int) (bool, error) {
	return v.inner.UnlockEcu(ctx, algorithmID)
}

// SetVpw4x negotiates the bus up to 4x VPW signaling.
func (v *Vehicle) SetVpw4x(ctx context.Context) error { return v.inner.SetVpw4x(ctx) }

// ReadImage uploads loader/kernel and reads back the full flash image,
// verified by CRC32 where the variant supports it.
func (v *Vehicle) ReadImage(ctx context.Context, info pcminfo.Info, loader, kernel []byte, useHighSpeed bool) ([]byte, error) {
	return v.inner.ReadImage(ctx, info, loader, kernel, useHighSpeed)
}

// Cleanup exits the running kernel and clears DTCs. Safe to call even if
// no kernel is running.
func (v *Vehicle) Cleanup(ctx context.Context) error { return v.inner.Cleanup(ctx) }
