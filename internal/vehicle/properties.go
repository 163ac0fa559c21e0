package vehicle

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/frame"
	"github.com/patrickmcquay/PcmHacks/internal/obderr"
	"github.com/patrickmcquay/PcmHacks/internal/protocol"
	"github.com/patrickmcquay/PcmHacks/internal/query"
)

type blockReadResult struct {
	status byte
	data   []byte
}

// readBlock issues one ReadBlock request through the query engine and
// returns its status byte and data. Each call sets its own timeout
// scenario.
func (v *Vehicle) readBlock(ctx context.Context, id protocol.BlockID) (byte, []byte, error) {
	if _, err := v.setTimeout(device.TimeoutReadProperty); err != nil {
		return 0, nil, obderr.Wrap(obderr.Error, "setting timeout", err)
	}
	e := v.engine("read_block")
	result, err := query.Query(ctx, e,
		func() []byte { return protocol.BuildReadBlock(id) },
		func(f frame.Frame) (blockReadResult, error) {
			status, data, ferr := protocol.ParseBlockReadResponse(f, id)
			if ferr != nil {
				return blockReadResult{}, ferr
			}
			return blockReadResult{status: status, data: data}, nil
		},
	)
	if err != nil {
		return 0, nil, err
	}
	return result.status, result.data, nil
}

// QueryVin reads the three VIN blocks and concatenates them into the
// 17-character VIN. Concatenation happens only after all three succeed,
// so a partial failure is visible to the caller rather than silently
// producing a truncated VIN.
func (v *Vehicle) QueryVin(ctx context.Context) (string, error) {
	v.observer.UpdateActivity("reading VIN")
	var parts [3][]byte
	for i, id := range []protocol.BlockID{protocol.BlockVIN1, protocol.BlockVIN2, protocol.BlockVIN3} {
		_, data, err := v.readBlock(ctx, id)
		if err != nil {
			return "", obderr.Wrap(obderr.Error, fmt.Sprintf("reading VIN block %d", i+1), err)
		}
		parts[i] = data
	}
	// Block 1 carries a leading status/length byte ahead of 5 VIN
	// characters; blocks 2 and 3 are 6 characters each, for 17 total.
	vin := string(parts[0][:5]) + string(parts[1]) + string(parts[2])
	return vin, nil
}

// QuerySerial reads the three serial-number blocks and concatenates them.
func (v *Vehicle) QuerySerial(ctx context.Context) (string, error) {
	v.observer.UpdateActivity("reading serial number")
	var parts [3][]byte
	for i, id := range []protocol.BlockID{protocol.BlockSerial1, protocol.BlockSerial2, protocol.BlockSerial3} {
		_, data, err := v.readBlock(ctx, id)
		if err != nil {
			return "", obderr.Wrap(obderr.Error, fmt.Sprintf("reading serial block %d", i+1), err)
		}
		parts[i] = data
	}
	serial := append(append(append([]byte{}, parts[0]...), parts[1]...), parts[2]...)
	return fmt.Sprintf("%X", serial), nil
}

// QueryBCC reads the Broad Cast Code block.
func (v *Vehicle) QueryBCC(ctx context.Context) ([]byte, error) {
	_, data, err := v.readBlock(ctx, protocol.BlockBCC)
	return data, err
}

// QueryMEC reads the Manufacturer Enable Counter block.
func (v *Vehicle) QueryMEC(ctx context.Context) (byte, error) {
	_, data, err := v.readBlock(ctx, protocol.BlockMEC)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, obderr.New(obderr.Truncated, "MEC block returned no data")
	}
	return data[0], nil
}

// QueryHardwareID reads the hardware-id block as a big-endian uint32.
func (v *Vehicle) QueryHardwareID(ctx context.Context) (uint32, error) {
	return v.read4ByteBlock(ctx, protocol.BlockHardwareID)
}

// QueryOsID reads the OS-id block as a big-endian uint32.
func (v *Vehicle) QueryOsID(ctx context.Context) (uint32, error) {
	return v.read4ByteBlock(ctx, protocol.BlockOsID)
}

// QueryCalibrationID reads the calibration-id block as a big-endian uint32.
func (v *Vehicle) QueryCalibrationID(ctx context.Context) (uint32, error) {
	return v.read4ByteBlock(ctx, protocol.BlockCalibrationID)
}

func (v *Vehicle) read4ByteBlock(ctx context.Context, id protocol.BlockID) (uint32, error) {
	_, data, err := v.readBlock(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, obderr.New(obderr.Truncated, fmt.Sprintf("block 0x%02X returned %d bytes, need 4", id, len(data)))
	}
	return binary.BigEndian.Uint32(data[:4]), nil
}

// UnlockEcu runs the seed/key security-access handshake. It sends a seed
// request, parses a seed (ignoring unrelated frames via the query engine),
// and if the seed is not the "already unlocked" sentinel, computes the key
// via the registered algorithm and sends the unlock request. It always
// returns a boolean success to the caller; unlock status codes are
// translated into a user-visible message.
func (v *Vehicle) UnlockEcu(ctx context.Context, algorithmID int) (bool, error) {
	if v.keys == nil {
		return false, obderr.New(obderr.Error, "no key algorithm registry configured")
	}
	alg, err := v.keys.Lookup(algorithmID)
	if err != nil {
		v.observer.AddUserMessage(fmt.Sprintf("unlock failed: %v", err))
		return false, obderr.Wrap(obderr.Error, "looking up key algorithm", err)
	}

	if _, err := v.setTimeout(device.TimeoutReadProperty); err != nil {
		return false, obderr.Wrap(obderr.Error, "setting timeout", err)
	}

	e := v.engine("unlock")
	type seedResult struct {
		seed      uint16
		unlocked  bool
	}
	result, err := query.Query(ctx, e,
		protocol.BuildSeedRequest,
		func(f frame.Frame) (seedResult, error) {
			seed, already, ferr := protocol.ParseSeedResponse(f)
			if ferr != nil {
				return seedResult{}, ferr
			}
			return seedResult{seed: seed, unlocked: already}, nil
		},
	)
	if err != nil {
		return false, err
	}

	if result.unlocked {
		v.observer.AddUserMessage("ECU is already unlocked")
		return true, nil
	}

	key, err := alg(result.seed)
	if err != nil {
		v.observer.AddUserMessage(fmt.Sprintf("key algorithm failed: %v", err))
		return false, obderr.Wrap(obderr.Error, "computing unlock key", err)
	}

	status, err := query.Query(ctx, e,
		func() []byte { return protocol.BuildUnlockRequest(key) },
		protocol.ParseUnlockResponse,
	)
	if err != nil {
		return false, err
	}

	switch status {
	case protocol.UnlockAllowed:
		v.observer.AddUserMessage("unlock successful")
		return true, nil
	case protocol.UnlockDenied:
		v.observer.AddUserMessage("unlock denied: incorrect key")
	case protocol.UnlockInvalid:
		v.observer.AddUserMessage("unlock denied: invalid key format")
	case protocol.UnlockTooMany:
		v.observer.AddUserMessage("unlock denied: too many attempts, PCM is locked out")
	case protocol.UnlockDelay:
		v.observer.AddUserMessage("unlock denied: PCM requires a delay before retrying")
	default:
		v.observer.AddUserMessage(fmt.Sprintf("unlock denied: unrecognized status 0x%02X", byte(status)))
	}
	return false, nil
}
