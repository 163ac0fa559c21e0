package vehicle

import (
	"context"
	"testing"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/frame"
	"github.com/patrickmcquay/PcmHacks/internal/keyalgo"
	"github.com/patrickmcquay/PcmHacks/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockResponse builds a ReadBlock response frame: status byte then data.
func blockResponse(status byte, data ...byte) []byte {
	buf := []byte{0x6C, frame.ModuleTool, frame.ModulePcm, byte(frame.ModeReadBlock.Response()), status}
	return append(buf, data...)
}

// installBlockResponses wires a SendHook that answers a ReadBlock request
// for id with resp, looking at the BlockID carried in the request's last
// byte.
func installBlockResponses(m *device.MockDevice, responses map[protocol.BlockID][]byte) {
	m.SendHook = func(data []byte) error {
		if len(data) < 5 || frame.Mode(data[3]) != frame.ModeReadBlock {
			return nil
		}
		if resp, ok := responses[protocol.BlockID(data[4])]; ok {
			m.Enqueue(frame.NewUnchecked(resp, time.Now()))
		}
		return nil
	}
}

func TestQueryVinConcatenatesThreeBlocks(t *testing.T) {
	m := device.NewMockDevice()
	installBlockResponses(m, map[protocol.BlockID][]byte{
		protocol.BlockVIN1: blockResponse(0x00, 'A', 'B', 'C', 'D', 'E'),
		protocol.BlockVIN2: blockResponse(0x00, 'F', 'G', 'H', 'I', 'J', 'K'),
		protocol.BlockVIN3: blockResponse(0x00, 'L', 'M', 'N', 'O', 'P', 'Q'),
	})
	v := New(m, nil, nil, nil, "session-1")

	vin, err := v.QueryVin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGHIJKLMNOPQ", vin)
}

func TestQueryVinFailsIfAnyBlockMissing(t *testing.T) {
	m := device.NewMockDevice()
	installBlockResponses(m, map[protocol.BlockID][]byte{
		protocol.BlockVIN1: blockResponse(0x00, 'A', 'B', 'C', 'D', 'E'),
		// VIN2 and VIN3 deliberately left unanswered.
	})
	v := New(m, nil, nil, nil, "session-1")

	_, err := v.QueryVin(context.Background())
	require.Error(t, err)
}

func TestQuerySerialHexEncodesConcatenatedBlocks(t *testing.T) {
	m := device.NewMockDevice()
	installBlockResponses(m, map[protocol.BlockID][]byte{
		protocol.BlockSerial1: blockResponse(0x00, 0x01, 0x02),
		protocol.BlockSerial2: blockResponse(0x00, 0x03, 0x04),
		protocol.BlockSerial3: blockResponse(0x00, 0x05, 0x06),
	})
	v := New(m, nil, nil, nil, "session-1")

	serial, err := v.QuerySerial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "010203040506", serial)
}

func TestQueryBCCReturnsRawBlockData(t *testing.T) {
	m := device.NewMockDevice()
	installBlockResponses(m, map[protocol.BlockID][]byte{
		protocol.BlockBCC: blockResponse(0x00, 0xDE, 0xAD, 0xBE, 0xEF),
	})
	v := New(m, nil, nil, nil, "session-1")

	data, err := v.QueryBCC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data)
}

func TestQueryMECReturnsFirstByte(t *testing.T) {
	m := device.NewMockDevice()
	installBlockResponses(m, map[protocol.BlockID][]byte{
		protocol.BlockMEC: blockResponse(0x00, 0x07),
	})
	v := New(m, nil, nil, nil, "session-1")

	mec, err := v.QueryMEC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0x07), mec)
}

func TestQueryHardwareOsCalibrationIDsDecodeBigEndian(t *testing.T) {
	m := device.NewMockDevice()
	installBlockResponses(m, map[protocol.BlockID][]byte{
		protocol.BlockHardwareID:    blockResponse(0x00, 0x00, 0x00, 0x01, 0x02),
		protocol.BlockOsID:          blockResponse(0x00, 0x00, 0x00, 0x03, 0x04),
		protocol.BlockCalibrationID: blockResponse(0x00, 0x00, 0x00, 0x05, 0x06),
	})
	v := New(m, nil, nil, nil, "session-1")

	hw, err := v.QueryHardwareID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0102), hw)

	os, err := v.QueryOsID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0304), os)

	cal, err := v.QueryCalibrationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0506), cal)
}

func seedResponse(submode, seedHi, seedLo byte) []byte {
	return []byte{0x6C, frame.ModuleTool, frame.ModulePcm, byte(frame.ModeSeed.Response()), submode, seedHi, seedLo}
}

func unlockStatusResponse(status protocol.UnlockStatus) []byte {
	return []byte{0x6C, frame.ModuleTool, frame.ModulePcm, byte(frame.ModeSeed.Response()), 0x02, byte(status)}
}

func TestUnlockEcuSucceedsWithCorrectKey(t *testing.T) {
	m := device.NewMockDevice()
	m.SendHook = func(data []byte) error {
		if frame.Mode(data[3]) != frame.ModeSeed {
			return nil
		}
		switch data[4] {
		case 0x01:
			m.Enqueue(frame.NewUnchecked(seedResponse(0x02, 0xBE, 0xEF), time.Now()))
		case 0x02:
			m.Enqueue(frame.NewUnchecked(unlockStatusResponse(protocol.UnlockAllowed), time.Now()))
		}
		return nil
	}
	keys := keyalgo.NewRegistry()
	keys.Register(1, func(seed uint16) (uint16, error) { return seed ^ 0xFFFF, nil })
	v := New(m, keys, nil, nil, "session-1")

	ok, err := v.UnlockEcu(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlockEcuReportsAlreadyUnlocked(t *testing.T) {
	m := device.NewMockDevice()
	m.SendHook = func(data []byte) error {
		if frame.Mode(data[3]) != frame.ModeSeed || data[4] != 0x01 {
			return nil
		}
		m.Enqueue(frame.NewUnchecked([]byte{0x6C, frame.ModuleTool, frame.ModulePcm, byte(frame.ModeSeed.Response()), 0x01, 0x37}, time.Now()))
		return nil
	}
	keys := keyalgo.NewRegistry()
	keys.Register(1, func(seed uint16) (uint16, error) { return seed, nil })
	v := New(m, keys, nil, nil, "session-1")

	ok, err := v.UnlockEcu(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, m.SentFrames(), 1, "already-unlocked should skip the unlock request entirely")
}

func TestUnlockEcuDeniedWithWrongKey(t *testing.T) {
	m := device.NewMockDevice()
	m.SendHook = func(data []byte) error {
		if frame.Mode(data[3]) != frame.ModeSeed {
			return nil
		}
		switch data[4] {
		case 0x01:
			m.Enqueue(frame.NewUnchecked(seedResponse(0x02, 0x12, 0x34), time.Now()))
		case 0x02:
			m.Enqueue(frame.NewUnchecked(unlockStatusResponse(protocol.UnlockDenied), time.Now()))
		}
		return nil
	}
	keys := keyalgo.NewRegistry()
	keys.Register(1, func(seed uint16) (uint16, error) { return seed, nil })
	v := New(m, keys, nil, nil, "session-1")

	ok, err := v.UnlockEcu(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnlockEcuFailsOnUnknownAlgorithm(t *testing.T) {
	m := device.NewMockDevice()
	v := New(m, keyalgo.NewRegistry(), nil, nil, "session-1")

	ok, err := v.UnlockEcu(context.Background(), 99)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, m.SentFrames(), "unknown algorithm should fail before any bus traffic")
}

func TestUnlockEcuFailsWithoutKeyRegistry(t *testing.T) {
	m := device.NewMockDevice()
	v := New(m, nil, nil, nil, "session-1")

	ok, err := v.UnlockEcu(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, ok)
}
