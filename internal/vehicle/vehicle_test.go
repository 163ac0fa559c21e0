package vehicle

import (
	"context"
	"testing"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/frame"
	"github.com/patrickmcquay/PcmHacks/internal/protocol"
	"github.com/patrickmcquay/PcmHacks/pkg/obd/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesNullObserverAndSystemClockWhenNil(t *testing.T) {
	m := device.NewMockDevice()
	v := New(m, nil, nil, nil, "session-1")

	_, isNull := v.observer.(status.Null)
	assert.True(t, isNull)
	_, isSystemClock := v.clock.(device.SystemClock)
	assert.True(t, isSystemClock)
	assert.Equal(t, "session-1", v.sessionID)
}

func TestCleanupSendsExitKernelAndClearDTCsTwice(t *testing.T) {
	m := device.NewMockDevice()
	v := New(m, nil, nil, nil, "session-1")

	require.NoError(t, v.Cleanup(context.Background()))

	sent := m.SentFrames()
	// Supports4X is true on the mock's default capabilities, so exit-kernel
	// goes out once before the speed drop and once unconditionally after.
	require.Len(t, sent, 4)
	assert.Equal(t, protocol.BuildExitKernel(), sent[0])
	assert.Equal(t, protocol.BuildExitKernel(), sent[1])
	assert.Equal(t, protocol.BuildClearDTCs(), sent[2])
	assert.Equal(t, protocol.BuildClearDTCs(), sent[3])
}

func TestRequestHighSpeedPermissionAllGranted(t *testing.T) {
	m := device.NewMockDevice()
	ts := time.Now()
	// Replies are queued when the permission request goes out, since the
	// request clears the receive queue before sending.
	m.SendHook = func(data []byte) error {
		if frame.Mode(data[3]) == frame.ModeHighSpeedPrepare {
			m.EnqueueBytes(ts,
				[]byte{0x6C, frame.ModuleTool, 0x10, byte(frame.ModeHighSpeedPrepare.Response()), 0x01},
				[]byte{0x6C, frame.ModuleTool, 0x18, byte(frame.ModeHighSpeedPrepare.Response()), 0x01},
			)
		}
		return nil
	}
	v := New(m, nil, nil, nil, "session-1")

	ids, allGranted, err := v.RequestHighSpeedPermission(context.Background())
	require.NoError(t, err)
	assert.True(t, allGranted)
	assert.ElementsMatch(t, []byte{0x10, 0x18}, ids)
}

func TestRequestHighSpeedPermissionOneRefused(t *testing.T) {
	m := device.NewMockDevice()
	ts := time.Now()
	m.SendHook = func(data []byte) error {
		if frame.Mode(data[3]) == frame.ModeHighSpeedPrepare {
			m.EnqueueBytes(ts,
				[]byte{0x6C, frame.ModuleTool, 0x10, byte(frame.ModeHighSpeedPrepare.Response()), 0x01},
				[]byte{0x6C, frame.ModuleTool, 0x18, byte(frame.ModeHighSpeedPrepare.Response()), 0x00},
			)
		}
		return nil
	}
	v := New(m, nil, nil, nil, "session-1")

	_, allGranted, err := v.RequestHighSpeedPermission(context.Background())
	require.NoError(t, err)
	assert.False(t, allGranted)
}

func TestSetVpw4xSwitchesSpeedWhenAllGranted(t *testing.T) {
	m := device.NewMockDevice()
	ts := time.Now()
	m.SendHook = func(data []byte) error {
		if frame.Mode(data[3]) == frame.ModeHighSpeedPrepare {
			m.EnqueueBytes(ts, []byte{0x6C, frame.ModuleTool, 0x10, byte(frame.ModeHighSpeedPrepare.Response()), 0x01})
		}
		return nil
	}
	v := New(m, nil, nil, nil, "session-1")

	require.NoError(t, v.SetVpw4x(context.Background()))
	assert.Equal(t, device.SpeedFourX, m.Speed())

	sent := m.SentFrames()
	require.Len(t, sent, 3) // permission request, begin-high-speed, forced tool-present
	assert.Equal(t, protocol.BuildBeginHighSpeed(), sent[1])
	assert.Equal(t, protocol.BuildToolPresent(), sent[2])
}

func TestSetVpw4xFailsWhenRefused(t *testing.T) {
	m := device.NewMockDevice()
	ts := time.Now()
	m.SendHook = func(data []byte) error {
		if frame.Mode(data[3]) == frame.ModeHighSpeedPrepare {
			m.EnqueueBytes(ts, []byte{0x6C, frame.ModuleTool, 0x10, byte(frame.ModeHighSpeedPrepare.Response()), 0x00})
		}
		return nil
	}
	v := New(m, nil, nil, nil, "session-1")

	err := v.SetVpw4x(context.Background())
	require.Error(t, err)
	assert.Equal(t, device.SpeedStandard, m.Speed())
}

func TestDisposeClosesPortAndIsIdempotent(t *testing.T) {
	m := device.NewMockDevice()
	v := New(m, nil, nil, nil, "session-1")

	require.NoError(t, v.Dispose())
	assert.True(t, m.Closed())
	require.NoError(t, v.Dispose())
}
