package vehicle

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/flashchip"
	"github.com/patrickmcquay/PcmHacks/internal/frame"
	"github.com/patrickmcquay/PcmHacks/internal/obderr"
	"github.com/patrickmcquay/PcmHacks/internal/pcminfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installReadImageHook answers kernel upload and memory-read traffic for a
// single-block image read: no loader, no flash-id query, no kernel version
// check, matching the pcminfo.Info built by the tests below.
func installReadImageHook(m *device.MockDevice, image []byte) {
	m.SendHook = func(data []byte) error {
		if len(data) < 4 {
			return nil
		}
		switch frame.Mode(data[3]) {
		case frame.ModePCMUploadRequest:
			m.Enqueue(frame.NewUnchecked(
				[]byte{0x6C, frame.ModuleTool, frame.ModulePcm, byte(frame.ModePCMUploadRequest.Response())}, time.Now()))
		case frame.ModePCMUpload:
			m.Enqueue(frame.NewUnchecked(
				[]byte{0x6D, frame.ModuleTool, frame.ModulePcm, byte(frame.ModePCMUpload.Response())}, time.Now()))
		case frame.ModeKernelReadSmall:
			length := binary.BigEndian.Uint16(data[5:7])
			address := uint32(data[7])<<16 | uint32(data[8])<<8 | uint32(data[9])
			raw := []byte{0x6D, frame.ModuleTool, frame.ModulePcm, byte(frame.ModePCMUpload.Response()), 0x01}
			sizeBuf := make([]byte, 2)
			binary.BigEndian.PutUint16(sizeBuf, length)
			raw = append(raw, sizeBuf...)
			raw = append(raw, byte(address>>16), byte(address>>8), byte(address))
			raw = append(raw, image[address:address+uint32(length)]...)
			m.Enqueue(frame.NewUnchecked(frame.AddBlockChecksum(raw), time.Now()))
		}
		return nil
	}
}

func TestReadImageHappyPathSingleBlock(t *testing.T) {
	image := []byte{0x11, 0x22, 0x33, 0x44}
	m := device.NewMockDevice()
	installReadImageHook(m, image)
	v := New(m, nil, nil, nil, "session-1")

	info := pcminfo.Info{
		HardwareType:       pcminfo.HardwareP01P59,
		KernelBaseAddress:  0xFF8000,
		ImageSize:          uint32(len(image)),
		KernelMaxBlockSize: len(image),
	}

	got, err := v.ReadImage(context.Background(), info, nil, []byte{0xAA}, false)
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestReadImageCancelledBeforeStart(t *testing.T) {
	m := device.NewMockDevice()
	v := New(m, nil, nil, nil, "session-1")
	v.Cancel().Cancel()

	info := pcminfo.Info{HardwareType: pcminfo.HardwareP01P59, ImageSize: 4}
	got, err := v.ReadImage(context.Background(), info, nil, []byte{0xAA}, false)
	require.Error(t, err)
	assert.Nil(t, got)
}

func TestReadMemoryBlockCancelledReturnsCancelledError(t *testing.T) {
	m := device.NewMockDevice()
	v := New(m, nil, nil, nil, "session-1")
	v.Cancel().Cancel()

	_, _, err := v.readMemoryBlock(context.Background(), 0, 4)
	require.Error(t, err)
	assert.True(t, obderr.Is(err, obderr.Cancelled))
}

func TestReadImageSkipsCRCWhenFlashCRCSupportIsFalse(t *testing.T) {
	image := []byte{0x11, 0x22, 0x33, 0x44}
	flashchip.Register(flashchip.Chip{
		ChipID: 0x2A2A2A,
		MemoryRanges: []flashchip.MemoryRange{
			{Address: 0, Length: uint32(len(image)), BlockType: flashchip.BlockBoot},
		},
	})

	m := device.NewMockDevice()
	installReadImageHook(m, image)
	crcQueried := false
	baseHook := m.SendHook
	m.SendHook = func(data []byte) error {
		if len(data) >= 4 {
			switch frame.Mode(data[3]) {
			case frame.ModeFlashTypeQuery:
				m.Enqueue(frame.NewUnchecked(
					[]byte{0x6D, frame.ModuleTool, frame.ModulePcm, byte(frame.ModeFlashTypeQuery.Response()), 0x00, 0x2A, 0x2A, 0x2A}, time.Now()))
				return nil
			case frame.ModeKernelCrcQuery:
				crcQueried = true
			}
		}
		return baseHook(data)
	}
	v := New(m, nil, nil, nil, "session-1")

	info := pcminfo.Info{
		HardwareType:       pcminfo.HardwareP01P59,
		KernelBaseAddress:  0xFF8000,
		ImageSize:          uint32(len(image)),
		KernelMaxBlockSize: len(image),
		FlashIDSupport:     true,
		FlashCRCSupport:    false,
	}

	got, err := v.ReadImage(context.Background(), info, nil, []byte{0xAA}, false)
	require.NoError(t, err)
	assert.Equal(t, image, got)
	assert.False(t, crcQueried, "CRC verification must be skipped when FlashCRCSupport is false even though a chip was identified")
}

func TestQueryFlashChipLooksUpRegisteredChip(t *testing.T) {
	m := device.NewMockDevice()
	m.SendHook = func(data []byte) error {
		if frame.Mode(data[3]) != frame.ModeFlashTypeQuery {
			return nil
		}
		m.Enqueue(frame.NewUnchecked(
			[]byte{0x6D, frame.ModuleTool, frame.ModulePcm, byte(frame.ModeFlashTypeQuery.Response()), 0x00, 0x10, 0x00, 0x00}, time.Now()))
		return nil
	}
	v := New(m, nil, nil, nil, "session-1")

	chip, err := v.queryFlashChip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100000), chip.ChipID)
	assert.NotEmpty(t, chip.MemoryRanges)
}

func TestVerifyImageCRCMismatchReturnsError(t *testing.T) {
	image := []byte{0x01, 0x02, 0x03, 0x04}
	chip := flashchip.Chip{
		ChipID: 1,
		MemoryRanges: []flashchip.MemoryRange{
			{Address: 0, Length: uint32(len(image)), BlockType: flashchip.BlockBoot},
		},
	}
	m := device.NewMockDevice()
	m.SendHook = func(data []byte) error {
		if frame.Mode(data[3]) != frame.ModeKernelCrcQuery {
			return nil
		}
		m.Enqueue(frame.NewUnchecked(
			[]byte{0x6D, frame.ModuleTool, frame.ModulePcm, byte(frame.ModeKernelCrcQuery.Response()), 0x00, 0x00, 0x00, 0x00}, time.Now()))
		return nil
	}
	v := New(m, nil, nil, nil, "session-1")

	err := v.verifyImageCRC(context.Background(), chip, image)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRC mismatch")
}

func TestVerifyImageCRCTooShortImageIsTruncated(t *testing.T) {
	chip := flashchip.Chip{
		ChipID: 1,
		MemoryRanges: []flashchip.MemoryRange{
			{Address: 0, Length: 8, BlockType: flashchip.BlockBoot},
		},
	}
	m := device.NewMockDevice()
	v := New(m, nil, nil, nil, "session-1")

	err := v.verifyImageCRC(context.Background(), chip, []byte{0x01, 0x02})
	require.Error(t, err)
	assert.True(t, obderr.Is(err, obderr.Truncated))
}
