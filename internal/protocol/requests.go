// Package protocol implements pure, stateless request builders and response
// parsers for the VPW wire format. Builders never block, never perform
// I/O, and never retry; every request has exactly one constructor, and
// every request that expects a reply has one parser. Fire-and-forget
// requests (tool-present, exit-kernel, clear-DTCs, begin-high-speed,
// disable-normal-messages) have none.
package protocol

import (
	"encoding/binary"

	"github.com/patrickmcquay/PcmHacks/internal/frame"
)

// CopyType selects how the PCM treats a kernel-upload packet.
type CopyType byte

const (
	CopyTypeCopy      CopyType = 0x00
	CopyTypeExecute   CopyType = 0x80
	CopyTypeTestWrite CopyType = 0x44
)

// HighSpeedStatus is the one-byte grant/refusal code a module returns from
// a high-speed permission query.
type HighSpeedStatus byte

const (
	HighSpeedGranted  HighSpeedStatus = 0x01
	HighSpeedRejected HighSpeedStatus = 0x00
)

// UnlockStatus is the one-byte status a security-access unlock response
// carries.
type UnlockStatus byte

const (
	UnlockAllowed UnlockStatus = 0x34
	UnlockDenied  UnlockStatus = 0x33
	UnlockInvalid UnlockStatus = 0x35
	UnlockTooMany UnlockStatus = 0x36
	UnlockDelay   UnlockStatus = 0x37
)

func header(priority frame.Priority, dest, src byte, mode frame.Mode) []byte {
	return []byte{byte(priority), dest, src, byte(mode)}
}

// BuildReadBlock constructs a block-property read request.
func BuildReadBlock(id BlockID) []byte {
	buf := header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModeReadBlock)
	return append(buf, byte(id))
}

// BuildSeedRequest constructs the fixed five-byte seed request.
func BuildSeedRequest() []byte {
	buf := header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModeSeed)
	return append(buf, 0x01)
}

// BuildUnlockRequest constructs the unlock request carrying the computed key.
func BuildUnlockRequest(key uint16) []byte {
	buf := header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModeSeed)
	buf = append(buf, 0x02)
	keyBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(keyBuf, key)
	return append(buf, keyBuf...)
}

// BuildUploadRequest declares an intended byte count and destination
// address for a pending kernel upload. P10/P12 variants use a short
// header-only request; other variants carry size and address.
func BuildUploadRequest(size uint16, address uint32, shortHeader bool) []byte {
	buf := header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModePCMUploadRequest)
	if shortHeader {
		return buf
	}
	sizeBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(sizeBuf, size)
	buf = append(buf, sizeBuf...)
	return append(buf, addr24(address)...)
}

// BuildUpload constructs a block-priority kernel-upload packet: header,
// payload, then a 16-bit additive block checksum over everything
// preceding it.
func BuildUpload(copyType CopyType, address uint32, payload []byte) []byte {
	buf := header(frame.PriorityBlock, frame.ModulePcm, frame.ModuleTool, frame.ModePCMUpload)
	buf = append(buf, byte(copyType))
	sizeBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(sizeBuf, uint16(len(payload)))
	buf = append(buf, sizeBuf...)
	buf = append(buf, addr24(address)...)
	buf = append(buf, payload...)
	return frame.AddBlockChecksum(buf)
}

// BuildKernelMemoryRead constructs a read request against the running
// kernel. Addresses above 0xFFFFFF use the 32-bit-address mode (0x37); all
// others use the compact 24-bit mode (0x35).
func BuildKernelMemoryRead(address uint32, length uint16) []byte {
	sub := byte(0x01)
	sizeBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(sizeBuf, length)

	if address > 0xFFFFFF {
		buf := header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModeKernelReadLarge)
		buf = append(buf, sub)
		buf = append(buf, sizeBuf...)
		return append(buf, addr32(address)...)
	}
	buf := header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModeKernelReadSmall)
	buf = append(buf, sub)
	buf = append(buf, sizeBuf...)
	return append(buf, addr24(address)...)
}

// BuildHighSpeedPermissionRequest constructs the broadcast query every
// module on the bus answers with a grant or refusal.
func BuildHighSpeedPermissionRequest() []byte {
	return header(frame.PriorityPhysicalDefault, frame.ModuleBroadcast, frame.ModuleTool, frame.ModeHighSpeedPrepare)
}

// BuildBeginHighSpeed constructs the broadcast command that switches the
// bus to 4x signaling. No per-module reply is expected.
func BuildBeginHighSpeed() []byte {
	return header(frame.PriorityPhysicalDefault, frame.ModuleBroadcast, frame.ModuleTool, frame.ModeHighSpeed)
}

// BuildToolPresent constructs the tool-present heartbeat frame.
func BuildToolPresent() []byte {
	return header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModeToolPresent)
}

// BuildExitKernel constructs the fire-and-forget exit-kernel command.
func BuildExitKernel() []byte {
	return header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModeExitKernel)
}

// BuildClearDTCs constructs the fire-and-forget clear-trouble-codes command.
func BuildClearDTCs() []byte {
	return header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModeClearDTCs)
}

// BuildDisableNormalMessageTransmission constructs the fire-and-forget
// command that tells the PCM to stop its normal periodic bus traffic.
func BuildDisableNormalMessageTransmission() []byte {
	return header(frame.PriorityPhysicalDefault, frame.ModulePcm, frame.ModuleTool, frame.ModeDisableNormalMsgs)
}

// BuildKernelVersionQuery, BuildFlashTypeQuery, and BuildOsIDFromKernelQuery
// construct block-priority frames addressed to the running kernel. None
// carries a payload, so none carries a block checksum — §4.1 limits the
// checksum requirement to frames that carry a payload.
func BuildKernelVersionQuery() []byte {
	return header(frame.PriorityBlock, frame.ModulePcm, frame.ModuleTool, frame.ModeKernelVersionQuery)
}

func BuildFlashTypeQuery() []byte {
	return header(frame.PriorityBlock, frame.ModulePcm, frame.ModuleTool, frame.ModeFlashTypeQuery)
}

func BuildOsIDFromKernelQuery() []byte {
	return header(frame.PriorityBlock, frame.ModulePcm, frame.ModuleTool, frame.ModeOsIdFromKernel)
}

// BuildKernelCrcQuery asks the running kernel for the CRC32 of one memory
// range, used by the post-download verifier.
func BuildKernelCrcQuery(address uint32, length uint32) []byte {
	buf := header(frame.PriorityBlock, frame.ModulePcm, frame.ModuleTool, frame.ModeKernelCrcQuery)
	buf = append(buf, addr24(address)...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	return append(buf, lenBuf...)
}

func addr24(address uint32) []byte {
	return []byte{byte(address >> 16), byte(address >> 8), byte(address)}
}

func addr32(address uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, address)
	return buf
}
