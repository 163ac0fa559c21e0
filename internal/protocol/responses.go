package protocol

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/patrickmcquay/PcmHacks/internal/frame"
	"github.com/patrickmcquay/PcmHacks/internal/obderr"
)

// matchesPriority reports whether p is one of the accepted priorities for a
// response. Priority.Physical0High (0x68) shows up on real buses where
// Priority.PhysicalDefault is expected; we accept both everywhere a
// physical-priority response is expected rather than just for upload
// requests, since the same ambiguity can appear on any physical-priority
// reply. The block-read and upload-request parsers log a debug note when
// the unusual priority appears; the seed, unlock, and upload-ack parsers
// accept it without logging.
func matchesPriority(p frame.Priority, accept ...frame.Priority) bool {
	for _, a := range accept {
		if p == a {
			return true
		}
	}
	return false
}

// checkNegative reports whether f is a NegativeResponse frame refusing
// reqMode, and if so returns the one-byte refusal code.
func checkNegative(f frame.Frame, reqMode frame.Mode) (refusalCode byte, isNegative bool) {
	if f.Mode() != frame.ModeNegativeResponse {
		return 0, false
	}
	if f.Submode() != byte(reqMode) {
		return 0, false
	}
	payload := f.Payload()
	if len(payload) == 0 {
		return 0, true
	}
	return payload[0], true
}

// unexpected builds the generic "frame decoded but did not match
// expectation" error used by every parser's fallthrough case.
func unexpected(what string) error {
	return obderr.New(obderr.UnexpectedResponse, "unexpected frame for "+what)
}

func truncated(what string, got, want int) error {
	return obderr.New(obderr.Truncated, fmt.Sprintf("%s: got %d bytes, need at least %d", what, got, want))
}

// ParseBlockReadResponse parses a response to BuildReadBlock(id). It
// returns the one-byte status and the data bytes following it.
func ParseBlockReadResponse(f frame.Frame, id BlockID) (status byte, data []byte, err error) {
	wantMode := frame.ModeReadBlock.Response()
	if matchesPriority(f.Priority(), frame.PriorityPhysicalDefault, frame.PriorityPhysical0High) &&
		f.Destination() == frame.ModuleTool && f.Source() == frame.ModulePcm && f.Mode() == wantMode {
		if f.Priority() == frame.PriorityPhysical0High {
			log.Printf("protocol: debug: block read response for block 0x%02X arrived with unusual priority 0x68", id)
		}
		if f.Len() < 5 {
			return 0, nil, truncated("block read response", f.Len(), 5)
		}
		return f.Submode(), f.Payload(), nil
	}
	if code, neg := checkNegative(f, frame.ModeReadBlock); neg {
		return 0, nil, obderr.New(obderr.Refused, fmt.Sprintf("block 0x%02X refused, code 0x%02X", id, code))
	}
	return 0, nil, unexpected("block read")
}

// ParseSeedResponse parses a response to BuildSeedRequest. alreadyUnlocked
// is true when the PCM reports the security-access sentinel (bytes 01 37)
// instead of a seed.
func ParseSeedResponse(f frame.Frame) (seed uint16, alreadyUnlocked bool, err error) {
	wantMode := frame.ModeSeed.Response()
	if matchesPriority(f.Priority(), frame.PriorityPhysicalDefault, frame.PriorityPhysical0High) &&
		f.Destination() == frame.ModuleTool && f.Source() == frame.ModulePcm && f.Mode() == wantMode {
		payload := f.Payload()
		if f.Submode() == 0x01 && len(payload) >= 1 && payload[0] == 0x37 {
			return 0, true, nil
		}
		if len(payload) < 2 {
			return 0, false, truncated("seed response", f.Len(), 7)
		}
		return binary.BigEndian.Uint16(payload[:2]), false, nil
	}
	if code, neg := checkNegative(f, frame.ModeSeed); neg {
		return 0, false, obderr.New(obderr.Refused, fmt.Sprintf("seed request refused, code 0x%02X", code))
	}
	return 0, false, unexpected("seed response")
}

// ParseUnlockResponse parses a response to BuildUnlockRequest.
func ParseUnlockResponse(f frame.Frame) (UnlockStatus, error) {
	wantMode := frame.ModeSeed.Response()
	if matchesPriority(f.Priority(), frame.PriorityPhysicalDefault, frame.PriorityPhysical0High) &&
		f.Destination() == frame.ModuleTool && f.Source() == frame.ModulePcm && f.Mode() == wantMode && f.Submode() == 0x02 {
		payload := f.Payload()
		if len(payload) < 1 {
			return 0, truncated("unlock response", f.Len(), 6)
		}
		return UnlockStatus(payload[0]), nil
	}
	if code, neg := checkNegative(f, frame.ModeSeed); neg {
		return 0, obderr.New(obderr.Refused, fmt.Sprintf("unlock refused, code 0x%02X", code))
	}
	return 0, unexpected("unlock response")
}

// ParseUploadRequestResponse parses a response to BuildUploadRequest.
// granted reports whether the PCM accepted the declared size/address.
func ParseUploadRequestResponse(f frame.Frame) (granted bool, err error) {
	wantMode := frame.ModePCMUploadRequest.Response()
	if matchesPriority(f.Priority(), frame.PriorityPhysicalDefault, frame.PriorityPhysical0High) &&
		f.Destination() == frame.ModuleTool && f.Source() == frame.ModulePcm && f.Mode() == wantMode {
		if f.Priority() == frame.PriorityPhysical0High {
			log.Printf("protocol: debug: upload-request response arrived with unusual priority 0x68")
		}
		return true, nil
	}
	if code, neg := checkNegative(f, frame.ModePCMUploadRequest); neg {
		return false, obderr.New(obderr.Refused, fmt.Sprintf("upload request refused, code 0x%02X", code))
	}
	return false, unexpected("upload request response")
}

// ParseUploadAck parses the acknowledgment of a BuildUpload packet. Refused
// frames are common background noise during a chunked upload; callers that
// want to tolerate them check obderr.Is(err, obderr.Refused) and keep
// waiting.
func ParseUploadAck(f frame.Frame) error {
	wantMode := frame.ModePCMUpload.Response()
	if matchesPriority(f.Priority(), frame.PriorityBlock, frame.PriorityPhysicalDefault, frame.PriorityPhysical0High) &&
		f.Destination() == frame.ModuleTool && f.Source() == frame.ModulePcm && f.Mode() == wantMode {
		return nil
	}
	if code, neg := checkNegative(f, frame.ModePCMUpload); neg {
		return obderr.New(obderr.Refused, fmt.Sprintf("upload packet refused, code 0x%02X", code))
	}
	return unexpected("upload ack")
}

// ParsePayloadResponse parses a kernel memory-read response: a
// block-priority frame whose header echoes the declared length and
// address, followed by the data and a trailing block checksum (Normal
// sub-mode only; RLE is defined on the wire but deliberately rejected).
func ParsePayloadResponse(f frame.Frame, expectedAddress uint32) (payload []byte, err error) {
	if f.Priority() != frame.PriorityBlock || f.Destination() != frame.ModuleTool || f.Source() != frame.ModulePcm {
		if code, neg := checkNegative(f, frame.ModePCMUpload); neg {
			return nil, obderr.New(obderr.Refused, fmt.Sprintf("memory read refused, code 0x%02X", code))
		}
		return nil, unexpected("memory read response")
	}
	if f.Mode() != frame.ModePCMUpload.Response() {
		return nil, unexpected("memory read response")
	}

	raw := f.Bytes()
	const headerLen = 10
	if len(raw) < headerLen {
		return nil, truncated("memory read header", len(raw), headerLen)
	}

	sub := raw[4]
	declaredLen := int(binary.BigEndian.Uint16(raw[5:7]))
	address := uint32(raw[7])<<16 | uint32(raw[8])<<8 | uint32(raw[9])

	if address != expectedAddress {
		return nil, obderr.New(obderr.UnexpectedResponse,
			fmt.Sprintf("memory read response address 0x%06X does not match expected 0x%06X", address, expectedAddress))
	}

	switch sub {
	case 0x01: // Normal
		if len(raw) < declaredLen+headerLen+2 {
			return nil, truncated("memory read payload", len(raw), declaredLen+headerLen+2)
		}
		body := raw[:headerLen+declaredLen+2]
		if !frame.VerifyBlockChecksum(body) {
			return nil, obderr.New(obderr.Error, "memory read block checksum mismatch")
		}
		return raw[headerLen : headerLen+declaredLen], nil
	case 0x02: // RLE, deliberately unimplemented
		return nil, obderr.New(obderr.Error, "memory read response uses unsupported RLE sub-mode (0x02)")
	default:
		return nil, unexpected(fmt.Sprintf("memory read response sub-mode 0x%02X", sub))
	}
}

// ParseHighSpeedPermissionResponse parses one module's reply to
// BuildHighSpeedPermissionRequest.
func ParseHighSpeedPermissionResponse(f frame.Frame) (moduleID byte, granted bool, err error) {
	wantMode := frame.ModeHighSpeedPrepare.Response()
	if f.Destination() != frame.ModuleTool || f.Mode() != wantMode {
		return 0, false, unexpected("high speed permission response")
	}
	payload := f.Payload()
	status := f.Submode()
	if len(payload) >= 1 {
		status = payload[0]
	}
	return f.Source(), HighSpeedStatus(status) == HighSpeedGranted, nil
}

// parseKernel4ByteResponse is the shared shape for the kernel version,
// flash-type, and OS-ID-from-kernel queries: a block-priority response
// whose 4-byte payload is the answer.
func parseKernel4ByteResponse(f frame.Frame, reqMode frame.Mode) ([4]byte, error) {
	var out [4]byte
	wantMode := reqMode.Response()
	if f.Priority() != frame.PriorityBlock || f.Destination() != frame.ModuleTool || f.Source() != frame.ModulePcm || f.Mode() != wantMode {
		if code, neg := checkNegative(f, reqMode); neg {
			return out, obderr.New(obderr.Refused, fmt.Sprintf("kernel query refused, code 0x%02X", code))
		}
		return out, unexpected("kernel query response")
	}
	raw := f.Bytes()
	if len(raw) < 8 {
		return out, truncated("kernel query response", len(raw), 8)
	}
	copy(out[:], raw[4:8])
	return out, nil
}

func ParseKernelVersionResponse(f frame.Frame) ([4]byte, error) {
	return parseKernel4ByteResponse(f, frame.ModeKernelVersionQuery)
}

func ParseFlashTypeResponse(f frame.Frame) ([4]byte, error) {
	return parseKernel4ByteResponse(f, frame.ModeFlashTypeQuery)
}

func ParseOsIDFromKernelResponse(f frame.Frame) ([4]byte, error) {
	return parseKernel4ByteResponse(f, frame.ModeOsIdFromKernel)
}

// ParseKernelCrcResponse parses the kernel's answer to BuildKernelCrcQuery:
// a big-endian CRC32 of the requested range.
func ParseKernelCrcResponse(f frame.Frame) (uint32, error) {
	out, err := parseKernel4ByteResponse(f, frame.ModeKernelCrcQuery)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(out[:]), nil
}
