package vehicle

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/frame"
	"github.com/patrickmcquay/PcmHacks/internal/obderr"
	"github.com/patrickmcquay/PcmHacks/internal/pcminfo"
	"github.com/patrickmcquay/PcmHacks/internal/protocol"
	"github.com/patrickmcquay/PcmHacks/internal/query"
)

// kernelMaxSendAttempts bounds per-packet retries during a kernel upload,
// distinct from the generic query engine's MaxSendAttempts: a single
// upload packet is worth retrying harder than a property read.
const kernelMaxSendAttempts = 10

// headerAndChecksumOverhead is the 10-byte wire header plus 2-byte block
// checksum every kernel-upload packet carries around its payload.
const headerAndChecksumOverhead = 12

// loaderClampedPacketSize respects a loader's small receive buffer when the
// kernel itself (not the loader) is being uploaded through it.
const loaderClampedPacketSize = 512

// maxDeclaredUploadSize is the largest byte count the PCM will accept in an
// upload-request permission ask, even though the actual transfer may be
// larger once split into copy packets.
const maxDeclaredUploadSize = 4096

// packet is one chunk of a kernel/loader upload, in send order (highest
// address first).
type packet struct {
	address  uint32
	data     []byte
	copyType protocol.CopyType
}

// planUploadPackets splits payload into chunks of size packetSize bytes
// (a final remainder chunk may be shorter), starting at loadAddress and
// counting down so the lowest address is sent last. The packet containing
// loadAddress is tagged Execute; every other packet is Copy. This ensures
// no executable code is present at the jump target until the upload is
// complete.
func planUploadPackets(loadAddress uint32, payload []byte, packetSize int) []packet {
	if packetSize <= 0 {
		packetSize = len(payload)
		if packetSize == 0 {
			packetSize = 1
		}
	}

	var chunks [][]byte
	for offset := 0; offset < len(payload); offset += packetSize {
		end := offset + packetSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[offset:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	packets := make([]packet, len(chunks))
	addr := loadAddress
	for i, chunk := range chunks {
		packets[i] = packet{address: addr, data: chunk}
		addr += uint32(len(chunk))
	}
	// The packet containing loadAddress is the terminal send (lowest
	// address, sent last) and is tagged Execute.
	for i := range packets {
		if packets[i].address == loadAddress {
			packets[i].copyType = protocol.CopyTypeExecute
		} else {
			packets[i].copyType = protocol.CopyTypeCopy
		}
	}
	// Reverse so the highest address goes out first.
	for i, j := 0, len(packets)-1; i < j; i, j = i+1, j-1 {
		packets[i], packets[j] = packets[j], packets[i]
	}
	return packets
}

// requestUploadPermission asks the PCM to accept an upload of size bytes
// to address, and awaits its grant through the query engine.
func (v *Vehicle) requestUploadPermission(ctx context.Context, info pcminfo.Info, size int, address uint32) error {
	declared := size
	if declared > maxDeclaredUploadSize {
		declared = maxDeclaredUploadSize
	}
	e := v.engine("upload_permission")
	_, err := query.Query(ctx, e,
		func() []byte {
			return protocol.BuildUploadRequest(uint16(declared), address, info.RequiresShortUploadHeader())
		},
		func(f frame.Frame) (struct{}, error) {
			_, ferr := protocol.ParseUploadRequestResponse(f)
			return struct{}{}, ferr
		},
	)
	return err
}

// writePacket sends one upload packet with up to kernelMaxSendAttempts
// retries, accepting either a positive ack or swallowing Refused frames
// (common background noise) while waiting.
func (v *Vehicle) writePacket(ctx context.Context, p packet) error {
	raw := protocol.BuildUpload(p.copyType, p.address, p.data)

	for attempt := 0; attempt < kernelMaxSendAttempts; attempt++ {
		if v.cancel.Cancelled() {
			return obderr.New(obderr.Cancelled, "upload cancelled")
		}
		// Let the running kernel re-enter its receive loop.
		v.sleep(ctx, 50*time.Millisecond)

		if err := v.port.Send(ctx, raw); err != nil {
			return obderr.Wrap(obderr.Error, "sending upload packet", err)
		}

		acked, err := v.waitForUploadAck(ctx)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
	}
	return obderr.New(obderr.Timeout, "no acknowledgment for upload packet")
}

// waitForUploadAck reads frames until it sees a positive ack (true, nil),
// exhausts its timeout budget (false, nil: caller should retry the send),
// or hits a non-Refused, non-timeout error.
func (v *Vehicle) waitForUploadAck(ctx context.Context) (bool, error) {
	const maxIterations = 50
	for i := 0; i < maxIterations; i++ {
		if v.cancel.Cancelled() {
			return false, obderr.New(obderr.Cancelled, "upload ack wait cancelled")
		}
		f, ok, err := v.port.Receive(ctx)
		if err != nil {
			return false, obderr.Wrap(obderr.Error, "receiving upload ack", err)
		}
		if !ok {
			_ = v.notifier.ForceNotify(ctx)
			continue
		}
		if err := protocol.ParseUploadAck(f); err == nil {
			return true, nil
		} else if obderr.Is(err, obderr.Refused) {
			continue // common background noise during a chunked upload
		}
	}
	return false, nil
}

// pcmExecute uploads payload to info's load address and executes it:
// request permission, split into packets, send highest-address-first, and
// wait for each to be acknowledged. clampForLoader respects a loader's
// small receive buffer when the payload being sent is the kernel itself,
// running under a previously-uploaded loader.
func (v *Vehicle) pcmExecute(ctx context.Context, info pcminfo.Info, payload []byte, clampForLoader bool) error {
	loadAddress := info.LoadAddress()

	if err := v.requestUploadPermission(ctx, info, len(payload), loadAddress); err != nil {
		return obderr.Wrap(obderr.Error, "requesting upload permission", err)
	}

	packetSize := v.port.Capabilities().MaxKernelSendSize - headerAndChecksumOverhead
	if clampForLoader && packetSize > loaderClampedPacketSize {
		packetSize = loaderClampedPacketSize
	}

	packets := planUploadPackets(loadAddress, payload, packetSize)
	for _, p := range packets {
		if v.cancel.Cancelled() {
			return obderr.New(obderr.Cancelled, "kernel upload cancelled")
		}
		if err := v.writePacket(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// UploadKernel uploads the loader (if the PCM variant requires one) and
// then the kernel, verifying the kernel reports a liveness version != 0.
// It returns the PcmInfo with LoaderRequired cleared once a loader has
// run, so subsequent kernel uploads target the kernel base address
// directly.
func (v *Vehicle) UploadKernel(ctx context.Context, info pcminfo.Info, loader, kernel []byte) (pcminfo.Info, error) {
	if _, err := v.setTimeout(device.TimeoutSendKernel); err != nil {
		return info, obderr.Wrap(obderr.Error, "setting timeout", err)
	}

	usedLoader := info.LoaderRequired
	if usedLoader {
		v.observer.UpdateActivity("uploading loader")
		if err := v.pcmExecute(ctx, info, loader, false); err != nil {
			return info, obderr.Wrap(obderr.Error, "uploading loader", err)
		}
		info = info.WithoutLoader()
	}

	v.observer.UpdateActivity("uploading kernel")
	if err := v.pcmExecute(ctx, info, kernel, usedLoader); err != nil {
		return info, obderr.Wrap(obderr.Error, "uploading kernel", err)
	}

	if info.KernelVersionSupport {
		version, err := v.queryKernelVersion(ctx)
		if err != nil {
			return info, obderr.Wrap(obderr.Error, "querying kernel version", err)
		}
		if version == 0 {
			return info, obderr.New(obderr.Error, "kernel never started: version query returned 0")
		}
		v.observer.AddDebugMessage(kernelVersionDebugMessage(version))
	}

	return info, nil
}

func (v *Vehicle) queryKernelVersion(ctx context.Context) (uint32, error) {
	e := v.engine("kernel_version")
	version, err := query.Query(ctx, e,
		protocol.BuildKernelVersionQuery,
		func(f frame.Frame) ([4]byte, error) { return protocol.ParseKernelVersionResponse(f) },
	)
	if err != nil {
		return 0, err
	}
	return uint32(version[0])<<24 | uint32(version[1])<<16 | uint32(version[2])<<8 | uint32(version[3]), nil
}

func kernelVersionDebugMessage(version uint32) string {
	return fmt.Sprintf("kernel version 0x%08X", version)
}
