package vehicle

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/flashchip"
	"github.com/patrickmcquay/PcmHacks/internal/frame"
	"github.com/patrickmcquay/PcmHacks/internal/obderr"
	"github.com/patrickmcquay/PcmHacks/internal/pcminfo"
	"github.com/patrickmcquay/PcmHacks/internal/protocol"
	"github.com/patrickmcquay/PcmHacks/internal/query"
)

// blockReadMaxAttempts bounds retries of a single memory-read block before
// the whole read is abandoned.
const blockReadMaxAttempts = 5

// ReadImage runs the full bulk-read flow: upload the loader/kernel, read
// the image in blocks, and verify it against the flash chip's registered
// memory ranges via the kernel's CRC32 query. Cleanup always runs before
// returning, even on cancellation or a mid-read error.
func (v *Vehicle) ReadImage(ctx context.Context, info pcminfo.Info, loader, kernel []byte, useHighSpeed bool) ([]byte, error) {
	defer func() {
		cleanupCtx := context.Background()
		_ = v.Cleanup(cleanupCtx)
	}()

	if err := v.notifier.ForceNotify(ctx); err != nil {
		return nil, obderr.Wrap(obderr.Error, "announcing tool present", err)
	}

	if useHighSpeed && v.port.Capabilities().Supports4X {
		if err := v.SetVpw4x(ctx); err != nil {
			v.observer.AddUserMessage("could not switch to 4x, continuing at standard speed: " + err.Error())
		}
	}

	info, err := v.UploadKernel(ctx, info, loader, kernel)
	if err != nil {
		return nil, obderr.Wrap(obderr.Error, "uploading kernel", err)
	}

	chip := flashchip.Unknown
	if info.FlashIDSupport {
		chip, err = v.queryFlashChip(ctx)
		if err != nil {
			v.observer.AddDebugMessage("flash chip identification failed, CRC verification disabled: " + err.Error())
			chip = flashchip.Unknown
		}
	}

	if _, err := v.setTimeout(device.TimeoutReadMemoryBlock); err != nil {
		return nil, obderr.Wrap(obderr.Error, "setting timeout", err)
	}

	blockSize := v.port.Capabilities().MaxReceiveSize - headerAndChecksumOverhead
	if info.KernelMaxBlockSize > 0 && info.KernelMaxBlockSize < blockSize {
		blockSize = info.KernelMaxBlockSize
	}
	if blockSize <= 0 {
		return nil, obderr.New(obderr.Error, "device block size too small to read memory")
	}

	image := make([]byte, 0, info.ImageSize)
	start := v.clock.Now()
	totalRetries := 0

	for address := uint32(0); address < info.ImageSize; {
		if v.cancel.Cancelled() {
			return nil, obderr.New(obderr.Cancelled, "read cancelled")
		}

		remaining := info.ImageSize - address
		length := uint16(blockSize)
		if uint32(length) > remaining {
			length = uint16(remaining)
		}

		block, retries, err := v.readMemoryBlock(ctx, address, length)
		if err != nil {
			return nil, obderr.Wrap(obderr.Error, fmt.Sprintf("reading block at 0x%06X", address), err)
		}
		totalRetries += retries
		image = append(image, block...)

		address += uint32(length)
		v.reportReadProgress(address, info.ImageSize, start, totalRetries)
	}

	if chip.MemoryRanges != nil && info.FlashCRCSupport {
		if err := v.verifyImageCRC(ctx, chip, image); err != nil {
			return nil, obderr.Wrap(obderr.Error, "verifying downloaded image", err)
		}
	}

	return image, nil
}

func (v *Vehicle) reportReadProgress(done, total uint32, start time.Time, retries int) {
	if total == 0 {
		return
	}
	fraction := float64(done) / float64(total)
	elapsed := v.clock.Now().Sub(start)
	kbps := 0.0
	if elapsed > 0 {
		kbps = float64(done) / 1024 / elapsed.Seconds()
	}
	var eta time.Duration
	if fraction > 0 {
		eta = time.Duration(float64(elapsed) * (1 - fraction) / fraction)
	}
	v.observer.UpdatePercentDone(fmt.Sprintf("%.1f%%", fraction*100))
	v.observer.UpdateKbps(fmt.Sprintf("%.1f", kbps))
	v.observer.UpdateTimeRemaining(eta.Round(time.Second).String())
	v.observer.UpdateRetryCount(fmt.Sprintf("%d", retries))
	v.observer.UpdateProgressBar(fraction, false)
}

// readMemoryBlock issues one kernel memory-read request, retrying on
// checksum failures and timeouts up to blockReadMaxAttempts times.
func (v *Vehicle) readMemoryBlock(ctx context.Context, address uint32, length uint16) ([]byte, int, error) {
	e := v.engine("read_memory_block")
	var lastErr error
	for attempt := 0; attempt < blockReadMaxAttempts; attempt++ {
		if v.cancel.Cancelled() {
			return nil, attempt, obderr.New(obderr.Cancelled, "block read cancelled")
		}
		data, err := query.Query(ctx, e,
			func() []byte { return protocol.BuildKernelMemoryRead(address, length) },
			func(f frame.Frame) ([]byte, error) { return protocol.ParsePayloadResponse(f, address) },
		)
		if err == nil {
			return data, attempt, nil
		}
		lastErr = err
		if obderr.Is(err, obderr.Cancelled) {
			return nil, attempt, err
		}
	}
	return nil, blockReadMaxAttempts, lastErr
}

func (v *Vehicle) queryFlashChip(ctx context.Context) (flashchip.Chip, error) {
	e := v.engine("flash_chip_query")
	raw, err := query.Query(ctx, e,
		protocol.BuildFlashTypeQuery,
		func(f frame.Frame) ([4]byte, error) { return protocol.ParseFlashTypeResponse(f) },
	)
	if err != nil {
		return flashchip.Unknown, err
	}
	id := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	return flashchip.Lookup(id), nil
}

// verifyImageCRC queries the kernel for each registered memory range's
// CRC32 and compares it against the same range computed locally over the
// downloaded image.
func (v *Vehicle) verifyImageCRC(ctx context.Context, chip flashchip.Chip, image []byte) error {
	e := v.engine("crc_verify")
	for _, r := range chip.MemoryRanges {
		if v.cancel.Cancelled() {
			return obderr.New(obderr.Cancelled, "CRC verification cancelled")
		}
		if uint32(len(image)) < r.Address+r.Length {
			return obderr.New(obderr.Truncated, fmt.Sprintf("downloaded image too short to verify range %s", r.BlockType))
		}

		remoteCRC, err := query.Query(ctx, e,
			func() []byte { return protocol.BuildKernelCrcQuery(r.Address, r.Length) },
			func(f frame.Frame) (uint32, error) { return protocol.ParseKernelCrcResponse(f) },
		)
		if err != nil {
			return obderr.Wrap(obderr.Error, fmt.Sprintf("querying CRC for range %s", r.BlockType), err)
		}

		localCRC := crc32.ChecksumIEEE(image[r.Address : r.Address+r.Length])
		if localCRC != remoteCRC {
			return obderr.New(obderr.Error, fmt.Sprintf("CRC mismatch in range %s: kernel reports 0x%08X, downloaded image is 0x%08X", r.BlockType, remoteCRC, localCRC))
		}
	}
	return nil
}
