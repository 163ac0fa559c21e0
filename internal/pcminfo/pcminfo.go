// Package pcminfo describes the static, per-variant metadata the kernel
// orchestration and bulk-read flows need: where to load a kernel or loader,
// how big the flash image is, and which optional kernel features a variant
// supports.
package pcminfo

// HardwareType enumerates the PCM variants the core recognizes.
type HardwareType string

const (
	HardwareP01P59 HardwareType = "P01_P59"
	HardwareP10    HardwareType = "P10"
	HardwareP12    HardwareType = "P12"
	HardwareP04    HardwareType = "P04"
	HardwareP59    HardwareType = "P59"
	HardwareUnknown HardwareType = "UNKNOWN"
)

// Info is a static description of a PCM variant.
type Info struct {
	HardwareType HardwareType

	KernelBaseAddress uint32
	LoaderRequired    bool
	LoaderBaseAddress uint32

	ImageSize uint32 // flash image byte count

	FlashIDSupport      bool
	FlashCRCSupport     bool
	KernelMaxBlockSize  int
	KernelVersionSupport bool
}

// WithoutLoader returns a copy of info with LoaderRequired cleared, used
// once a loader has finished relocating the real kernel so that subsequent
// kernel uploads target KernelBaseAddress directly.
func (info Info) WithoutLoader() Info {
	info.LoaderRequired = false
	return info
}

// LoadAddress returns the address the next upload should target: the
// loader's base address if a loader is still required, else the kernel's.
func (info Info) LoadAddress() uint32 {
	if info.LoaderRequired {
		return info.LoaderBaseAddress
	}
	return info.KernelBaseAddress
}

// Known variants. Addresses and sizes are representative of the hardware
// families this core recognizes; a deployment extends this table or looks
// variants up from a persisted profile document instead.
var (
	P01P59 = Info{
		HardwareType:         HardwareP01P59,
		KernelBaseAddress:    0xFF8000,
		LoaderRequired:       false,
		ImageSize:            1024 * 1024,
		FlashIDSupport:       true,
		FlashCRCSupport:      true,
		KernelMaxBlockSize:   4080,
		KernelVersionSupport: true,
	}

	P10 = Info{
		HardwareType:         HardwareP10,
		KernelBaseAddress:    0xFF8000,
		LoaderRequired:       true,
		LoaderBaseAddress:    0xFFC000,
		ImageSize:            512 * 1024,
		FlashIDSupport:       true,
		FlashCRCSupport:      true,
		KernelMaxBlockSize:   2040,
		KernelVersionSupport: true,
	}

	P12 = Info{
		HardwareType:         HardwareP12,
		KernelBaseAddress:    0xFF0000,
		LoaderRequired:       true,
		LoaderBaseAddress:    0xFFA000,
		ImageSize:            512 * 1024,
		FlashIDSupport:       false,
		FlashCRCSupport:      false,
		KernelMaxBlockSize:   2040,
		KernelVersionSupport: true,
	}
)

// RequiresShortUploadHeader reports whether the PCM upload request for this
// variant is a short header-only frame (P10/P12) rather than the
// size+address variant used by the rest of the family.
func (info Info) RequiresShortUploadHeader() bool {
	return info.HardwareType == HardwareP10 || info.HardwareType == HardwareP12
}
