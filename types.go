package looplab

import (
	"time"
)

// Arch identifies a supported target CPU architecture.
type Arch string

// Supported architectures.
const (
	ArchX64     Arch = "x64"
	ArchAArch64 Arch = "aarch64"
)

// ArchInfo is the immutable per-architecture metadata resolved once per build.
type ArchInfo struct {
	// BootID is the UEFI two-letter id, producing BOOT<ID>.EFI in the ESP.
	BootID string

	// Console is the late console device passed on the kernel command line.
	Console string

	// EarlyConsole is the earlycon= specification matching the emulated UART.
	EarlyConsole string

	// GrubPackage is the bootloader package installed inside the chroot.
	GrubPackage string

	// KernelPackage is the generic kernel metapackage.
	KernelPackage string

	// KernelGzipped reports that the installed kernel EFI stub is still
	// gzip-compressed and must be decompressed before UEFI can execute it.
	KernelGzipped bool
}

// BuildTarget describes one image build. It is immutable for the duration
// of the build.
type BuildTarget struct {
	Arch       Arch
	Info       ArchInfo
	ImagePath  string
	ImageSize  int64
	RootfsPath string
	ShellPath  string
}

// Status is the outcome of one architecture's pipeline.
type Status struct {
	Target   BuildTarget
	Err      error
	Duration time.Duration
}
