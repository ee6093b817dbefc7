package looplab

import (
	"time"

	"github.com/pkg/errors"
)

// ErrUnknownArch is returned when a build target references an architecture
// outside the supported set.
var ErrUnknownArch = errors.New("unknown architecture")

var archInfos = map[Arch]ArchInfo{
	ArchX64: {
		BootID:        "X64",
		Console:       "ttyS0",
		EarlyConsole:  "uart8250,io,0x3f8,115200",
		GrubPackage:   "grub-efi-amd64-signed",
		KernelPackage: "linux-image-generic",
	},
	ArchAArch64: {
		BootID:        "AA64",
		Console:       "ttyAMA0",
		EarlyConsole:  "pl011,0x9000000",
		GrubPackage:   "grub-efi-arm64",
		KernelPackage: "linux-image-generic",
		KernelGzipped: true,
	},
}

// ArchInfoFor resolves metadata of an architecture. Unknown architectures are
// an error, never a silent default.
func ArchInfoFor(arch Arch) (ArchInfo, error) {
	info, exists := archInfos[arch]
	if !exists {
		return ArchInfo{}, errors.Wrapf(ErrUnknownArch, "%q", arch)
	}
	return info, nil
}

// NewBuildTarget constructs a build target, resolving architecture metadata
// up front so the pipeline never dispatches on an unknown architecture.
func NewBuildTarget(arch Arch, imagePath string, imageSize int64, rootfsPath, shellPath string) (BuildTarget, error) {
	info, err := ArchInfoFor(arch)
	if err != nil {
		return BuildTarget{}, err
	}
	if imagePath == "" {
		return BuildTarget{}, errors.New("image path is required")
	}
	if imageSize <= 0 {
		return BuildTarget{}, errors.Errorf("invalid image size: %d", imageSize)
	}
	return BuildTarget{
		Arch:       arch,
		Info:       info,
		ImagePath:  imagePath,
		ImageSize:  imageSize,
		RootfsPath: rootfsPath,
		ShellPath:  shellPath,
	}, nil
}

// Config is the pipeline configuration shared by all build targets.
type Config struct {
	// ForceSerial runs architectures one after another. Set by the caller in
	// CI environments for predictable resource consumption; the pipeline
	// never probes the environment itself.
	ForceSerial bool

	// InstallISCSI installs and configures the iSCSI initiator stack inside
	// the image.
	InstallISCSI bool

	// ESPSize is the size of the EFI system partition.
	ESPSize int64

	// PartitionWait bounds how long to wait for partition device nodes to
	// appear after loop attachment. Environment-dependent tuning value.
	PartitionWait time.Duration

	// PollInterval is the step between partition node checks.
	PollInterval time.Duration

	// CacheDir enables the content-addressed cache of configured root trees
	// when non-empty.
	CacheDir string

	// User and Password define the maintenance account created in the image.
	User     string
	Password string
}

// DefaultConfig returns the configuration used by the standard build.
func DefaultConfig() Config {
	return Config{
		InstallISCSI:  true,
		ESPSize:       512 * 1024 * 1024,
		PartitionWait: 3 * time.Second,
		PollInterval:  100 * time.Millisecond,
		User:          "maint",
		Password:      "maint",
	}
}
