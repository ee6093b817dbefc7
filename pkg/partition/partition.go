package partition

import (
	"context"
	"os"
	"os/exec"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/clackslat/loop-lab/pkg/loopdev"
)

const (
	sectorSize = 512

	// First usable sector behind the primary GPT.
	dataStart = 2048

	// Sectors reserved for the secondary GPT at the end of the disk.
	secondaryGPT = 33

	// MinESPSize is the smallest EFI system partition the layout allows.
	MinESPSize = 512 * 1024 * 1024
)

// Spec describes the disk layout of one image.
type Spec struct {
	ImagePath string
	Size      int64
	ESPSize   int64
}

// Loops is the part of the loop device manager the stage needs.
type Loops interface {
	Acquire(ctx context.Context, imagePath string) (*loopdev.Binding, error)
	WaitPartitions(ctx context.Context, binding *loopdev.Binding) error
}

// Prepare turns an empty path into a partitioned, formatted image attached
// to a loop device. Each step is a hard precondition for the next: allocate
// the sparse file, attach it, write a fresh GPT, wait for the partition
// nodes, format both partitions. Any failure aborts the build for this
// architecture and the binding is returned only on full success, so a
// half-initialized image is never treated as valid.
func Prepare(ctx context.Context, loops Loops, spec Spec) (*loopdev.Binding, error) {
	if err := Allocate(spec.ImagePath, spec.Size); err != nil {
		return nil, err
	}

	binding, err := loops.Acquire(ctx, spec.ImagePath)
	if err != nil {
		return nil, err
	}

	if err := func() error {
		if err := WriteTable(ctx, binding.Device(), spec.ESPSize); err != nil {
			return err
		}
		if err := loops.WaitPartitions(ctx, binding); err != nil {
			return err
		}
		return Format(ctx, binding.Partition(1), binding.Partition(2))
	}(); err != nil {
		binding.Release(ctx)
		return nil, err
	}

	return binding, nil
}

// Allocate creates the sparse backing file. Allocation never writes the full
// size, so large images allocate in roughly constant time.
func Allocate(imagePath string, size int64) error {
	if size <= 0 {
		return errors.Errorf("invalid image size: %d", size)
	}
	f, err := os.OpenFile(imagePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	return errors.WithStack(f.Truncate(size))
}

// WriteTable wipes whatever partition table the target carries and writes a
// fresh GPT: partition 1 is the EFI system partition labeled EFI, partition
// 2 spans the remainder as a Linux filesystem labeled root.
func WriteTable(ctx context.Context, target string, espSize int64) error {
	if espSize < MinESPSize {
		return errors.Errorf("ESP size %d below the required %d", espSize, int64(MinESPSize))
	}

	d, err := diskfs.Open(target)
	if err != nil {
		return errors.WithStack(err)
	}
	defer d.Close()

	total := uint64(d.Size) / sectorSize
	espStart := uint64(dataStart)
	espEnd := espStart + uint64(espSize)/sectorSize - 1
	rootStart := espEnd + 1
	rootEnd := total - secondaryGPT - 1
	if rootStart >= rootEnd {
		return errors.Errorf("%s too small: %d bytes leave no room for the root partition", target, d.Size)
	}

	logger.Get(ctx).Info("Writing GPT",
		zap.String("target", target),
		zap.Uint64("espSectors", espEnd-espStart+1),
		zap.Uint64("rootSectors", rootEnd-rootStart+1))

	return errors.WithStack(d.Partition(&gpt.Table{
		ProtectiveMBR:      true,
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
		Partitions: []*gpt.Partition{
			{Start: espStart, End: espEnd, Type: gpt.EFISystemPartition, Name: "EFI"},
			{Start: rootStart, End: rootEnd, Type: gpt.LinuxFilesystem, Name: "root"},
		},
	}))
}

// Format creates the FAT32 filesystem on the ESP and ext4 on the root
// partition.
func Format(ctx context.Context, espDevice, rootDevice string) error {
	logger.Get(ctx).Info("Formatting partitions",
		zap.String("esp", espDevice), zap.String("root", rootDevice))

	cmdESP := exec.Command("mkfs.vfat", "-F", "32", "-n", "EFI", espDevice)
	cmdRoot := exec.Command("mkfs.ext4", "-q", "-F", "-L", "root", rootDevice)
	return errors.WithStack(libexec.Exec(ctx, cmdESP, cmdRoot))
}

// ReadTable reads the partition table back from the image.
func ReadTable(imagePath string) (*gpt.Table, error) {
	d, err := diskfs.Open(imagePath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return nil, errors.Errorf("image %s does not carry a GPT", imagePath)
	}
	return gptTable, nil
}

// Used returns the non-empty entries of the table.
func Used(table *gpt.Table) []*gpt.Partition {
	parts := make([]*gpt.Partition, 0, 2)
	for _, p := range table.Partitions {
		if p == nil || p.Type == gpt.Unused {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}
