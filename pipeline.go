package looplab

import (
	"context"
	"os"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/clackslat/loop-lab/pkg/bootstage"
	"github.com/clackslat/loop-lab/pkg/loopdev"
	"github.com/clackslat/loop-lab/pkg/mount"
	"github.com/clackslat/loop-lab/pkg/partition"
	"github.com/clackslat/loop-lab/pkg/rootfs"
)

// pipeline assembles one architecture's image. Stages run in strict order;
// each stage's outputs are hard prerequisites for the next.
type pipeline struct {
	config Config
	target BuildTarget
	loops  *loopdev.Manager
}

func newPipeline(config Config, target BuildTarget) *pipeline {
	return &pipeline{
		config: config,
		target: target,
		loops: loopdev.NewManager(loopdev.Config{
			PartitionWait: config.PartitionWait,
			PollInterval:  config.PollInterval,
		}),
	}
}

func (p *pipeline) run(ctx context.Context) error {
	log := logger.Get(ctx)

	// A previous build of the same image terminated mid-flight may have left
	// its loop device attached. The sweep is scoped to this image path only.
	if err := p.loops.DetachStale(ctx, p.target.ImagePath); err != nil {
		return err
	}

	log.Info("Partitioning image",
		zap.String("image", p.target.ImagePath),
		zap.Int64("size", p.target.ImageSize))
	binding, err := partition.Prepare(ctx, p.loops, partition.Spec{
		ImagePath: p.target.ImagePath,
		Size:      p.target.ImageSize,
		ESPSize:   p.config.ESPSize,
	})
	if err != nil {
		return err
	}
	defer binding.Release(ctx)

	workDir, err := os.MkdirTemp("", "looplab-"+string(p.target.Arch)+"-")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	// Mounts stack up under the work dir and are torn down in reverse order
	// before the loop binding is released.
	mounts := mount.NewStack()
	defer mounts.Teardown(ctx)

	log.Info("Importing root filesystem", zap.String("source", p.target.RootfsPath))
	tree, err := rootfs.Import(ctx, mounts, rootfs.ImportConfig{
		RootDevice:    binding.Partition(2),
		ESPDevice:     binding.Partition(1),
		WorkDir:       workDir,
		SourcePath:    p.target.RootfsPath,
		Console:       p.target.Info.Console,
		GrubPackage:   p.target.Info.GrubPackage,
		KernelPackage: p.target.Info.KernelPackage,
		InstallISCSI:  p.config.InstallISCSI,
		User:          p.config.User,
		Password:      p.config.Password,
		CacheDir:      p.config.CacheDir,
	})
	if err != nil {
		return err
	}

	log.Info("Staging boot assets", zap.String("bootID", p.target.Info.BootID))
	return bootstage.Stage(ctx, bootstage.Config{
		TreeDir:       tree.Dir,
		BootID:        p.target.Info.BootID,
		Console:       p.target.Info.Console,
		EarlyConsole:  p.target.Info.EarlyConsole,
		KernelGzipped: p.target.Info.KernelGzipped,
		ShellPath:     p.target.ShellPath,
		RootUUID:      tree.RootUUID,
	})
}
