package rootfs

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/clackslat/loop-lab/pkg/blkid"
	"github.com/clackslat/loop-lab/pkg/mount"
	"github.com/clackslat/loop-lab/pkg/treecache"
)

// ImportConfig describes one architecture's root filesystem import.
type ImportConfig struct {
	RootDevice    string
	ESPDevice     string
	WorkDir       string
	SourcePath    string
	Console       string
	GrubPackage   string
	KernelPackage string
	InstallISCSI  bool
	User          string
	Password      string
	CacheDir      string
}

// Tree is the mounted, fully configured guest tree left behind by Import.
// The mounts backing it belong to the caller's stack.
type Tree struct {
	Dir      string
	ESPDir   string
	RootUUID string
	ESPUUID  string
}

// Import mounts the root and ESP partitions, populates the root with the
// configured system tree and writes its fstab. The tree comes from the cache
// when a complete entry for this tarball and package set exists, otherwise it
// is extracted and configured from scratch and the result is cached for the
// next run.
func Import(ctx context.Context, mounts *mount.Stack, config ImportConfig) (*Tree, error) {
	log := logger.Get(ctx)

	dir := filepath.Join(config.WorkDir, "root")
	if err := mounts.Mount(config.RootDevice, dir, "ext4"); err != nil {
		return nil, err
	}
	espDir := filepath.Join(dir, "boot", "efi")
	if err := mounts.Mount(config.ESPDevice, espDir, "vfat"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(espDir, "EFI", "BOOT"), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}

	spec := ConfigureSpec{
		Console:       config.Console,
		GrubPackage:   config.GrubPackage,
		KernelPackage: config.KernelPackage,
		InstallISCSI:  config.InstallISCSI,
		User:          config.User,
		Password:      config.Password,
	}
	if err := populate(ctx, mounts, dir, config, spec); err != nil {
		return nil, err
	}

	rootUUID, err := blkid.UUID(ctx, config.RootDevice)
	if err != nil {
		return nil, err
	}
	espUUID, err := blkid.UUID(ctx, config.ESPDevice)
	if err != nil {
		return nil, err
	}
	log.Info("Root tree ready",
		zap.String("rootUUID", rootUUID),
		zap.String("espUUID", espUUID))

	if err := WriteFstab(dir, rootUUID, espUUID); err != nil {
		return nil, err
	}

	return &Tree{
		Dir:      dir,
		ESPDir:   espDir,
		RootUUID: rootUUID,
		ESPUUID:  espUUID,
	}, nil
}

func populate(ctx context.Context, mounts *mount.Stack, dir string, config ImportConfig, spec ConfigureSpec) error {
	log := logger.Get(ctx)

	var cache *treecache.Cache
	var key string
	if config.CacheDir != "" {
		cache = treecache.New(config.CacheDir)
		var err error
		key, err = treecache.Key(config.SourcePath, spec.Packages())
		if err != nil {
			return err
		}
		restored, err := cache.Restore(ctx, key, dir)
		if err != nil {
			return err
		}
		if restored {
			return nil
		}
	}

	log.Info("Extracting root filesystem", zap.String("source", config.SourcePath))
	if err := Extract(ctx, config.SourcePath, dir); err != nil {
		return err
	}
	if err := graftHostResolv(dir); err != nil {
		return err
	}
	if err := mounts.PseudoFS(dir); err != nil {
		return err
	}
	if err := Configure(ctx, dir, spec); err != nil {
		return err
	}
	if cache == nil {
		return nil
	}
	return cache.Store(ctx, key, dir)
}

// graftHostResolv copies the host's resolver configuration into the tree so
// package installation inside the chroot can reach the mirrors. The files
// stay in the image; the guest's own network setup overwrites them on first
// boot.
func graftHostResolv(dir string) error {
	for _, name := range []string{"/etc/resolv.conf", "/etc/hosts"} {
		if err := copyFile(name, filepath.Join(dir, name), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.WithStack(err)
	}
	// resolv.conf is typically a symlink into /run inside the tree; replace
	// it with a regular file.
	if err := os.RemoveAll(dst); err != nil {
		return errors.WithStack(err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.WithStack(err)
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return errors.WithStack(err)
}
