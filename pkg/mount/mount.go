package mount

import (
	"context"
	"os"
	"path/filepath"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Pseudo-filesystems bound into the guest tree so chrooted processes get
// device and proc access.
var pseudoDirs = []string{"proc", "sys", "dev", "dev/pts"}

// sysOps abstracts the mount syscalls so the stack discipline is testable
// without privileges.
type sysOps interface {
	mount(source, target, fstype string, flags uintptr, data string) error
	unmount(target string, flags int) error
}

type kernelOps struct{}

func (kernelOps) mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (kernelOps) unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// Stack is an ordered stack of mount points. Mounts nest (root, then ESP
// under it, then pseudo-filesystems), so teardown order is the exact
// reverse of setup order.
type Stack struct {
	sys    sysOps
	mounts []string
}

// NewStack returns an empty mount stack.
func NewStack() *Stack {
	return newStack(kernelOps{})
}

func newStack(sys sysOps) *Stack {
	return &Stack{sys: sys}
}

// Mount mounts the device at dir with the given filesystem type, creating
// dir if needed, and pushes the mount point onto the stack.
func (s *Stack) Mount(device, dir, fstype string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	if err := s.sys.mount(device, dir, fstype, 0, ""); err != nil {
		return errors.Wrapf(err, "mounting %s at %s", device, dir)
	}
	s.mounts = append(s.mounts, dir)
	return nil
}

// Bind bind-mounts src at dir and pushes the mount point onto the stack.
func (s *Stack) Bind(src, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	if err := s.sys.mount(src, dir, "", unix.MS_BIND, ""); err != nil {
		return errors.Wrapf(err, "binding %s at %s", src, dir)
	}
	s.mounts = append(s.mounts, dir)
	return nil
}

// PseudoFS binds /proc, /sys, /dev and /dev/pts into the guest tree rooted
// at root, in that order.
func (s *Stack) PseudoFS(root string) error {
	for _, dir := range pseudoDirs {
		if err := s.Bind("/"+dir, filepath.Join(root, dir)); err != nil {
			return err
		}
	}
	return nil
}

// Teardown unmounts every mount point in reverse acquisition order. It is
// idempotent and never escalates failures: a target already unmounted counts
// as released, busy mounts fall back to lazy unmount, anything else is
// logged and skipped so the remaining mounts still get released.
func (s *Stack) Teardown(ctx context.Context) {
	log := logger.Get(ctx)
	for i := len(s.mounts) - 1; i >= 0; i-- {
		dir := s.mounts[i]
		err := s.sys.unmount(dir, 0)
		switch {
		case err == nil:
			log.Info("Unmounted", zap.String("dir", dir))
		case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
			// Already gone.
		case errors.Is(err, unix.EBUSY):
			if err := s.sys.unmount(dir, unix.MNT_DETACH); err != nil {
				log.Error("Lazy unmount failed", zap.String("dir", dir), zap.Error(err))
			} else {
				log.Info("Unmounted lazily", zap.String("dir", dir))
			}
		default:
			log.Error("Unmount failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	s.mounts = nil
}
