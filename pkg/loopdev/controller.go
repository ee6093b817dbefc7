package loopdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const loopControl = "/dev/loop-control"

// controller is the kernel loop driver interface. The seam exists so the
// lifecycle discipline is testable without block device access.
type controller interface {
	GetFree() (string, error)
	Attach(device, imagePath string) error
	Rescan(device string) error
	Detach(device string) error
	BackingFile(device string) (string, error)
	Devices() ([]string, error)
	Exists(path string) (bool, error)
}

type kernelController struct{}

func (kernelController) GetFree() (string, error) {
	ctl, err := os.OpenFile(loopControl, os.O_RDWR, 0)
	if err != nil {
		return "", errors.Wrapf(ErrNoFreeDevice, "opening %s: %s", loopControl, err)
	}
	defer ctl.Close()

	index, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", errors.Wrapf(ErrNoFreeDevice, "LOOP_CTL_GET_FREE: %s", err)
	}
	return fmt.Sprintf("/dev/loop%d", index), nil
}

func (kernelController) Attach(device, imagePath string) error {
	img, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return errors.WithStack(err)
	}
	defer img.Close()

	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return errors.WithStack(err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		return errors.Wrapf(err, "attaching %s to %s", imagePath, device)
	}

	info := unix.LoopInfo64{Flags: unix.LO_FLAGS_PARTSCAN}
	copy(info.File_name[:], imagePath)
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		return errors.Wrapf(err, "enabling partition scan on %s", device)
	}
	return nil
}

func (kernelController) Rescan(device string) error {
	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return errors.WithStack(err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.BLKRRPART, 0); err != nil {
		return errors.Wrapf(err, "rereading partition table of %s", device)
	}
	return nil
}

func (kernelController) Detach(device string) error {
	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		// Removed externally, release already happened.
		return nil
	default:
		return errors.WithStack(err)
	}
	defer dev.Close()

	err = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
	switch {
	case err == nil, errors.Is(err, unix.ENXIO):
		// ENXIO: no backing file bound, nothing to detach.
		return nil
	default:
		return errors.Wrapf(err, "detaching %s", device)
	}
}

func (kernelController) BackingFile(device string) (string, error) {
	data, err := os.ReadFile(filepath.Join("/sys/block", filepath.Base(device), "loop", "backing_file"))
	switch {
	case err == nil:
		return parseBackingFile(string(data)), nil
	case os.IsNotExist(err):
		return "", nil
	default:
		return "", errors.WithStack(err)
	}
}

// parseBackingFile normalizes the sysfs backing_file value. A backing image
// removed from the filesystem is reported as "<path> (deleted)", and those
// devices are precisely the stale ones the sweep must still match.
func parseBackingFile(data string) string {
	return strings.TrimSuffix(strings.TrimSpace(data), " (deleted)")
}

func (kernelController) Devices() ([]string, error) {
	entries, err := filepath.Glob("/sys/block/loop*")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	devices := make([]string, 0, len(entries))
	for _, entry := range entries {
		devices = append(devices, "/dev/"+filepath.Base(entry))
	}
	return devices, nil
}

func (kernelController) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.WithStack(err)
	}
}
