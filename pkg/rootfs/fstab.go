package rootfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFstab writes the guest's fstab referencing both partitions by
// filesystem UUID, so the image boots regardless of the device name the
// firmware or kernel assigns to the disk.
func WriteFstab(dir, rootUUID, espUUID string) error {
	content := fmt.Sprintf(
		"UUID=%s / ext4 errors=remount-ro 0 1\n"+
			"UUID=%s /boot/efi vfat umask=0077 0 2\n",
		rootUUID, espUUID)
	return errors.WithStack(os.WriteFile(filepath.Join(dir, "etc", "fstab"), []byte(content), 0o644))
}
