package rootfs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/clackslat/loop-lab/pkg/chroot"
)

// Kernel modules appended to the initramfs list so an iSCSI root is
// reachable before the real root is mounted: the transport itself plus the
// common virtual and physical NIC drivers.
var initramfsModules = []string{
	"iscsi_tcp",
	"libiscsi",
	"scsi_transport_iscsi",
	"virtio_net",
	"e1000",
	"e1000e",
	"igb",
}

// ConfigureSpec describes the system configuration applied inside the
// guest tree.
type ConfigureSpec struct {
	Console       string
	GrubPackage   string
	KernelPackage string
	InstallISCSI  bool
	User          string
	Password      string
}

// Packages returns the package set installed into the image, in stable
// order. The set participates in the tree cache key.
func (s ConfigureSpec) Packages() []string {
	packages := []string{s.GrubPackage, s.KernelPackage, "openssh-server", "sudo"}
	if s.InstallISCSI {
		packages = append(packages, "open-iscsi")
	}
	return packages
}

// Configure runs the system configuration transaction inside the guest
// tree: package installation, maintenance account, console auto-login, SSH
// and iSCSI setup, initramfs regeneration. The pseudo-filesystems must
// already be bound; any package failure is fatal for this architecture's
// build and teardown is the caller's mount stack's job.
func Configure(ctx context.Context, dir string, spec ConfigureSpec) error {
	log := logger.Get(ctx)

	log.Info("Installing packages", zap.Strings("packages", spec.Packages()))
	install := append([]string{"install", "-y", "--no-install-recommends"}, spec.Packages()...)
	if err := libexec.Exec(ctx,
		chroot.Command(dir, "apt-get", "update"),
		chroot.Command(dir, "apt-get", install...),
	); err != nil {
		return errors.Wrap(err, "package installation failed")
	}

	log.Info("Creating maintenance account", zap.String("user", spec.User))
	if err := libexec.Exec(ctx,
		chroot.Command(dir, "useradd", "-m", "-s", "/bin/bash", "-G", "sudo", spec.User),
		chpasswdCommand(dir, spec.User, spec.Password),
	); err != nil {
		return errors.Wrap(err, "account setup failed")
	}

	if err := writeGuestConfig(dir, spec); err != nil {
		return err
	}
	if spec.InstallISCSI {
		if err := setNodeStartupAutomatic(dir); err != nil {
			return err
		}
	}

	services := []string{"ssh"}
	if spec.InstallISCSI {
		services = append(services, "iscsid", "open-iscsi")
	}
	log.Info("Enabling services", zap.Strings("services", services))
	if err := libexec.Exec(ctx,
		chroot.Command(dir, "systemctl", append([]string{"enable"}, services...)...),
	); err != nil {
		return errors.Wrap(err, "enabling services failed")
	}

	log.Info("Regenerating initramfs")
	if err := libexec.Exec(ctx, chroot.Command(dir, "update-initramfs", "-u", "-k", "all")); err != nil {
		return errors.Wrap(err, "initramfs regeneration failed")
	}
	return nil
}

// chpasswdCommand hands the credential pair to chpasswd on stdin, so the
// password never passes through a shell and may contain any character.
func chpasswdCommand(dir, user, password string) *exec.Cmd {
	cmd := chroot.Command(dir, "chpasswd")
	cmd.Stdin = strings.NewReader(user + ":" + password + "\n")
	return cmd
}

// writeGuestConfig writes the configuration files of the transaction that
// need no chrooted process: SSH policy, console auto-login units, the
// generated iSCSI initiator name and the initramfs module list.
func writeGuestConfig(dir string, spec ConfigureSpec) error {
	files := map[string]guestFile{
		"etc/ssh/sshd_config.d/60-image-access.conf": {
			mode: 0o644,
			content: "PasswordAuthentication yes\n" +
				"PermitRootLogin yes\n",
		},
		"etc/systemd/system/getty@tty1.service.d/override.conf": {
			mode:    0o644,
			content: autologinUnit("--noclear"),
		},
		"etc/systemd/system/serial-getty@" + spec.Console + ".service.d/override.conf": {
			mode:    0o644,
			content: autologinUnit("--keep-baud 115200,57600,38400,9600"),
		},
	}

	if spec.InstallISCSI {
		files["etc/iscsi/initiatorname.iscsi"] = guestFile{
			mode:    0o600,
			content: "InitiatorName=" + InitiatorName() + "\n",
		}
		// Marker consumed by the initramfs hooks of open-iscsi; its presence
		// pulls the userspace tools into the generated image.
		files["etc/iscsi/iscsi.initramfs"] = guestFile{
			mode:    0o644,
			content: "ISCSI_AUTO=true\n",
		}
		files["etc/initramfs-tools/modules"] = guestFile{
			mode:       0o644,
			appendMode: true,
			content:    strings.Join(initramfsModules, "\n") + "\n",
		}
	}

	for path, f := range files {
		if err := writeGuestFile(dir, path, f); err != nil {
			return err
		}
	}
	return nil
}

type guestFile struct {
	mode       os.FileMode
	content    string
	appendMode bool
}

func writeGuestFile(dir, relPath string, f guestFile) error {
	path := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if f.appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	out, err := os.OpenFile(path, flags, f.mode)
	if err != nil {
		return errors.WithStack(err)
	}
	defer out.Close()

	_, err = out.WriteString(f.content)
	return errors.WithStack(err)
}

func autologinUnit(gettyFlags string) string {
	return "[Service]\n" +
		"ExecStart=\n" +
		"ExecStart=-/sbin/agetty --autologin root " + gettyFlags + " %I $TERM\n"
}

// InitiatorName generates a unique iSCSI initiator IQN.
func InitiatorName() string {
	return "iqn.2004-10.com.ubuntu:01:" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// setNodeStartupAutomatic switches discovered iSCSI nodes to automatic
// login, so a network-booted system reattaches its LUN without manual
// intervention.
func setNodeStartupAutomatic(dir string) error {
	path := filepath.Join(dir, "etc", "iscsi", "iscsid.conf")
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}

	content := strings.ReplaceAll(string(data),
		"node.startup = manual",
		"node.startup = automatic")
	return errors.WithStack(os.WriteFile(path, []byte(content), 0o600))
}
