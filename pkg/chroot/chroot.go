package chroot

import (
	"os/exec"
	"syscall"
)

// Command builds a command executed with its filesystem root redirected into
// the guest tree, so the guest's own package manager runs against the
// guest's own files. The caller runs it like any other blocking subprocess,
// bracketed by the mount stack's lifetime.
func Command(root, name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Dir = "/"
	cmd.Env = []string{
		"HOME=/root",
		"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
		"DEBIAN_FRONTEND=noninteractive",
		"LC_ALL=C",
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: root}
	return cmd
}

// Script builds a shell invocation inside the guest tree.
func Script(root, script string) *exec.Cmd {
	return Command(root, "/bin/sh", "-c", script)
}
