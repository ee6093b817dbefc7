package blkid

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/outofforest/libexec"
	"github.com/pkg/errors"
)

// Swapped in tests.
var execCmds = libexec.Exec

// UUID returns the filesystem UUID reported by blkid for the device. The
// value is read back from filesystem metadata, never invented, so fstab and
// the kernel command line match what the kernel enumerates at boot.
func UUID(ctx context.Context, device string) (string, error) {
	out := &bytes.Buffer{}
	cmd := exec.Command("blkid", "-s", "UUID", "-o", "value", device)
	cmd.Stdout = out
	if err := execCmds(ctx, cmd); err != nil {
		return "", errors.Wrapf(err, "reading filesystem uuid of %s", device)
	}

	id := strings.TrimSpace(out.String())
	if id == "" {
		return "", errors.Errorf("no filesystem uuid reported for %s", device)
	}
	return id, nil
}
