package blkid

import (
	"context"
	"os/exec"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/clackslat/loop-lab/pkg/test"
)

func withExec(t *testing.T, fn func(ctx context.Context, cmds ...*exec.Cmd) error) {
	orig := execCmds
	execCmds = fn
	t.Cleanup(func() { execCmds = orig })
}

func TestUUID(t *testing.T) {
	ctx := test.Context(t)
	withExec(t, func(_ context.Context, cmds ...*exec.Cmd) error {
		require.Len(t, cmds, 1)
		require.Equal(t, []string{"blkid", "-s", "UUID", "-o", "value", "/dev/loop0p2"}, cmds[0].Args)
		_, err := cmds[0].Stdout.Write([]byte("2f3a9b1c-7c31-4b8e-9a60-1f6e2c4d5a01\n"))
		return err
	})

	id, err := UUID(ctx, "/dev/loop0p2")
	require.NoError(t, err)
	require.Equal(t, "2f3a9b1c-7c31-4b8e-9a60-1f6e2c4d5a01", id)
}

func TestUUIDEmptyOutput(t *testing.T) {
	ctx := test.Context(t)
	withExec(t, func(context.Context, ...*exec.Cmd) error {
		return nil
	})

	_, err := UUID(ctx, "/dev/loop0p2")
	require.Error(t, err)
}

func TestUUIDSubprocessFailure(t *testing.T) {
	ctx := test.Context(t)
	withExec(t, func(context.Context, ...*exec.Cmd) error {
		return errors.New("exit status 2")
	})

	_, err := UUID(ctx, "/dev/loop0p2")
	require.Error(t, err)
}
