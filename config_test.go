package looplab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clackslat/loop-lab/pkg/test"
)

func TestArchInfoForSupportedArchs(t *testing.T) {
	x64, err := ArchInfoFor(ArchX64)
	require.NoError(t, err)
	require.Equal(t, "X64", x64.BootID)
	require.Equal(t, "ttyS0", x64.Console)
	require.False(t, x64.KernelGzipped)

	arm, err := ArchInfoFor(ArchAArch64)
	require.NoError(t, err)
	require.Equal(t, "AA64", arm.BootID)
	require.Equal(t, "ttyAMA0", arm.Console)
	require.True(t, arm.KernelGzipped)
}

func TestArchInfoForUnknownArch(t *testing.T) {
	_, err := ArchInfoFor(Arch("riscv64"))
	require.ErrorIs(t, err, ErrUnknownArch)
}

func TestNewBuildTarget(t *testing.T) {
	target, err := NewBuildTarget(ArchX64, "out/boot.img", 4<<30, "rootfs.tar.gz", "shell.efi")
	require.NoError(t, err)
	require.Equal(t, ArchX64, target.Arch)
	require.Equal(t, "X64", target.Info.BootID)
	require.Equal(t, int64(4<<30), target.ImageSize)
}

func TestNewBuildTargetValidation(t *testing.T) {
	_, err := NewBuildTarget(Arch("mips"), "out/boot.img", 4<<30, "rootfs.tar.gz", "shell.efi")
	require.ErrorIs(t, err, ErrUnknownArch)

	_, err = NewBuildTarget(ArchX64, "", 4<<30, "rootfs.tar.gz", "shell.efi")
	require.Error(t, err)

	_, err = NewBuildTarget(ArchX64, "out/boot.img", 0, "rootfs.tar.gz", "shell.efi")
	require.Error(t, err)
}

func TestBuildRejectsEmptyTargets(t *testing.T) {
	ctx := test.Context(t)
	_, err := Build(ctx, DefaultConfig(), nil)
	require.Error(t, err)
}

func TestBuildRejectsDuplicateImagePaths(t *testing.T) {
	ctx := test.Context(t)

	a, err := NewBuildTarget(ArchX64, "out/boot.img", 4<<30, "rootfs-x64.tar.gz", "shell-x64.efi")
	require.NoError(t, err)
	b, err := NewBuildTarget(ArchAArch64, "out/boot.img", 4<<30, "rootfs-arm.tar.gz", "shell-arm.efi")
	require.NoError(t, err)

	_, err = Build(ctx, DefaultConfig(), []BuildTarget{a, b})
	require.Error(t, err)
	require.Contains(t, err.Error(), "out/boot.img")
}
