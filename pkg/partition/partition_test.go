package partition

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/clackslat/loop-lab/pkg/loopdev"
	"github.com/clackslat/loop-lab/pkg/test"
)

const testImageSize = 2 * 1024 * 1024 * 1024

func TestAllocateIsSparse(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, Allocate(imagePath, 10*1024*1024*1024))

	info, err := os.Stat(imagePath)
	require.NoError(t, err)
	require.EqualValues(t, 10*1024*1024*1024, info.Size())

	var st unix.Stat_t
	require.NoError(t, unix.Stat(imagePath, &st))
	// Blocks actually written stay far below the logical size.
	require.Less(t, st.Blocks*512, int64(1024*1024))
}

func TestWriteTableProducesTwoPartitions(t *testing.T) {
	ctx := test.Context(t)
	imagePath := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, Allocate(imagePath, testImageSize))
	require.NoError(t, WriteTable(ctx, imagePath, MinESPSize))

	table, err := ReadTable(imagePath)
	require.NoError(t, err)
	parts := Used(table)
	require.Len(t, parts, 2)

	esp, root := parts[0], parts[1]
	require.Equal(t, gpt.EFISystemPartition, esp.Type)
	require.GreaterOrEqual(t, (esp.End-esp.Start+1)*512, uint64(MinESPSize))
	require.Equal(t, gpt.LinuxFilesystem, root.Type)
	require.Equal(t, esp.End+1, root.Start)
	// Root spans the remainder of the device up to the secondary GPT.
	require.Greater(t, root.End, uint64(testImageSize)/512-64)
}

func TestWriteTableRejectsTinyImage(t *testing.T) {
	ctx := test.Context(t)
	imagePath := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, Allocate(imagePath, 512*1024*1024))
	require.Error(t, WriteTable(ctx, imagePath, MinESPSize))
}

func TestWriteTableRejectsSmallESP(t *testing.T) {
	ctx := test.Context(t)
	imagePath := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, Allocate(imagePath, testImageSize))
	require.Error(t, WriteTable(ctx, imagePath, 64*1024*1024))
}

type exhaustedLoops struct{}

func (exhaustedLoops) Acquire(context.Context, string) (*loopdev.Binding, error) {
	return nil, errors.Wrap(loopdev.ErrNoFreeDevice, "LOOP_CTL_GET_FREE")
}

func (exhaustedLoops) WaitPartitions(context.Context, *loopdev.Binding) error {
	return nil
}

func TestPrepareReportsLoopExhaustion(t *testing.T) {
	ctx := test.Context(t)
	imagePath := filepath.Join(t.TempDir(), "disk.img")

	binding, err := Prepare(ctx, exhaustedLoops{}, Spec{
		ImagePath: imagePath,
		Size:      testImageSize,
		ESPSize:   MinESPSize,
	})
	require.ErrorIs(t, err, loopdev.ErrNoFreeDevice)
	require.Nil(t, binding)

	// The backing file is allocated but never partitioned.
	info, err := os.Stat(imagePath)
	require.NoError(t, err)
	require.EqualValues(t, testImageSize, info.Size())
	_, err = ReadTable(imagePath)
	require.Error(t, err)
}
