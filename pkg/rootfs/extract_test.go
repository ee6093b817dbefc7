package rootfs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/clackslat/loop-lab/pkg/test"
)

type tarEntry struct {
	header  tar.Header
	content string
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		e.header.Size = int64(len(e.content))
		e.header.Uid = os.Getuid()
		e.header.Gid = os.Getgid()
		require.NoError(t, tw.WriteHeader(&e.header))
		_, err := io.WriteString(tw, e.content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func sampleEntries() []tarEntry {
	return []tarEntry{
		{header: tar.Header{Name: "etc", Typeflag: tar.TypeDir, Mode: 0o750}},
		{header: tar.Header{Name: "etc/motd", Typeflag: tar.TypeReg, Mode: 0o640}, content: "welcome\n"},
		{header: tar.Header{Name: "etc/mtab", Typeflag: tar.TypeSymlink, Mode: 0o777, Linkname: "/proc/self/mounts"}},
	}
}

func writeArchive(t *testing.T, data []byte, compress func(io.Writer) io.WriteCloser) string {
	path := filepath.Join(t.TempDir(), "rootfs.tar")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	if compress == nil {
		_, err = f.Write(data)
		require.NoError(t, err)
		return path
	}
	w := compress(f)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return path
}

func assertExtracted(t *testing.T, dir string) {
	info, err := os.Stat(filepath.Join(dir, "etc"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, "etc", "motd"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	content, err := os.ReadFile(filepath.Join(dir, "etc", "motd"))
	require.NoError(t, err)
	require.Equal(t, "welcome\n", string(content))

	target, err := os.Readlink(filepath.Join(dir, "etc", "mtab"))
	require.NoError(t, err)
	require.Equal(t, "/proc/self/mounts", target)
}

func TestExtractPlainTar(t *testing.T) {
	ctx := test.Context(t)
	path := writeArchive(t, buildTar(t, sampleEntries()), nil)

	dir := t.TempDir()
	require.NoError(t, Extract(ctx, path, dir))
	assertExtracted(t, dir)
}

func TestExtractGzip(t *testing.T) {
	ctx := test.Context(t)
	path := writeArchive(t, buildTar(t, sampleEntries()), func(w io.Writer) io.WriteCloser {
		return gzip.NewWriter(w)
	})

	dir := t.TempDir()
	require.NoError(t, Extract(ctx, path, dir))
	assertExtracted(t, dir)
}

func TestExtractXZ(t *testing.T) {
	ctx := test.Context(t)
	path := writeArchive(t, buildTar(t, sampleEntries()), func(w io.Writer) io.WriteCloser {
		xw, err := xz.NewWriter(w)
		require.NoError(t, err)
		return xw
	})

	dir := t.TempDir()
	require.NoError(t, Extract(ctx, path, dir))
	assertExtracted(t, dir)
}

func TestExtractPreservesSpecialModeBits(t *testing.T) {
	ctx := test.Context(t)
	entries := []tarEntry{
		{header: tar.Header{Name: "tmp", Typeflag: tar.TypeDir, Mode: 0o1777}},
		{header: tar.Header{Name: "usr", Typeflag: tar.TypeDir, Mode: 0o755}},
		{header: tar.Header{Name: "usr/bin", Typeflag: tar.TypeDir, Mode: 0o755}},
		{header: tar.Header{Name: "usr/bin/sudo", Typeflag: tar.TypeReg, Mode: 0o4755}, content: "ELF"},
		{header: tar.Header{Name: "usr/bin/wall", Typeflag: tar.TypeReg, Mode: 0o2755}, content: "ELF"},
	}
	path := writeArchive(t, buildTar(t, entries), nil)

	dir := t.TempDir()
	require.NoError(t, Extract(ctx, path, dir))

	info, err := os.Stat(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&os.ModeSticky)
	require.Equal(t, os.FileMode(0o777), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, "usr", "bin", "sudo"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&os.ModeSetuid)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, "usr", "bin", "wall"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&os.ModeSetgid)
}

func TestExtractPreservesHardLinks(t *testing.T) {
	ctx := test.Context(t)
	entries := append(sampleEntries(),
		tarEntry{header: tar.Header{Name: "etc/motd.bak", Typeflag: tar.TypeLink, Mode: 0o640, Linkname: "etc/motd"}})
	path := writeArchive(t, buildTar(t, entries), nil)

	dir := t.TempDir()
	require.NoError(t, Extract(ctx, path, dir))

	a, err := os.Stat(filepath.Join(dir, "etc", "motd"))
	require.NoError(t, err)
	b, err := os.Stat(filepath.Join(dir, "etc", "motd.bak"))
	require.NoError(t, err)
	require.True(t, os.SameFile(a, b))
}

func TestExtractRejectsEscapingEntry(t *testing.T) {
	ctx := test.Context(t)
	entries := []tarEntry{
		{header: tar.Header{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0o644}, content: "nope"},
	}
	path := writeArchive(t, buildTar(t, entries), nil)

	dir := t.TempDir()
	err := Extract(ctx, path, dir)
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(filepath.Dir(dir), "evil"))
}
