package rootfs

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Extract unpacks the rootfs archive into dir, preserving ownership and
// permissions exactly: numeric uid/gid, never name-mapped. The archive may
// be gzip- or xz-compressed; the format is sniffed from magic bytes.
func Extract(ctx context.Context, archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	r, err := decompressor(f)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		default:
			return errors.WithStack(err)
		}
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		if err := extractEntry(tr, hdr, dir); err != nil {
			return err
		}
	}
}

func decompressor(f *os.File) (io.Reader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(len(xzMagic))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		r, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return r, nil
	case bytes.HasPrefix(magic, xzMagic):
		r, err := xz.NewReader(br)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return r, nil
	default:
		return br, nil
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, dir string) error {
	path, err := guestPath(dir, hdr.Name)
	if err != nil {
		return err
	}
	// FileInfo maps the archive's raw mode bits to os.FileMode flags, so
	// setuid/setgid/sticky survive the round trip through os.Chmod.
	mode := hdr.FileInfo().Mode()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(path, mode.Perm()); err != nil {
			return errors.WithStack(err)
		}
	case tar.TypeReg:
		if err := writeRegular(tr, path, mode.Perm()); err != nil {
			return err
		}
	case tar.TypeSymlink:
		if err := os.Symlink(hdr.Linkname, path); err != nil {
			return errors.WithStack(err)
		}
	case tar.TypeLink:
		target, err := guestPath(dir, hdr.Linkname)
		if err != nil {
			return err
		}
		return errors.WithStack(os.Link(target, path))
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		devMode := uint32(hdr.Mode & 0o7777)
		switch hdr.Typeflag {
		case tar.TypeChar:
			devMode |= unix.S_IFCHR
		case tar.TypeBlock:
			devMode |= unix.S_IFBLK
		default:
			devMode |= unix.S_IFIFO
		}
		dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		if err := unix.Mknod(path, devMode, int(dev)); err != nil {
			return errors.Wrapf(err, "creating device node %s", path)
		}
	default:
		return nil
	}

	// Chown of a root-owned binary clears its setuid/setgid bits, so
	// ownership is applied first and the exact mode last.
	if err := os.Lchown(path, hdr.Uid, hdr.Gid); err != nil {
		return errors.WithStack(err)
	}
	if hdr.Typeflag == tar.TypeSymlink {
		return nil
	}
	return errors.WithStack(os.Chmod(path, mode))
}

func writeRegular(r io.Reader, path string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	return errors.WithStack(err)
}

// guestPath joins an archive entry name to the extraction dir and rejects
// entries escaping it.
func guestPath(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if path != filepath.Clean(dir) && !strings.HasPrefix(path, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", errors.Errorf("archive entry escapes target: %q", name)
	}
	return path, nil
}
