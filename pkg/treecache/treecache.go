package treecache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash"
	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// completeMarker is created last during Store. An entry without it was
// interrupted mid-copy and must not be restored.
const completeMarker = ".complete"

// Key derives a cache key from the rootfs tarball contents and the package
// set installed into it. Any change to either produces a different key.
func Key(tarballPath string, packages []string) (string, error) {
	f, err := os.Open(tarballPath)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", errors.WithStack(err)
	}

	sorted := append([]string{}, packages...)
	sort.Strings(sorted)

	d := xxhash.New()
	_, _ = d.Write(sum.Sum(nil))
	for _, p := range sorted {
		_, _ = d.Write([]byte(p))
		_, _ = d.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", d.Sum64()), nil
}

// Cache stores fully configured root trees keyed by Key, so repeated builds
// from the same tarball skip extraction and package installation.
type Cache struct {
	dir string
}

func New(dir string) *Cache {
	return &Cache{dir: dir}
}

// Restore copies the cached tree for key into dst. It returns false without
// error when no complete entry exists.
func (c *Cache) Restore(ctx context.Context, key, dst string) (bool, error) {
	entry := filepath.Join(c.dir, key)
	if _, err := os.Stat(filepath.Join(entry, completeMarker)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WithStack(err)
	}

	logger.Get(ctx).Info("Restoring root tree from cache", zap.String("key", key))
	src := filepath.Join(entry, "root")
	if err := libexec.Exec(ctx, exec.Command("cp", "-a", src+"/.", dst+"/")); err != nil {
		return false, errors.Wrapf(err, "restoring cached tree %q", key)
	}
	return true, nil
}

// Store copies the configured tree at src into the cache under key. The copy
// stays on one filesystem so bound pseudo filesystems are not captured, and
// lands under a temporary name so a crash never leaves a restorable partial
// entry.
func (c *Cache) Store(ctx context.Context, key, src string) error {
	entry := filepath.Join(c.dir, key)
	if _, err := os.Stat(filepath.Join(entry, completeMarker)); err == nil {
		return nil
	}

	tmp := entry + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Join(tmp, "root"), 0o755); err != nil {
		return errors.WithStack(err)
	}

	logger.Get(ctx).Info("Storing root tree in cache", zap.String("key", key))
	dst := filepath.Join(tmp, "root")
	if err := libexec.Exec(ctx, exec.Command("cp", "-ax", src+"/.", dst+"/")); err != nil {
		return errors.Wrapf(err, "storing tree %q", key)
	}
	if err := os.WriteFile(filepath.Join(tmp, completeMarker), nil, 0o644); err != nil {
		return errors.WithStack(err)
	}
	if err := os.RemoveAll(entry); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, entry))
}
