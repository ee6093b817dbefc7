package bootstage

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cavaliergopher/cpio"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrAmbiguousAssets reports that the tree's /boot does not contain exactly
// one kernel and one initrd, so there is no unambiguous pair to stage.
var ErrAmbiguousAssets = errors.New("ambiguous boot assets")

//go:embed startup.nsh.tmpl iscsi-boot.nsh.tmpl
var templateFS embed.FS

var (
	startupTmpl = lo.Must(template.ParseFS(templateFS, "startup.nsh.tmpl"))
	iscsiTmpl   = lo.Must(template.ParseFS(templateFS, "iscsi-boot.nsh.tmpl"))
)

var gzipMagic = []byte{0x1f, 0x8b}

// Config describes the boot staging of one architecture's tree.
type Config struct {
	TreeDir       string
	BootID        string
	Console       string
	EarlyConsole  string
	KernelGzipped bool
	ShellPath     string
	RootUUID      string
}

// Assets is the kernel and initrd pair found in the tree's /boot.
type Assets struct {
	Kernel string
	Initrd string
}

// FindAssets locates the kernel and initrd installed by the package manager.
// Exactly one of each must exist; zero or several mean the tree is broken or
// carries multiple kernel versions and staging must not guess.
func FindAssets(treeDir string) (Assets, error) {
	kernel, err := globOne(filepath.Join(treeDir, "boot"), "vmlinuz-*")
	if err != nil {
		return Assets{}, err
	}
	initrd, err := globOne(filepath.Join(treeDir, "boot"), "initrd.img-*")
	if err != nil {
		return Assets{}, err
	}
	return Assets{Kernel: kernel, Initrd: initrd}, nil
}

func globOne(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", errors.WithStack(err)
	}
	if len(matches) != 1 {
		return "", errors.Wrapf(ErrAmbiguousAssets, "%d matches for %s in %s", len(matches), pattern, dir)
	}
	return matches[0], nil
}

// Stage copies the kernel, initrd and UEFI shell into the ESP and renders
// the startup scripts that boot them. The ESP is expected mounted at
// <tree>/boot/efi with EFI/BOOT already present.
func Stage(ctx context.Context, config Config) error {
	log := logger.Get(ctx)

	assets, err := FindAssets(config.TreeDir)
	if err != nil {
		return err
	}
	if err := ValidateInitrd(assets.Initrd); err != nil {
		return err
	}

	espDir := filepath.Join(config.TreeDir, "boot", "efi")
	bootDir := filepath.Join(espDir, "EFI", "BOOT")

	kernelName := filepath.Base(assets.Kernel)
	if config.KernelGzipped {
		kernelName = strings.TrimSuffix(kernelName, ".gz")
	}
	log.Info("Staging kernel",
		zap.String("kernel", assets.Kernel),
		zap.Bool("gzipped", config.KernelGzipped))
	if err := stageKernel(assets.Kernel, filepath.Join(bootDir, kernelName), config.KernelGzipped); err != nil {
		return err
	}

	initrdName := filepath.Base(assets.Initrd)
	if err := copyFile(assets.Initrd, filepath.Join(bootDir, initrdName)); err != nil {
		return err
	}

	shellName := "BOOT" + config.BootID + ".EFI"
	log.Info("Staging UEFI shell", zap.String("name", shellName))
	if err := copyFile(config.ShellPath, filepath.Join(bootDir, shellName)); err != nil {
		return err
	}

	data := struct {
		Kernel  string
		Initrd  string
		Cmdline string
		Console string
	}{
		Kernel:  kernelName,
		Initrd:  initrdName,
		Cmdline: Cmdline(config),
		Console: config.Console,
	}
	if err := renderTemplate(startupTmpl, filepath.Join(bootDir, "startup.nsh"), data); err != nil {
		return err
	}
	return renderTemplate(iscsiTmpl, filepath.Join(bootDir, "iscsi-boot.nsh"), data)
}

// Cmdline builds the kernel command line handed over by the shell script.
// The root is referenced by filesystem UUID and both consoles are kept
// active, with the serial one last so it receives the primary output.
func Cmdline(config Config) string {
	return fmt.Sprintf(
		"root=UUID=%s rootfstype=ext4 rw rootwait console=tty1 console=%s,115200 earlycon=%s debug loglevel=7",
		config.RootUUID, config.Console, config.EarlyConsole)
}

// ValidateInitrd checks that the file is a cpio archive, plain or gzipped.
// An initrd that is neither would be silently ignored by the kernel and the
// boot would stall in the initramfs.
func ValidateInitrd(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(len(gzipMagic))
	if err != nil {
		return errors.WithStack(err)
	}

	var r io.Reader = br
	if bytes.HasPrefix(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return errors.Wrapf(err, "initrd %s is not valid gzip", path)
		}
		defer gz.Close()
		r = gz
	}

	if _, err := cpio.NewReader(r).Next(); err != nil {
		return errors.Wrapf(err, "initrd %s is not a cpio archive", path)
	}
	return nil
}

func stageKernel(src, dst string, gzipped bool) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()

	var r io.Reader = in
	if gzipped {
		// Some firmware loaders refuse compressed kernel images, so the
		// staged copy is the decompressed one.
		gz, err := gzip.NewReader(in)
		if err != nil {
			return errors.Wrapf(err, "kernel %s is not valid gzip", src)
		}
		defer gz.Close()
		r = gz
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer out.Close()

	_, err = io.Copy(out, r)
	return errors.WithStack(err)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return errors.WithStack(err)
}

func renderTemplate(tmpl *template.Template, path string, data any) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	return errors.WithStack(tmpl.Execute(f, data))
}
