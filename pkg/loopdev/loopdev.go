package loopdev

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Partition device nodes expected after a scan of the image's GPT.
const partitionCount = 2

var (
	// ErrNoFreeDevice is returned when the kernel cannot provide a loop
	// device. Reported distinctly because the caller may want to wait and
	// retry instead of treating it as a defect.
	ErrNoFreeDevice = errors.New("no free loop device")

	// ErrPartitionTimeout is returned when partition device nodes do not
	// appear within the configured window after the table is written.
	ErrPartitionTimeout = errors.New("partition device nodes did not appear")
)

// Config tunes the wait for partition device nodes. The kernel creates them
// asynchronously after the partition scan, so appearance timing depends on
// the environment.
type Config struct {
	PartitionWait time.Duration
	PollInterval  time.Duration
}

// DefaultConfig is a window that works on loaded CI machines.
var DefaultConfig = Config{
	PartitionWait: 3 * time.Second,
	PollInterval:  100 * time.Millisecond,
}

// Manager acquires and releases loop devices.
type Manager struct {
	config Config
	ctl    controller
}

// NewManager returns a manager talking to the kernel loop driver.
func NewManager(config Config) *Manager {
	return newManager(config, kernelController{})
}

func newManager(config Config, ctl controller) *Manager {
	if config.PartitionWait <= 0 {
		config.PartitionWait = DefaultConfig.PartitionWait
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig.PollInterval
	}
	return &Manager{config: config, ctl: ctl}
}

// Acquire binds the image to a free loop device with partition scanning
// enabled. The binding is owned exclusively by the caller and must be
// released on every exit path. Partition nodes are not guaranteed to exist
// until the image carries a partition table and WaitPartitions succeeds.
func (m *Manager) Acquire(ctx context.Context, imagePath string) (*Binding, error) {
	imagePath, err := filepath.Abs(imagePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	device, err := m.ctl.GetFree()
	if err != nil {
		return nil, err
	}
	if err := m.ctl.Attach(device, imagePath); err != nil {
		return nil, err
	}

	logger.Get(ctx).Info("Loop device attached",
		zap.String("device", device), zap.String("image", imagePath))
	return &Binding{device: device, image: imagePath, ctl: m.ctl}, nil
}

// WaitPartitions asks the kernel to re-read the binding's partition table
// and polls until both partition device nodes exist, bounded by the
// configured window. The attach-time scan saw an empty disk, and without
// udev nothing else triggers a rescan after the table is written, so the
// re-read must be explicit. A node that never appears is fatal and
// non-retryable within this invocation.
func (m *Manager) WaitPartitions(ctx context.Context, binding *Binding) error {
	if err := m.ctl.Rescan(binding.device); err != nil {
		return err
	}

	deadline := time.Now().Add(m.config.PartitionWait)
	for {
		missing := ""
		for i := 1; i <= partitionCount; i++ {
			node := binding.Partition(i)
			exists, err := m.ctl.Exists(node)
			if err != nil {
				return err
			}
			if !exists {
				missing = node
				break
			}
		}
		if missing == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrPartitionTimeout, "%s after %s", missing, m.config.PartitionWait)
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(m.config.PollInterval):
		}
	}
}

// DetachStale detaches loop devices whose backing file is the given image,
// left over from a previous build terminated before its deferred releases
// could run. Devices backed by other files are never touched.
func (m *Manager) DetachStale(ctx context.Context, imagePath string) error {
	imagePath, err := filepath.Abs(imagePath)
	if err != nil {
		return errors.WithStack(err)
	}

	devices, err := m.ctl.Devices()
	if err != nil {
		return err
	}
	for _, device := range devices {
		backing, err := m.ctl.BackingFile(device)
		if err != nil {
			return err
		}
		if backing != imagePath {
			continue
		}
		logger.Get(ctx).Info("Detaching stale loop device",
			zap.String("device", device), zap.String("image", imagePath))
		if err := m.ctl.Detach(device); err != nil {
			return err
		}
	}
	return nil
}

// Binding is a transient binding of a disk image to a loop device.
type Binding struct {
	device   string
	image    string
	ctl      controller
	released bool
}

// Device returns the loop device path.
func (b *Binding) Device() string {
	return b.device
}

// Image returns the absolute path of the backing file.
func (b *Binding) Image() string {
	return b.image
}

// Partition returns the device node of the n-th partition (1-based).
func (b *Binding) Partition(n int) string {
	return fmt.Sprintf("%sp%d", b.device, n)
}

// Release detaches the device. It is idempotent and never fails the caller;
// a device already gone is treated as released and detach errors are logged.
func (b *Binding) Release(ctx context.Context) {
	if b.released {
		return
	}
	b.released = true
	if err := b.ctl.Detach(b.device); err != nil {
		logger.Get(ctx).Error("Loop device detach failed",
			zap.String("device", b.device), zap.Error(err))
		return
	}
	logger.Get(ctx).Info("Loop device detached", zap.String("device", b.device))
}
