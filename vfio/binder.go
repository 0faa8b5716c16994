// Package vfio moves PCI functions between their host drivers and vfio-pci.
package vfio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"glint/backup"
	"glint/glinterr"
	"glint/logger"
	"glint/pci"
	"glint/retrying"
	"glint/statefile"
)

const Driver = "vfio-pci"

// Modules written to the modules-load file so vfio-pci is present at boot.
var autoloadModules = []string{"vfio", "vfio_iommu_type1", "vfio-pci"}

const (
	defaultProbeTimeout = 2 * time.Second
	probePollInterval   = 50 * time.Millisecond
)

// BoundDevice is one function of a Handle.
type BoundDevice struct {
	Address        string `yaml:"address"`
	OriginalDriver string `yaml:"original_driver"`
	Restored       bool   `yaml:"restored"`
}

// Handle records what Bind changed so Unbind can put it back. It is stored in
// the Session Record and must survive a restart of the engine.
type Handle struct {
	ID      string        `yaml:"id"`
	BoundAt time.Time     `yaml:"bound_at"`
	Devices []BoundDevice `yaml:"devices"`
}

func (h *Handle) Addresses() []string {
	out := make([]string, 0, len(h.Devices))
	for _, d := range h.Devices {
		out = append(out, d.Address)
	}
	return out
}

// Restored is true once every device went back to its original driver.
func (h *Handle) Restored() bool {
	for _, d := range h.Devices {
		if !d.Restored {
			return false
		}
	}
	return true
}

// Binder binds device batches to vfio-pci. Busy devices are retried with
// Retry; a batch that cannot be bound completely is rolled back.
type Binder struct {
	Ctl   Control
	Retry retrying.Policy
	// Precheck runs right before anything is written, with the batch's
	// addresses. The IOMMU group validation goes here.
	Precheck func(addrs []string) error

	Backups         *backup.Manager
	ModulesLoadFile string
	ProbeTimeout    time.Duration
}

func NewBinder(ctl Control, policy retrying.Policy) *Binder {
	return &Binder{Ctl: ctl, Retry: policy, ProbeTimeout: defaultProbeTimeout}
}

// Bind attaches every address to vfio-pci. On failure every device of the
// batch is returned to its original driver before the error is returned.
func (b *Binder) Bind(ctx context.Context, addrs []string) (*Handle, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("bind: no devices")
	}
	if b.Precheck != nil {
		if err := b.Precheck(addrs); err != nil {
			return nil, err
		}
	}

	h := &Handle{ID: uuid.New().String(), BoundAt: time.Now().UTC()}
	for _, a := range addrs {
		addr := pci.Normalize(a)
		if !b.Ctl.Exists(addr) {
			return nil, glinterr.New(glinterr.ErrDeviceVanished, "device was removed after planning").WithDevice(addr)
		}
		drv, err := b.Ctl.Driver(addr)
		if err != nil {
			return nil, err
		}
		if drv == Driver {
			// Left over from an earlier run; restore it with a plain probe.
			drv = ""
		}
		h.Devices = append(h.Devices, BoundDevice{Address: addr, OriginalDriver: drv})
	}

	if err := b.ensureAutoload(); err != nil {
		logger.Warn("could not configure vfio module autoload", "file", b.ModulesLoadFile, "err", err)
	}

	for i := range h.Devices {
		d := &h.Devices[i]
		err := b.Retry.Do(ctx, "bind "+d.Address, func(uint) error {
			return b.bindOne(ctx, d.Address)
		}, nil)
		if err == nil {
			logger.Info("device bound", "device", d.Address, "from", d.OriginalDriver, "to", Driver)
			continue
		}

		logger.Error("bind failed, rolling back batch", "device", d.Address, "err", err)
		rollbackErr := b.rollback(context.WithoutCancel(ctx), h, i)
		if !b.Ctl.Exists(d.Address) {
			return nil, glinterr.New(glinterr.ErrDeviceVanished, "device disappeared while binding").WithDevice(d.Address)
		}
		gerr := &glinterr.Error{
			Kind:   glinterr.ErrBindPartialFailure,
			Device: d.Address,
			Reason: fmt.Sprintf("could not attach to %s, batch rolled back", Driver),
			Err:    err,
		}
		if rollbackErr != nil {
			gerr.Reason = fmt.Sprintf("could not attach to %s and rollback failed: %v", Driver, rollbackErr)
			gerr.Remediation = "run 'glint recover --rescan'"
		} else if glinterr.IsTransient(err) {
			gerr.Remediation = "close programs using the device (e.g. nvidia-persistenced, the compositor) and retry"
		}
		return nil, gerr
	}
	return h, nil
}

func (b *Binder) bindOne(ctx context.Context, addr string) error {
	if !b.Ctl.Exists(addr) {
		return glinterr.New(glinterr.ErrDeviceVanished, "device is no longer present").WithDevice(addr)
	}
	if drv, _ := b.Ctl.Driver(addr); drv == Driver {
		return nil
	}
	if err := b.Ctl.Unbind(addr); err != nil {
		return err
	}
	if err := b.Ctl.SetOverride(addr, Driver); err != nil {
		return err
	}
	if err := b.Ctl.Probe(addr); err != nil {
		return err
	}
	return b.waitDriver(ctx, addr, Driver)
}

// waitDriver polls until addr is bound to driver. A timeout is reported as
// busy so the retry policy gets another go.
func (b *Binder) waitDriver(ctx context.Context, addr, driver string) error {
	timeout := b.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(probePollInterval)
	defer tick.Stop()

	for {
		if drv, _ := b.Ctl.Driver(addr); drv == driver {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return glinterr.New(glinterr.ErrDeviceBusy, "did not attach to %s within %s", driver, timeout).WithDevice(addr)
		case <-tick.C:
		}
	}
}

// rollback restores devices [0, upto] of h, newest first.
func (b *Binder) rollback(ctx context.Context, h *Handle, upto int) error {
	var errs []error
	for i := upto; i >= 0; i-- {
		d := &h.Devices[i]
		if err := b.restore(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Address, err))
		}
	}
	return errors.Join(errs...)
}

// Unbind returns every device of h to its original driver. Devices already
// restored are skipped, so calling it again is a no-op. Every device is
// attempted even when an earlier one fails.
func (b *Binder) Unbind(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	var errs []error
	for i := len(h.Devices) - 1; i >= 0; i-- {
		d := &h.Devices[i]
		if d.Restored {
			continue
		}
		if err := b.restore(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Address, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Binder) restore(ctx context.Context, d *BoundDevice) error {
	err := b.Retry.Do(ctx, "restore "+d.Address, func(uint) error {
		return b.restoreOne(ctx, d)
	}, nil)
	if err != nil {
		return err
	}
	d.Restored = true
	logger.Info("device restored", "device", d.Address, "driver", d.OriginalDriver)
	return nil
}

func (b *Binder) restoreOne(ctx context.Context, d *BoundDevice) error {
	if !b.Ctl.Exists(d.Address) {
		logger.Warn("device gone, nothing to restore", "device", d.Address)
		return nil
	}
	current, err := b.Ctl.Driver(d.Address)
	if err != nil {
		return err
	}
	if current != Driver && (d.OriginalDriver == "" || current == d.OriginalDriver) {
		return nil
	}

	if current == Driver {
		if err := b.Ctl.Unbind(d.Address); err != nil {
			return err
		}
	}
	if err := b.Ctl.SetOverride(d.Address, ""); err != nil {
		return err
	}
	if d.OriginalDriver == "" {
		return b.Ctl.Probe(d.Address)
	}
	if err := b.Ctl.Bind(d.OriginalDriver, d.Address); err != nil {
		logger.Debug("direct bind failed, probing", "device", d.Address, "driver", d.OriginalDriver, "err", err)
		if err := b.Ctl.Probe(d.Address); err != nil {
			return err
		}
	}
	return b.waitDriver(ctx, d.Address, d.OriginalDriver)
}

// Rescan asks the kernel to rediscover PCI devices. It is the last resort
// for a device that will not go back to its driver.
func (b *Binder) Rescan() error {
	if err := b.Ctl.Rescan(); err != nil {
		return fmt.Errorf("pci rescan: %w", err)
	}
	logger.Info("pci bus rescanned")
	return nil
}

func autoloadContent() string {
	return "# written by glint for PCI passthrough\n" + strings.Join(autoloadModules, "\n") + "\n"
}

// ensureAutoload writes the modules-load file, backing up whatever was there.
func (b *Binder) ensureAutoload() error {
	if b.ModulesLoadFile == "" || b.Backups == nil {
		return nil
	}
	want := autoloadContent()
	if have, err := os.ReadFile(b.ModulesLoadFile); err == nil && string(have) == want {
		return nil
	}
	if _, err := b.Backups.BackupIfAbsent(b.ModulesLoadFile, "vfio"); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.ModulesLoadFile), 0o755); err != nil {
		return err
	}
	return statefile.WriteAtomic(b.ModulesLoadFile, []byte(want), 0o644)
}
