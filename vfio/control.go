package vfio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"glint/glinterr"
	"glint/pci"
)

// Control is the write side of the kernel driver model for PCI functions.
type Control interface {
	// Unbind detaches addr from its current driver. An unbound device is
	// not an error.
	Unbind(addr string) error
	// SetOverride sets the driver the next probe of addr will pick. An
	// empty driver clears the override.
	SetOverride(addr, driver string) error
	// Probe asks the kernel to attach a driver to addr.
	Probe(addr string) error
	// Bind attaches addr to driver directly.
	Bind(driver, addr string) error
	Driver(addr string) (string, error)
	Exists(addr string) bool
	// Rescan makes the kernel rediscover devices on every PCI bus.
	Rescan() error
}

// SysfsControl drives the control files below Sys.Root.
type SysfsControl struct {
	Sys *pci.Sysfs
}

func NewSysfsControl(sys *pci.Sysfs) *SysfsControl {
	return &SysfsControl{Sys: sys}
}

func (c *SysfsControl) Unbind(addr string) error {
	if !c.Sys.Exists(addr) {
		return glinterr.New(glinterr.ErrDeviceVanished, "device is no longer present").WithDevice(addr)
	}
	path := filepath.Join(c.Sys.DevicePath(addr), "driver", "unbind")
	err := c.write(path, addr)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *SysfsControl) SetOverride(addr, driver string) error {
	// The trailing newline lets an empty driver clear the override.
	return c.write(filepath.Join(c.Sys.DevicePath(addr), "driver_override"), driver+"\n")
}

func (c *SysfsControl) Probe(addr string) error {
	return c.write(c.Sys.Path("sys/bus/pci/drivers_probe"), addr)
}

func (c *SysfsControl) Bind(driver, addr string) error {
	return c.write(c.Sys.Path("sys/bus/pci/drivers", driver, "bind"), addr)
}

func (c *SysfsControl) Driver(addr string) (string, error) {
	return c.Sys.Driver(addr)
}

func (c *SysfsControl) Exists(addr string) bool {
	return c.Sys.Exists(addr)
}

func (c *SysfsControl) Rescan() error {
	return c.write(c.Sys.Path("sys/bus/pci/rescan"), "1")
}

// write opens an existing control file and writes data in one call. EBUSY
// from the kernel is reported as ErrDeviceBusy.
func (c *SysfsControl) write(path, data string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	_, err = f.WriteString(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, unix.EBUSY) {
		return glinterr.Wrap(glinterr.ErrDeviceBusy, err, "write %s", filepath.Base(path))
	}
	if err != nil {
		return fmt.Errorf("write %q to %s: %w", data, path, err)
	}
	return nil
}
