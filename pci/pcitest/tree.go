// Package pcitest builds fake sysfs trees for tests.
package pcitest

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// Dev describes one fake PCI function. Group < 0 means no IOMMU group.
type Dev struct {
	Addr      string
	Class     string
	Vendor    string
	Device    string
	Driver    string
	Group     int
	BootVGA   bool
	Connected bool
}

// Tree is a sysfs-shaped directory rooted at Root.
type Tree struct {
	Root string
	t    testing.TB
}

func New(t testing.TB) *Tree {
	t.Helper()
	tr := &Tree{Root: t.TempDir(), t: t}
	for _, d := range []string{
		"sys/bus/pci/devices",
		"sys/bus/pci/drivers",
		"sys/bus/usb/devices",
		"sys/kernel/iommu_groups",
		"sys/module",
		"sys/class/dmi/id",
	} {
		tr.mkdir(d)
	}
	return tr
}

func (tr *Tree) path(rel string) string { return filepath.Join(tr.Root, rel) }

func (tr *Tree) DevDir(addr string) string {
	return tr.path(filepath.Join("sys/bus/pci/devices", addr))
}

func (tr *Tree) mkdir(rel string) {
	tr.t.Helper()
	if err := os.MkdirAll(tr.path(rel), 0o755); err != nil {
		tr.t.Fatal(err)
	}
}

// WriteFile writes content to rel below Root, creating parents.
func (tr *Tree) WriteFile(rel, content string) {
	tr.t.Helper()
	p := tr.path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		tr.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		tr.t.Fatal(err)
	}
}

func (tr *Tree) symlink(target, link string) {
	tr.t.Helper()
	_ = os.Remove(link)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		tr.t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		tr.t.Fatal(err)
	}
}

// Add creates the device directory with its attribute files and links.
func (tr *Tree) Add(d Dev) {
	tr.t.Helper()
	dir := filepath.Join("sys/bus/pci/devices", d.Addr)
	tr.WriteFile(filepath.Join(dir, "class"), "0x"+d.Class+"\n")
	tr.WriteFile(filepath.Join(dir, "vendor"), "0x"+d.Vendor+"\n")
	tr.WriteFile(filepath.Join(dir, "device"), "0x"+d.Device+"\n")
	tr.WriteFile(filepath.Join(dir, "driver_override"), "(null)\n")
	if d.BootVGA {
		tr.WriteFile(filepath.Join(dir, "boot_vga"), "1\n")
	}
	if d.Connected {
		tr.WriteFile(filepath.Join(dir, "drm/card0/card0-HDMI-A-1/status"), "connected\n")
	}
	if d.Group >= 0 {
		g := filepath.Join("sys/kernel/iommu_groups", strconv.Itoa(d.Group))
		tr.mkdir(filepath.Join(g, "devices"))
		tr.symlink(tr.path(g), filepath.Join(tr.DevDir(d.Addr), "iommu_group"))
		tr.symlink(tr.DevDir(d.Addr), tr.path(filepath.Join(g, "devices", d.Addr)))
	}
	if d.Driver != "" {
		tr.SetDriver(d.Addr, d.Driver)
	}
}

// SetDriver moves addr to driver, or unbinds it when driver is "".
func (tr *Tree) SetDriver(addr, driver string) {
	tr.t.Helper()
	link := filepath.Join(tr.DevDir(addr), "driver")
	if old, err := os.Readlink(link); err == nil {
		_ = os.Remove(filepath.Join(old, addr))
	}
	_ = os.Remove(link)
	if driver == "" {
		return
	}
	drvDir := tr.path(filepath.Join("sys/bus/pci/drivers", driver))
	tr.mkdir(filepath.Join("sys/bus/pci/drivers", driver))
	tr.symlink(drvDir, link)
	tr.symlink(tr.DevDir(addr), filepath.Join(drvDir, addr))
}

// Remove deletes addr as if it had been hot-unplugged.
func (tr *Tree) Remove(addr string) {
	tr.t.Helper()
	tr.SetDriver(addr, "")
	if target, err := os.Readlink(filepath.Join(tr.DevDir(addr), "iommu_group")); err == nil {
		_ = os.Remove(filepath.Join(target, "devices", addr))
	}
	if err := os.RemoveAll(tr.DevDir(addr)); err != nil {
		tr.t.Fatal(err)
	}
}

func (tr *Tree) LoadModule(name string) {
	tr.mkdir(filepath.Join("sys/module", name))
}

func (tr *Tree) SetChassis(n int) {
	tr.WriteFile("sys/class/dmi/id/chassis_type", strconv.Itoa(n)+"\n")
}

// AddUSB hangs a USB device named name below the controller at ctrl.
func (tr *Tree) AddUSB(ctrl, name, vendor, product, productName string) {
	tr.t.Helper()
	rel := filepath.Join("sys/bus/pci/devices", ctrl, "usb1", name)
	tr.WriteFile(filepath.Join(rel, "idVendor"), vendor+"\n")
	tr.WriteFile(filepath.Join(rel, "idProduct"), product+"\n")
	if productName != "" {
		tr.WriteFile(filepath.Join(rel, "product"), productName+"\n")
	}
	tr.symlink(tr.path(rel), tr.path(filepath.Join("sys/bus/usb/devices", name)))
}

// AddBlock creates block device name below the storage controller at ctrl
// and links it from /sys/class/block.
func (tr *Tree) AddBlock(ctrl, name string) {
	tr.t.Helper()
	rel := filepath.Join("sys/bus/pci/devices", ctrl, "block", name)
	tr.mkdir(rel)
	tr.symlink(tr.path(rel), tr.path(filepath.Join("sys/class/block", name)))
}
