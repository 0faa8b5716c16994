package pci

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Kind is the coarse role of a PCI function, derived from its class code.
type Kind string

const (
	KindGPU           Kind = "gpu"
	KindUSBController Kind = "usb-controller"
	KindNVMe          Kind = "nvme"
	KindStorage       Kind = "storage"
	KindAudio         Kind = "audio"
	KindBridge        Kind = "bridge"
	KindOther         Kind = "other"
)

// Vendor IDs the engine cares about.
const (
	VendorIntel  = "8086"
	VendorAMD    = "1002"
	VendorNVIDIA = "10de"
)

// Device is a snapshot of one PCI function as seen in sysfs. It is never
// updated in place; callers re-read it instead.
type Device struct {
	Address    string `yaml:"address"`
	VendorID   string `yaml:"vendor_id"`
	DeviceID   string `yaml:"device_id"`
	Class      string `yaml:"class"`
	Kind       Kind   `yaml:"kind"`
	IOMMUGroup int    `yaml:"iommu_group"`
	Driver     string `yaml:"driver,omitempty"`
	Label      string `yaml:"label,omitempty"`
	BootVGA    bool   `yaml:"boot_vga,omitempty"`
	// DisplayConnected is true when one of the device's DRM connectors
	// reports a connected monitor.
	DisplayConnected bool `yaml:"display_connected,omitempty"`
}

func (d Device) IsGPU() bool { return d.Kind == KindGPU }

func (d Device) String() string {
	label := d.Label
	if label == "" {
		label = fmt.Sprintf("%s:%s", d.VendorID, d.DeviceID)
	}
	return fmt.Sprintf("%s %s (%s)", d.Address, label, d.Kind)
}

// KindFromClass maps a sysfs class value ("0x030000" or "0300") to a Kind.
func KindFromClass(rawClass string) Kind {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(rawClass)), "0x")
	if len(s) < 4 {
		return KindOther
	}
	switch s[:4] {
	case "0300", "0302", "0380":
		return KindGPU
	case "0c03":
		return KindUSBController
	case "0108":
		return KindNVMe
	case "0403":
		return KindAudio
	case "0604":
		return KindBridge
	}
	if s[:2] == "01" {
		return KindStorage
	}
	return KindOther
}

// Sysfs reads the kernel's PCI and IOMMU view below Root. Root is "/" on a
// real host and a temporary tree in tests.
type Sysfs struct {
	Root   string
	Labels Labeler
}

func NewSysfs(root string, labels Labeler) *Sysfs {
	if root == "" {
		root = "/"
	}
	return &Sysfs{Root: root, Labels: labels}
}

// Path joins parts onto Root.
func (s *Sysfs) Path(parts ...string) string {
	return filepath.Join(append([]string{s.Root}, parts...)...)
}

func (s *Sysfs) DevicePath(addr string) string {
	return s.Path("sys/bus/pci/devices", addr)
}

func (s *Sysfs) Exists(addr string) bool {
	_, err := os.Stat(s.DevicePath(addr))
	return err == nil
}

// Device reads one PCI function. A missing device returns an error wrapping
// fs.ErrNotExist.
func (s *Sysfs) Device(addr string) (Device, error) {
	addr = Normalize(addr)
	dir := s.DevicePath(addr)
	if _, err := os.Stat(dir); err != nil {
		return Device{}, fmt.Errorf("pci %s: %w", addr, err)
	}

	dev := Device{Address: addr, IOMMUGroup: -1}
	dev.Class = strings.TrimPrefix(readTrimmed(filepath.Join(dir, "class")), "0x")
	dev.VendorID = strings.TrimPrefix(readTrimmed(filepath.Join(dir, "vendor")), "0x")
	dev.DeviceID = strings.TrimPrefix(readTrimmed(filepath.Join(dir, "device")), "0x")
	dev.Kind = KindFromClass(dev.Class)
	dev.BootVGA = readTrimmed(filepath.Join(dir, "boot_vga")) == "1"

	driver, err := s.Driver(addr)
	if err != nil {
		return Device{}, err
	}
	dev.Driver = driver

	if group, err := s.IOMMUGroup(addr); err == nil {
		dev.IOMMUGroup = group
	}
	if dev.Kind == KindGPU {
		dev.DisplayConnected = s.displayConnected(dir)
	}
	if s.Labels != nil {
		dev.Label = s.Labels.Label(dev.VendorID, dev.DeviceID)
	}
	return dev, nil
}

// Devices lists every PCI function sorted by address.
func (s *Sysfs) Devices() ([]Device, error) {
	entries, err := os.ReadDir(s.Path("sys/bus/pci/devices"))
	if err != nil {
		return nil, fmt.Errorf("list pci devices: %w", err)
	}
	out := make([]Device, 0, len(entries))
	for _, e := range entries {
		addr, err := ParseAddress(e.Name())
		if err != nil {
			continue
		}
		dev, err := s.Device(addr.String())
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// Driver returns the name of the driver bound to addr, or "" when unbound.
func (s *Sysfs) Driver(addr string) (string, error) {
	target, err := os.Readlink(filepath.Join(s.DevicePath(addr), "driver"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read driver of %s: %w", addr, err)
	}
	return filepath.Base(target), nil
}

// IOMMUGroup returns the group number of addr from its iommu_group link.
func (s *Sysfs) IOMMUGroup(addr string) (int, error) {
	target, err := os.Readlink(filepath.Join(s.DevicePath(addr), "iommu_group"))
	if err != nil {
		return -1, err
	}
	group, err := strconv.Atoi(filepath.Base(target))
	if err != nil {
		return -1, fmt.Errorf("parse iommu group of %s: %w", addr, err)
	}
	return group, nil
}

// GroupMembers lists the addresses in IOMMU group n.
func (s *Sysfs) GroupMembers(n int) ([]string, error) {
	entries, err := os.ReadDir(s.Path("sys/kernel/iommu_groups", strconv.Itoa(n), "devices"))
	if err != nil {
		return nil, fmt.Errorf("list iommu group %d: %w", n, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, Normalize(e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// GroupCount is the number of IOMMU groups the kernel exposes. Zero means
// the IOMMU is off.
func (s *Sysfs) GroupCount() int {
	entries, err := os.ReadDir(s.Path("sys/kernel/iommu_groups"))
	if err != nil {
		return 0
	}
	return len(entries)
}

// ModuleLoaded reports whether kernel module name is loaded (or built in).
func (s *Sysfs) ModuleLoaded(name string) bool {
	_, err := os.Stat(s.Path("sys/module", strings.ReplaceAll(name, "-", "_")))
	return err == nil
}

// BoundTo lists the addresses currently bound to driver.
func (s *Sysfs) BoundTo(driver string) []string {
	entries, err := os.ReadDir(s.Path("sys/bus/pci/drivers", driver))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if a, err := ParseAddress(e.Name()); err == nil {
			out = append(out, a.String())
		}
	}
	sort.Strings(out)
	return out
}

// ChassisType returns the DMI chassis type, or 0 when unknown.
func (s *Sysfs) ChassisType() int {
	v, err := strconv.Atoi(readTrimmed(s.Path("sys/class/dmi/id/chassis_type")))
	if err != nil {
		return 0
	}
	return v
}

// displayConnected looks for drm/cardN/cardN-<connector>/status == connected.
func (s *Sysfs) displayConnected(devDir string) bool {
	cards, _ := filepath.Glob(filepath.Join(devDir, "drm", "card*"))
	for _, card := range cards {
		connectors, _ := filepath.Glob(filepath.Join(card, filepath.Base(card)+"-*"))
		for _, c := range connectors {
			if readTrimmed(filepath.Join(c, "status")) == "connected" {
				return true
			}
		}
	}
	return false
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
