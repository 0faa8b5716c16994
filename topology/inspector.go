// Package topology inspects the host's PCI devices, IOMMU groups and display
// setup. It never changes anything on the host.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"

	"glint/bootparam"
	"glint/config"
	"glint/logger"
	"glint/pci"
)

// DMI chassis types that are portable machines.
var laptopChassis = map[int]bool{8: true, 9: true, 10: true, 11: true, 12: true, 14: true, 30: true, 31: true, 32: true}

// Files whose presence means the laptop has a switchable display MUX.
var muxIndicators = []string{
	"sys/bus/platform/devices/asus-nb-wmi/gpu_mux_mode",
	"sys/kernel/debug/vgaswitcheroo/switch",
}

// Inspector builds a Profile from sysfs.
type Inspector struct {
	Sys  *pci.Sysfs
	Host config.HostProfile
	// RootSource returns the block device mounted at "/".
	RootSource func() (string, error)
}

func New(sys *pci.Sysfs, host config.HostProfile) *Inspector {
	return &Inspector{Sys: sys, Host: host, RootSource: rootFromPartitions}
}

// Inspect enumerates devices and classifies the host. The error is only for
// failures to read sysfs at all; a host that cannot do passthrough comes back
// as a Profile with Unsupported set.
func (in *Inspector) Inspect() (Profile, []pci.Device, error) {
	devices, err := in.Sys.Devices()
	if err != nil {
		return Profile{}, nil, err
	}

	p := Profile{
		Groups: make(map[int][]string),
		USB:    make(map[string][]pci.USBDevice),
	}
	info := bootparam.ReadHostInfo(in.Sys.Root)

	var gpus []pci.Device
	for _, d := range devices {
		if d.IOMMUGroup >= 0 {
			p.Groups[d.IOMMUGroup] = append(p.Groups[d.IOMMUGroup], d.Address)
		}
		switch d.Kind {
		case pci.KindGPU:
			gpus = append(gpus, d)
		case pci.KindUSBController:
			usb, err := in.Sys.USBDevicesBehind(d.Address)
			if err != nil {
				logger.Warn("could not list usb devices", "controller", d.Address, "err", err)
			}
			if len(usb) > 0 {
				p.USB[d.Address] = usb
			}
		}
	}

	in.checkSupport(&p, info)

	p.Laptop = laptopChassis[in.Sys.ChassisType()]
	p.IntegratedGPUs = in.integrated(gpus)
	p.ActiveDisplay = activeDisplay(gpus)
	p.AlternateDisplay = in.alternate(gpus, p.ActiveDisplay)
	p.MuxPresent = in.muxPresent()
	p.Class = classify(p, gpus)

	in.markEssential(&p)

	logger.Debug("topology inspected",
		"class", string(p.Class),
		"active_display", p.ActiveDisplay,
		"alternate_display", p.AlternateDisplay,
		"unsupported", p.Unsupported,
		"devices", len(devices),
	)
	return p, devices, nil
}

func (in *Inspector) checkSupport(p *Profile, info bootparam.HostInfo) {
	switch {
	case info.CPUVendor != "" && !info.Virtualization:
		p.Unsupported = true
		p.Reason = "CPU virtualization extensions (vmx/svm) are not available"
		p.Remediation = "enable Intel VT-x / AMD-V (SVM) in the firmware setup"
	case in.Sys.GroupCount() == 0:
		p.Unsupported = true
		p.Reason = "IOMMU is disabled or unsupported: no groups under /sys/kernel/iommu_groups"
		p.Remediation = info.IOMMURemediation()
	case !in.Sys.ModuleLoaded("vfio_pci"):
		p.Unsupported = true
		p.Reason = "the vfio-pci kernel module is not loaded"
		p.Remediation = "sudo modprobe vfio-pci"
	}

	if _, err := os.Stat(in.Sys.Path("dev/kvm")); err != nil {
		p.Notes = append(p.Notes, "/dev/kvm is missing: load kvm_intel or kvm_amd")
	}
	if info.CPUVendor != "" && !p.Unsupported {
		for _, param := range info.IOMMUParams() {
			if strings.HasSuffix(param, "iommu=on") && !info.CmdlineHas(param) {
				p.Notes = append(p.Notes, fmt.Sprintf("%s is not on the kernel command line; the IOMMU may be running in a limited mode", param))
			}
		}
	}
}

func (in *Inspector) integrated(gpus []pci.Device) []string {
	if len(in.Host.IntegratedGPUs) > 0 {
		var out []string
		for _, a := range in.Host.IntegratedGPUs {
			out = append(out, pci.Normalize(a))
		}
		return out
	}

	nonIntel := false
	for _, g := range gpus {
		if g.VendorID != pci.VendorIntel {
			nonIntel = true
		}
	}
	var out []string
	for _, g := range gpus {
		a, err := pci.ParseAddress(g.Address)
		if err != nil {
			continue
		}
		if a.Bus == 0 || (g.VendorID == pci.VendorIntel && nonIntel) {
			out = append(out, g.Address)
		}
	}
	return out
}

// activeDisplay picks the GPU driving a monitor: a connected one (the boot
// VGA device first), else the boot VGA device, else the only GPU.
func activeDisplay(gpus []pci.Device) string {
	var connected []pci.Device
	for _, g := range gpus {
		if g.DisplayConnected {
			connected = append(connected, g)
		}
	}
	for _, g := range connected {
		if g.BootVGA {
			return g.Address
		}
	}
	if len(connected) > 0 {
		return connected[0].Address
	}
	for _, g := range gpus {
		if g.BootVGA {
			return g.Address
		}
	}
	if len(gpus) == 1 {
		return gpus[0].Address
	}
	return ""
}

func (in *Inspector) alternate(gpus []pci.Device, active string) string {
	if alt := strings.TrimSpace(in.Host.AlternateDisplayAdapter); alt != "" {
		alt = pci.Normalize(alt)
		if alt != active && in.Sys.Exists(alt) {
			return alt
		}
		logger.Warn("configured alternate display adapter is unusable", "adapter", alt)
	}
	for _, g := range gpus {
		if g.Address != active && g.DisplayConnected {
			return g.Address
		}
	}
	return ""
}

func (in *Inspector) muxPresent() bool {
	if in.Host.MuxPresent != nil {
		return *in.Host.MuxPresent
	}
	for _, rel := range muxIndicators {
		if _, err := os.Stat(in.Sys.Path(rel)); err == nil {
			return true
		}
	}
	return false
}

// classify maps the facts to a Class. Laptops with a MUX, or whose panel is
// driven by the integrated GPU while a discrete one is present, are hybrid.
// Laptops where only a discrete GPU drives the display, including single-GPU
// laptops, are discrete-only.
func classify(p Profile, gpus []pci.Device) Class {
	if !p.Laptop {
		return ClassDesktop
	}
	if p.MuxPresent {
		return ClassLaptopHybridMux
	}
	if len(gpus) > 1 && p.IsIntegrated(p.ActiveDisplay) {
		return ClassLaptopHybridMux
	}
	return ClassLaptopDiscreteOnly
}

func (in *Inspector) markEssential(p *Profile) {
	add := func(e Essential) {
		if _, ok := p.EssentialFor(e.Address); !ok {
			p.Essential = append(p.Essential, e)
		}
	}

	if in.RootSource != nil {
		dev, err := in.RootSource()
		if err != nil {
			p.Notes = append(p.Notes, fmt.Sprintf("could not find the root block device: %v", err))
		} else {
			ctrls, err := in.controllersFor(dev)
			if err != nil {
				p.Notes = append(p.Notes, fmt.Sprintf("could not resolve the controller of %s: %v", dev, err))
			}
			for _, c := range ctrls {
				p.RootStorage = append(p.RootStorage, c)
				add(Essential{Address: c, Reason: fmt.Sprintf("root storage controller (%s)", dev)})
			}
		}
	}

	for _, a := range in.Host.EssentialDevices {
		add(Essential{Address: pci.Normalize(a), Reason: "listed as essential in the host profile"})
	}

	if p.ActiveDisplay != "" && p.AlternateDisplay == "" {
		add(Essential{
			Address:    p.ActiveDisplay,
			Reason:     "active display adapter with no alternate display path",
			Selectable: true,
		})
	}
}

// controllersFor resolves a block device such as /dev/nvme0n1p2 to the PCI
// functions behind it, following device-mapper slaves.
func (in *Inspector) controllersFor(dev string) ([]string, error) {
	name := filepath.Base(dev)
	if strings.HasPrefix(dev, "/dev/mapper/") {
		if real, err := filepath.EvalSymlinks(in.Sys.Path(dev)); err == nil {
			name = filepath.Base(real)
		}
	}
	return in.blockControllers(name, 0)
}

func (in *Inspector) blockControllers(name string, depth int) ([]string, error) {
	if depth > 8 {
		return nil, fmt.Errorf("block device nesting too deep at %s", name)
	}
	real, err := filepath.EvalSymlinks(in.Sys.Path("sys/class/block", name))
	if err != nil {
		return nil, err
	}

	slaves, _ := os.ReadDir(filepath.Join(real, "slaves"))
	if len(slaves) > 0 {
		var out []string
		for _, s := range slaves {
			ctrls, err := in.blockControllers(s.Name(), depth+1)
			if err != nil {
				return out, err
			}
			out = append(out, ctrls...)
		}
		return out, nil
	}

	parts := strings.Split(real, string(filepath.Separator))
	for i := len(parts) - 1; i >= 0; i-- {
		if a, err := pci.ParseAddress(parts[i]); err == nil && strings.Count(parts[i], ":") == 2 {
			return []string{a.String()}, nil
		}
	}
	return nil, fmt.Errorf("%s is not behind a pci device", name)
}

func rootFromPartitions() (string, error) {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return "", err
	}
	for _, p := range partitions {
		if p.Mountpoint == "/" {
			return p.Device, nil
		}
	}
	return "", fmt.Errorf("no partition mounted at /")
}
