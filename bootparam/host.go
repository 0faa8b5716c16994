package bootparam

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// HostInfo is what the remediation text needs to know about the machine.
type HostInfo struct {
	CPUVendor      string
	Virtualization bool
	DistroID       string
	DistroLike     []string
	Cmdline        string
}

// ReadHostInfo reads /proc/cpuinfo, /proc/cmdline and /etc/os-release below
// root. Missing files leave the matching fields empty.
func ReadHostInfo(root string) HostInfo {
	var h HostInfo
	if f, err := os.Open(filepath.Join(root, "proc/cpuinfo")); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			key, val, ok := strings.Cut(sc.Text(), ":")
			if !ok {
				continue
			}
			switch strings.TrimSpace(key) {
			case "vendor_id":
				if h.CPUVendor == "" {
					h.CPUVendor = strings.TrimSpace(val)
				}
			case "flags":
				for _, flag := range strings.Fields(val) {
					if flag == "vmx" || flag == "svm" {
						h.Virtualization = true
					}
				}
			}
		}
		f.Close()
	}

	if b, err := os.ReadFile(filepath.Join(root, "proc/cmdline")); err == nil {
		h.Cmdline = strings.TrimSpace(string(b))
	}

	// os-release is KEY=value with shell quoting, which godotenv reads as is.
	if rel, err := godotenv.Read(filepath.Join(root, "etc/os-release")); err == nil {
		h.DistroID = strings.ToLower(rel["ID"])
		h.DistroLike = strings.Fields(strings.ToLower(rel["ID_LIKE"]))
	}
	return h
}

// IOMMUParams returns the kernel parameters that turn the IOMMU on for the
// CPU vendor.
func (h HostInfo) IOMMUParams() []string {
	switch h.CPUVendor {
	case "AuthenticAMD":
		return []string{"amd_iommu=on", "iommu=pt"}
	default:
		return []string{"intel_iommu=on", "iommu=pt"}
	}
}

// CmdlineHas reports whether param is already on the running kernel's
// command line.
func (h HostInfo) CmdlineHas(param string) bool {
	for _, f := range strings.Fields(h.Cmdline) {
		if f == param {
			return true
		}
	}
	return false
}

type distro struct {
	grubUpdate      string
	initramfsUpdate string
	// manual is set when the distribution does not boot through GRUB.
	manual bool
}

var distros = map[string]distro{
	"arch":    {grubUpdate: "sudo grub-mkconfig -o /boot/grub/grub.cfg", initramfsUpdate: "sudo mkinitcpio -P"},
	"manjaro": {grubUpdate: "sudo update-grub", initramfsUpdate: "sudo mkinitcpio -P"},
	"debian":  {grubUpdate: "sudo update-grub", initramfsUpdate: "sudo update-initramfs -u"},
	"ubuntu":  {grubUpdate: "sudo update-grub", initramfsUpdate: "sudo update-initramfs -u"},
	"pop":     {manual: true, initramfsUpdate: "sudo update-initramfs -u"},
	"fedora":  {grubUpdate: "sudo grub2-mkconfig -o /boot/efi/EFI/fedora/grub.cfg", initramfsUpdate: "sudo dracut -f --kver `uname -r`"},
}

func (h HostInfo) distro() (distro, bool) {
	if d, ok := distros[h.DistroID]; ok {
		return d, true
	}
	for _, like := range h.DistroLike {
		if d, ok := distros[like]; ok {
			return d, true
		}
	}
	return distro{}, false
}

// RegenerateCommand is the command that rebuilds the bootloader config after
// /etc/default/grub changed.
func (h HostInfo) RegenerateCommand() string {
	d, ok := h.distro()
	switch {
	case !ok:
		return "regenerate your bootloader configuration (e.g. sudo grub-mkconfig -o /boot/grub/grub.cfg)"
	case d.manual:
		return "add the parameters with kernelstub (sudo kernelstub -a <param>); this system uses systemd-boot"
	default:
		return d.grubUpdate
	}
}

// UsesGRUB reports whether the detected distribution boots through GRUB.
func (h HostInfo) UsesGRUB() bool {
	d, ok := h.distro()
	return !ok || !d.manual
}

func (h HostInfo) InitramfsCommand() string {
	if d, ok := h.distro(); ok {
		return d.initramfsUpdate
	}
	return ""
}

// IOMMURemediation is the user-facing fix for a host with no IOMMU groups.
func (h HostInfo) IOMMURemediation() string {
	params := strings.Join(h.IOMMUParams(), " ")
	return "add \"" + params + "\" to the kernel command line (glint iommu enable), run: " +
		h.RegenerateCommand() + ", then reboot"
}
