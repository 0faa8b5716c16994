package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// USBDevice is a USB device hanging off a PCI USB controller.
type USBDevice struct {
	Name      string
	VendorID  string
	ProductID string
	Product   string
}

func (u USBDevice) String() string {
	if u.Product != "" {
		return fmt.Sprintf("%s %s:%s %s", u.Name, u.VendorID, u.ProductID, u.Product)
	}
	return fmt.Sprintf("%s %s:%s", u.Name, u.VendorID, u.ProductID)
}

// USBDevicesBehind lists the USB devices whose sysfs path runs through the
// controller at addr. Root hubs and interfaces are skipped.
func (s *Sysfs) USBDevicesBehind(addr string) ([]USBDevice, error) {
	dir := s.Path("sys/bus/usb/devices")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list usb devices: %w", err)
	}

	marker := string(filepath.Separator) + Normalize(addr) + string(filepath.Separator)
	var out []USBDevice
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		real, err := filepath.EvalSymlinks(filepath.Join(dir, name))
		if err != nil || !strings.Contains(real+string(filepath.Separator), marker) {
			continue
		}
		out = append(out, USBDevice{
			Name:      name,
			VendorID:  readTrimmed(filepath.Join(real, "idVendor")),
			ProductID: readTrimmed(filepath.Join(real, "idProduct")),
			Product:   readTrimmed(filepath.Join(real, "product")),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
