package pci

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"

	"glint/logger"
)

// Labeler turns vendor/device IDs into a human readable name.
type Labeler interface {
	Label(vendorID, deviceID string) string
}

// PCIDBLabeler resolves names from the pci.ids database on first use. When the
// database cannot be loaded every lookup returns "".
type PCIDBLabeler struct {
	once sync.Once
	db   *pcidb.PCIDB
}

func (l *PCIDBLabeler) load() {
	db, err := pcidb.New()
	if err != nil {
		logger.Debug("pci.ids database unavailable", "err", err)
		return
	}
	l.db = db
}

func (l *PCIDBLabeler) Label(vendorID, deviceID string) string {
	l.once.Do(l.load)
	if l.db == nil {
		return ""
	}
	vendor, ok := l.db.Vendors[strings.ToLower(vendorID)]
	if !ok {
		return ""
	}
	for _, product := range vendor.Products {
		if product.ID == strings.ToLower(deviceID) {
			return vendor.Name + " " + product.Name
		}
	}
	return vendor.Name
}

// StaticLabels is a fixed "vendor:device" -> name table.
type StaticLabels map[string]string

func (s StaticLabels) Label(vendorID, deviceID string) string {
	return s[strings.ToLower(vendorID+":"+deviceID)]
}
