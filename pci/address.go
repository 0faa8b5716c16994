package pci

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	fullBDFPattern     = regexp.MustCompile(`(?i)^([0-9a-f]{4}):([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
	shortBDFPattern    = regexp.MustCompile(`(?i)^([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
	nodeNamePattern    = regexp.MustCompile(`(?i)^pci_([0-9a-f]{4})_([0-9a-f]{2})_([0-9a-f]{2})_([0-7])$`)
	rawNodeNamePattern = regexp.MustCompile(`(?i)^([0-9a-f]{4})_([0-9a-f]{2})_([0-9a-f]{2})_([0-7])$`)
)

// Address identifies a PCI device using its domain:bus:slot.function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Slot, a.Function)
}

// ParseAddress accepts:
// - 0000:65:00.0
// - 65:00.0 (assumes domain 0000)
// - pci_0000_65_00_0
// - 0000_65_00_0
// - /sys/bus/pci/devices/0000:65:00.0
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Address{}, fmt.Errorf("pci address is empty")
	}
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSpace(s)

	if m := fullBDFPattern.FindStringSubmatch(s); len(m) == 5 {
		return addressFromHexParts(m[1], m[2], m[3], m[4])
	}
	if m := shortBDFPattern.FindStringSubmatch(s); len(m) == 4 {
		return addressFromHexParts("0000", m[1], m[2], m[3])
	}
	if m := nodeNamePattern.FindStringSubmatch(s); len(m) == 5 {
		return addressFromHexParts(m[1], m[2], m[3], m[4])
	}
	if m := rawNodeNamePattern.FindStringSubmatch(s); len(m) == 5 {
		return addressFromHexParts(m[1], m[2], m[3], m[4])
	}

	return Address{}, fmt.Errorf("invalid pci address format: %q", raw)
}

// Normalize returns the canonical long form of raw, or raw lowercased when it
// does not parse.
func Normalize(raw string) string {
	a, err := ParseAddress(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return a.String()
}

// NormalizeAll parses every entry in raws and fails on the first bad one.
func NormalizeAll(raws []string) ([]string, error) {
	out := make([]string, 0, len(raws))
	for _, r := range raws {
		a, err := ParseAddress(r)
		if err != nil {
			return nil, err
		}
		out = appendUnique(out, a.String())
	}
	return out, nil
}

func addressFromHexParts(domain, bus, slot, function string) (Address, error) {
	d, err := strconv.ParseUint(domain, 16, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci domain %q: %w", domain, err)
	}
	b, err := strconv.ParseUint(bus, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci bus %q: %w", bus, err)
	}
	s, err := strconv.ParseUint(slot, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci slot %q: %w", slot, err)
	}
	f, err := strconv.ParseUint(function, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci function %q: %w", function, err)
	}
	return Address{
		Domain:   uint16(d),
		Bus:      uint8(b),
		Slot:     uint8(s),
		Function: uint8(f),
	}, nil
}

func addressFromNodeFields(domain, bus, slot, function string) (Address, error) {
	d, err := parseXMLComponent(domain, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci domain %q: %w", domain, err)
	}
	b, err := parseXMLComponent(bus, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci bus %q: %w", bus, err)
	}
	s, err := parseXMLComponent(slot, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci slot %q: %w", slot, err)
	}
	f, err := parseXMLComponent(function, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci function %q: %w", function, err)
	}
	return Address{
		Domain:   uint16(d),
		Bus:      uint8(b),
		Slot:     uint8(s),
		Function: uint8(f),
	}, nil
}

func parseXMLComponent(raw string, bitSize int) (uint64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s, 0, bitSize)
	}
	if v, err := strconv.ParseUint(s, 10, bitSize); err == nil {
		return v, nil
	}
	return strconv.ParseUint(s, 16, bitSize)
}

func appendUnique(values []string, value string) []string {
	for _, v := range values {
		if v == value {
			return values
		}
	}
	return append(values, value)
}
