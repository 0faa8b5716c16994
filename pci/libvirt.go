package pci

import (
	"encoding/xml"
	"fmt"
	"strings"

	libvirt "libvirt.org/go/libvirt"

	"glint/logger"
)

// VMAttachments maps each host PCI address that a libvirt domain passes
// through to the names of those domains. Domains whose XML cannot be read are
// skipped with a warning.
func VMAttachments(uri string) (map[string][]string, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", uri, err)
	}
	defer conn.Close()

	domains, err := conn.ListAllDomains(0)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	claims := make(map[string][]string)
	for i := range domains {
		dom := &domains[i]
		name, err := dom.GetName()
		if err == nil {
			var desc string
			if desc, err = dom.GetXMLDesc(0); err == nil {
				var addrs []string
				if addrs, err = hostdevAddresses(desc); err == nil {
					for _, a := range addrs {
						claims[a] = appendUnique(claims[a], name)
					}
				}
			}
		}
		if err != nil {
			logger.Warn("skipping libvirt domain", "domain", name, "err", err)
		}
		_ = dom.Free()
	}
	return claims, nil
}

// hostdevAddresses returns the host addresses of the PCI hostdevs in a domain
// definition.
func hostdevAddresses(desc string) ([]string, error) {
	var dom struct {
		HostDevs []struct {
			Type string `xml:"type,attr"`
			Source struct {
				Address struct {
					Domain   string `xml:"domain,attr"`
					Bus      string `xml:"bus,attr"`
					Slot     string `xml:"slot,attr"`
					Function string `xml:"function,attr"`
				} `xml:"address"`
			} `xml:"source"`
		} `xml:"devices>hostdev"`
	}
	if err := xml.Unmarshal([]byte(desc), &dom); err != nil {
		return nil, fmt.Errorf("parse domain xml: %w", err)
	}

	var out []string
	for _, hd := range dom.HostDevs {
		if !strings.EqualFold(hd.Type, "pci") {
			continue
		}
		src := hd.Source.Address
		a, err := addressFromNodeFields(src.Domain, src.Bus, src.Slot, src.Function)
		if err != nil {
			return nil, err
		}
		out = appendUnique(out, a.String())
	}
	return out, nil
}
