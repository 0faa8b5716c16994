// Package iommu decides whether an IOMMU group can be handed to a VM.
package iommu

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"glint/glinterr"
	"glint/pci"
	"glint/topology"
)

// Verdict is the outcome of validating one group.
type Verdict struct {
	Safe      bool
	Group     int
	Members   []string
	Reason    string
	Conflicts []string
}

// Err turns an unsafe verdict into an UnsafeGroup error for device.
func (v Verdict) Err(device string) error {
	if v.Safe {
		return nil
	}
	return glinterr.New(glinterr.ErrUnsafeGroup, "%s", v.Reason).
		WithDevice(device).
		WithGroup(v.Group).
		WithConflicts(v.Conflicts...).
		WithRemediation("pass every listed device together, move the card to another slot, or check the firmware's ACS setting")
}

// Resolver validates groups against the live sysfs tree, so the answer
// reflects hot-plug changes since the profile was taken.
type Resolver struct {
	Sys     *pci.Sysfs
	Profile topology.Profile
}

func New(sys *pci.Sysfs, profile topology.Profile) *Resolver {
	return &Resolver{Sys: sys, Profile: profile}
}

// Validate checks group n for a passthrough of selected. The group is
// unsafe when it holds an essential host device, a device another essential
// device depends on, or any device that was not selected. PCI bridges are not
// counted as members.
func (r *Resolver) Validate(n int, selected []string) Verdict {
	v := Verdict{Group: n}
	if n < 0 {
		v.Reason = "device is not in an IOMMU group"
		return v
	}
	members, err := r.Sys.GroupMembers(n)
	if err != nil {
		v.Reason = fmt.Sprintf("cannot read IOMMU group %d: %v", n, err)
		return v
	}
	v.Members = members

	chosen := make(map[string]bool, len(selected))
	for _, s := range selected {
		chosen[pci.Normalize(s)] = true
	}

	var essential, dependent, unselected []string
	for _, m := range members {
		dev, err := r.Sys.Device(m)
		if err != nil {
			dev = pci.Device{Address: m, Kind: pci.KindOther}
		}
		if dev.Kind == pci.KindBridge {
			continue
		}

		if e, ok := r.Profile.EssentialFor(m); ok {
			if chosen[m] && e.Selectable {
				continue
			}
			essential = append(essential, fmt.Sprintf("%s: %s", dev, e.Reason))
			continue
		}
		if chosen[m] {
			continue
		}
		if owner := r.requiredBy(m, chosen); owner != "" {
			dependent = append(dependent, fmt.Sprintf("%s: required by %s", dev, owner))
			continue
		}
		unselected = append(unselected, fmt.Sprintf("%s: not selected", dev))
	}

	switch {
	case len(essential) > 0:
		v.Reason = fmt.Sprintf("IOMMU group %d contains a device the host needs: %s", n, essential[0])
	case len(dependent) > 0:
		v.Reason = fmt.Sprintf("IOMMU group %d contains a device needed by a host device: %s", n, dependent[0])
	case len(unselected) > 0:
		v.Reason = fmt.Sprintf("IOMMU group %d has %d device(s) that were not selected and would be taken from the host", n, len(unselected))
	default:
		v.Safe = true
		return v
	}
	v.Conflicts = append(append(append(v.Conflicts, essential...), dependent...), unselected...)
	return v
}

// requiredBy returns the essential device that shares addr's slot, i.e. a
// sibling function of a device the host keeps.
func (r *Resolver) requiredBy(addr string, chosen map[string]bool) string {
	a, err := pci.ParseAddress(addr)
	if err != nil {
		return ""
	}
	for _, e := range r.Profile.Essential {
		if chosen[e.Address] && e.Selectable {
			continue
		}
		b, err := pci.ParseAddress(e.Address)
		if err != nil {
			continue
		}
		if a.Domain == b.Domain && a.Bus == b.Bus && a.Slot == b.Slot {
			return e.Address
		}
	}
	return ""
}

// ValidateSelection validates the group of every selected device. A device
// that is gone returns DeviceVanished; the first unsafe group returns
// UnsafeGroup. On success the verdicts are returned in group order.
func (r *Resolver) ValidateSelection(selected []string) ([]Verdict, error) {
	byGroup := make(map[int]string)
	for _, s := range selected {
		addr := pci.Normalize(s)
		if !r.Sys.Exists(addr) {
			return nil, glinterr.New(glinterr.ErrDeviceVanished, "device is no longer present").WithDevice(addr)
		}
		g, err := r.Sys.IOMMUGroup(addr)
		if errors.Is(err, fs.ErrNotExist) {
			g = -1
		} else if err != nil {
			return nil, err
		}
		if _, ok := byGroup[g]; !ok {
			byGroup[g] = addr
		}
	}

	groups := make([]int, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Ints(groups)

	verdicts := make([]Verdict, 0, len(groups))
	for _, g := range groups {
		v := r.Validate(g, selected)
		if !v.Safe {
			return nil, v.Err(byGroup[g])
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

// Companions returns the members of the groups of selected that are not
// bridges, for suggesting a complete selection.
func (r *Resolver) Companions(selected []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range selected {
		g, err := r.Sys.IOMMUGroup(pci.Normalize(s))
		if err != nil {
			continue
		}
		members, _ := r.Sys.GroupMembers(g)
		for _, m := range members {
			if seen[m] {
				continue
			}
			seen[m] = true
			if dev, err := r.Sys.Device(m); err == nil && dev.Kind == pci.KindBridge {
				continue
			}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// Describe formats a verdict for logs and the CLI.
func Describe(v Verdict) string {
	if v.Safe {
		return fmt.Sprintf("group %d safe (%s)", v.Group, strings.Join(v.Members, ", "))
	}
	return fmt.Sprintf("group %d unsafe: %s", v.Group, v.Reason)
}
