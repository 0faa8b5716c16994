// Package strategy turns a topology profile and a device request into a
// passthrough plan, or refuses. It never changes host state.
package strategy

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"glint/glinterr"
	"glint/iommu"
	"glint/logger"
	"glint/pci"
	"glint/topology"
)

// Request is the user's device choice.
type Request struct {
	Devices []string
}

// ClaimSource reports which devices are already held, keyed by address, with
// the holders (session IDs, libvirt domains) as values.
type ClaimSource func() (map[string][]string, error)

type Selector struct {
	Profile  topology.Profile
	Sys      *pci.Sysfs
	Resolver *iommu.Resolver
	Claims   ClaimSource
}

func New(profile topology.Profile, sys *pci.Sysfs, claims ClaimSource) *Selector {
	return &Selector{
		Profile:  profile,
		Sys:      sys,
		Resolver: iommu.New(sys, profile),
		Claims:   claims,
	}
}

// Select applies the decision table to req:
//  1. an unsafe group is rejected with its conflicts;
//  2. the sole active display needs a session stop and an acknowledged
//     black-screen warning;
//  3. an idle secondary adapter goes without a stop;
//  4. anything else goes without a stop, with a compatibility note.
func (s *Selector) Select(req Request) (*Plan, error) {
	if err := s.Profile.Err(); err != nil {
		return nil, err
	}
	if len(req.Devices) == 0 {
		return nil, fmt.Errorf("no devices requested")
	}
	addrs, err := pci.NormalizeAll(req.Devices)
	if err != nil {
		return nil, err
	}

	devices := make([]pci.Device, 0, len(addrs))
	for _, a := range addrs {
		d, err := s.Sys.Device(a)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, glinterr.New(glinterr.ErrDeviceVanished, "device not found").WithDevice(a)
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	if err := s.checkClaims(addrs); err != nil {
		return nil, err
	}

	if _, err := s.Resolver.ValidateSelection(addrs); err != nil {
		return nil, s.withCompanions(err, addrs)
	}

	plan := &Plan{
		ID:            uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
		Devices:       devices,
		SessionAction: SessionNone,
		Class:         s.Profile.Class,
	}

	switch {
	case s.anySoleDisplay(devices):
		plan.Strategy = SessionStop
		plan.SessionAction = SessionStopRequired
		plan.RequiresAcknowledgement = true
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(BlackScreenWarning, s.Profile.ActiveDisplay))
		if s.Profile.Class == topology.ClassLaptopHybridMux {
			plan.Warnings = append(plan.Warnings, "the internal panel is wired to this GPU; switch the MUX to the integrated GPU to keep a host display instead")
		}
	case s.allIdleSecondary(devices):
		plan.Strategy = IdleSecondary
	default:
		plan.Strategy = Direct
		plan.Warnings = append(plan.Warnings, "device compatibility is not guaranteed: some devices need vendor reset quirks or refuse to reinitialize after the VM exits")
	}

	plan.Warnings = append(plan.Warnings, s.deviceWarnings(devices)...)
	logger.Info("plan created",
		"plan", plan.ID,
		"strategy", string(plan.Strategy),
		"session_action", string(plan.SessionAction),
		"devices", strings.Join(addrs, ","),
	)
	return plan, nil
}

// Best selects every request and returns the plan with the smallest blast
// radius. The errors of rejected requests are returned alongside.
func (s *Selector) Best(reqs []Request) (*Plan, []error) {
	var plans []*Plan
	var errs []error
	for _, r := range reqs {
		p, err := s.Select(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		plans = append(plans, p)
	}
	if len(plans) == 0 {
		return nil, errs
	}
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].BlastRadius() < plans[j].BlastRadius()
	})
	return plans[0], errs
}

func (s *Selector) checkClaims(addrs []string) error {
	if s.Claims == nil {
		return nil
	}
	claims, err := s.Claims()
	if err != nil {
		return fmt.Errorf("read device claims: %w", err)
	}
	for _, a := range addrs {
		if holders := claims[a]; len(holders) > 0 {
			return glinterr.New(glinterr.ErrDeviceClaimed, "device is held by %s", strings.Join(holders, ", ")).
				WithDevice(a).
				WithRemediation("stop the holder first, or run 'glint recover' if the session is stale")
		}
	}
	return nil
}

// withCompanions adds the full group as the suggested fix when selecting it
// would be safe.
func (s *Selector) withCompanions(err error, addrs []string) error {
	var gerr *glinterr.Error
	if !errors.As(err, &gerr) || gerr.Kind != glinterr.ErrUnsafeGroup {
		return err
	}
	all := s.Resolver.Companions(addrs)
	if len(all) <= len(addrs) {
		return err
	}
	if _, verr := s.Resolver.ValidateSelection(all); verr == nil {
		gerr.Remediation = "select the whole group: --device " + strings.Join(all, " --device ")
	}
	return err
}

func (s *Selector) anySoleDisplay(devices []pci.Device) bool {
	for _, d := range devices {
		if s.Profile.SoleActiveDisplay(d.Address) {
			return true
		}
	}
	return false
}

// allIdleSecondary is true when every GPU in the request is an adapter the
// host is not displaying on, on a laptop running from its discrete GPU.
func (s *Selector) allIdleSecondary(devices []pci.Device) bool {
	if s.Profile.Class != topology.ClassLaptopDiscreteOnly {
		return false
	}
	gpus := 0
	for _, d := range devices {
		if !d.IsGPU() {
			continue
		}
		gpus++
		if d.Address == s.Profile.ActiveDisplay || d.DisplayConnected {
			return false
		}
	}
	return gpus > 0
}

func (s *Selector) deviceWarnings(devices []pci.Device) []string {
	var out []string
	for _, d := range devices {
		if d.VendorID == pci.VendorNVIDIA && d.IsGPU() && d.Driver == "nvidia" {
			out = append(out, fmt.Sprintf("%s is on the proprietary nvidia driver; unbinding fails while any process (nvidia-persistenced, a compositor) holds it open", d.Address))
		}
		if d.Address == s.Profile.ActiveDisplay && s.Profile.AlternateDisplay != "" {
			out = append(out, fmt.Sprintf("displays on %s go dark; the host keeps running on %s", d.Address, s.Profile.AlternateDisplay))
		}
		if d.Kind == pci.KindUSBController {
			usb := s.Profile.USB[d.Address]
			if len(usb) > 0 {
				names := make([]string, 0, len(usb))
				for _, u := range usb {
					names = append(names, u.String())
				}
				out = append(out, fmt.Sprintf("the host loses every USB device on %s: %s", d.Address, strings.Join(names, "; ")))
			}
		}
	}
	return out
}
