package topology

import (
	"glint/glinterr"
	"glint/pci"
)

// Class is the machine's graphics topology.
type Class string

const (
	ClassDesktop            Class = "desktop"
	ClassLaptopHybridMux    Class = "laptop-hybrid-mux"
	ClassLaptopDiscreteOnly Class = "laptop-discrete-only"
)

// Essential marks a device the host cannot give up.
type Essential struct {
	Address string `yaml:"address"`
	Reason  string `yaml:"reason"`
	// Selectable is set for the active display adapter: it may still be
	// passed through when the user picks it explicitly and the host
	// session is stopped first.
	Selectable bool `yaml:"selectable,omitempty"`
}

// Profile is the result of one inspection.
type Profile struct {
	Class       Class  `yaml:"class"`
	Unsupported bool   `yaml:"unsupported,omitempty"`
	Reason      string `yaml:"reason,omitempty"`
	Remediation string `yaml:"remediation,omitempty"`

	Laptop           bool     `yaml:"laptop"`
	MuxPresent       bool     `yaml:"mux_present"`
	ActiveDisplay    string   `yaml:"active_display,omitempty"`
	AlternateDisplay string   `yaml:"alternate_display,omitempty"`
	IntegratedGPUs   []string `yaml:"integrated_gpus,omitempty"`
	RootStorage      []string `yaml:"root_storage,omitempty"`

	Essential []Essential                `yaml:"essential,omitempty"`
	Groups    map[int][]string           `yaml:"groups,omitempty"`
	USB       map[string][]pci.USBDevice `yaml:"-"`

	// Notes are non-fatal findings shown by diagnose.
	Notes []string `yaml:"notes,omitempty"`
}

// Err returns the UnsupportedTopology error for an unsupported profile.
func (p Profile) Err() error {
	if !p.Unsupported {
		return nil
	}
	return glinterr.New(glinterr.ErrUnsupportedTopology, "%s", p.Reason).WithRemediation("%s", p.Remediation)
}

// EssentialFor returns the essential marking of addr, if any.
func (p Profile) EssentialFor(addr string) (Essential, bool) {
	for _, e := range p.Essential {
		if e.Address == addr {
			return e, true
		}
	}
	return Essential{}, false
}

// SoleActiveDisplay reports whether addr drives the host display and nothing
// else could take over.
func (p Profile) SoleActiveDisplay(addr string) bool {
	return addr != "" && addr == p.ActiveDisplay && p.AlternateDisplay == ""
}

func (p Profile) IsIntegrated(addr string) bool {
	for _, a := range p.IntegratedGPUs {
		if a == addr {
			return true
		}
	}
	return false
}
