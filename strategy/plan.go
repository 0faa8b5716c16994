package strategy

import (
	"fmt"
	"sync"
	"time"

	"glint/glinterr"
	"glint/pci"
	"glint/topology"
)

// Name identifies how a plan hands devices over.
type Name string

const (
	// SessionStop stops the host graphical session first because the device
	// drives the only display.
	SessionStop Name = "session-stop"
	// IdleSecondary passes an adapter the host is not using.
	IdleSecondary Name = "idle-secondary"
	// Direct passes devices that the host can live without.
	Direct Name = "direct"
)

type SessionAction string

const (
	SessionNone         SessionAction = "none"
	SessionStopRequired SessionAction = "stop-required"
)

// BlackScreenWarning is shown, and must be acknowledged, before a plan that
// takes away the only display runs.
const BlackScreenWarning = "BLACK SCREEN: %s drives the only host display. The graphical session will be stopped and the screen stays black until the VM exits and the host is restored. Connect a monitor to the passed GPU to see the VM."

// Plan is a validated passthrough choice. It can be executed once.
type Plan struct {
	ID                      string         `yaml:"id"`
	CreatedAt               time.Time      `yaml:"created_at"`
	Strategy                Name           `yaml:"strategy"`
	SessionAction           SessionAction  `yaml:"session_action"`
	Devices                 []pci.Device   `yaml:"devices"`
	Warnings                []string       `yaml:"warnings,omitempty"`
	RequiresAcknowledgement bool           `yaml:"requires_acknowledgement"`
	Acknowledged            bool           `yaml:"acknowledged"`
	Class                   topology.Class `yaml:"class"`

	mu       sync.Mutex
	consumed bool
}

func (p *Plan) StopRequired() bool { return p.SessionAction == SessionStopRequired }

// Addresses returns the device addresses in plan order.
func (p *Plan) Addresses() []string {
	out := make([]string, 0, len(p.Devices))
	for _, d := range p.Devices {
		out = append(out, d.Address)
	}
	return out
}

// Acknowledge records the user's confirmation of the plan. Every plan needs
// it before it runs; RequiresAcknowledgement only marks plans whose
// confirmation must be typed out because the display goes away.
func (p *Plan) Acknowledge() {
	p.mu.Lock()
	p.Acknowledged = true
	p.mu.Unlock()
}

// Consume claims the plan for execution. It fails when the plan was not
// acknowledged or was already consumed.
func (p *Plan) Consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Acknowledged {
		if p.RequiresAcknowledgement {
			return glinterr.New(glinterr.ErrNotAcknowledged, "plan %s stops the host session and must be acknowledged", p.ID)
		}
		return glinterr.New(glinterr.ErrNotAcknowledged, "plan %s was not confirmed", p.ID)
	}
	if p.consumed {
		return glinterr.New(glinterr.ErrPlanConsumed, "plan %s was already executed", p.ID)
	}
	p.consumed = true
	return nil
}

// BlastRadius orders plans: fewer relinquished devices and no session stop
// is smaller.
func (p *Plan) BlastRadius() int {
	r := len(p.Devices)
	if p.StopRequired() {
		r += 100
	}
	return r
}

func (p *Plan) Summary() string {
	return fmt.Sprintf("plan %s: %s, session %s, %d device(s)", p.ID, p.Strategy, p.SessionAction, len(p.Devices))
}
