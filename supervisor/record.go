// Package supervisor drives one passthrough session from plan to cleanup and
// keeps the durable Session Record that makes a crashed session recoverable.
package supervisor

import (
	"fmt"
	"time"

	"glint/hostsession"
	"glint/pci"
	"glint/qemu"
	"glint/strategy"
	"glint/vfio"
)

type State string

const (
	StatePlanned          State = "planned"
	StateSessionStopped   State = "session-stopped"
	StateDevicesBound     State = "devices-bound"
	StateVMRunning        State = "vm-running"
	StateDevicesUnbinding State = "devices-unbinding"
	StateSessionRestoring State = "session-restoring"
	StateCleaned          State = "cleaned"
	StateCleanupFailed    State = "cleanup-failed"
)

// Cleanup is the cleanup state stored in the record.
type Cleanup string

const (
	CleanupPending   Cleanup = "pending"
	CleanupCompleted Cleanup = "completed"
	CleanupFailed    Cleanup = "failed"
)

// transitions lists the legal next states. Every state before VMRunning can
// fall through to the unwind, and a failed or interrupted unwind can be
// entered again by recovery.
var transitions = map[State][]State{
	StatePlanned:          {StateSessionStopped, StateDevicesBound, StateDevicesUnbinding},
	StateSessionStopped:   {StateDevicesBound, StateDevicesUnbinding},
	StateDevicesBound:     {StateVMRunning, StateDevicesUnbinding},
	StateVMRunning:        {StateDevicesUnbinding},
	StateDevicesUnbinding: {StateSessionRestoring, StateCleaned, StateCleanupFailed, StateDevicesUnbinding},
	StateSessionRestoring: {StateCleaned, StateCleanupFailed, StateDevicesUnbinding},
	StateCleanupFailed:    {StateDevicesUnbinding},
}

// Op is one entry of a session's operation log.
type Op struct {
	Name   string    `yaml:"name"`
	At     time.Time `yaml:"at"`
	Detail string    `yaml:"detail,omitempty"`
	Err    string    `yaml:"err,omitempty"`
}

// Record is the Session Record. It is written when a session starts, updated
// on every state change and removed once cleanup is confirmed.
type Record struct {
	ID              string                 `yaml:"id"`
	PID             int                    `yaml:"pid"`
	PIDCreated      int64                  `yaml:"pid_created,omitempty"`
	StartedAt       time.Time              `yaml:"started_at"`
	UpdatedAt       time.Time              `yaml:"updated_at"`
	PlanID          string                 `yaml:"plan_id"`
	Strategy        strategy.Name          `yaml:"strategy"`
	SessionAction   strategy.SessionAction `yaml:"session_action"`
	Devices         []pci.Device           `yaml:"devices"`
	State           State                  `yaml:"state"`
	Cleanup         Cleanup                `yaml:"cleanup"`
	Session         *hostsession.Token     `yaml:"session,omitempty"`
	SessionRestored bool                   `yaml:"session_restored,omitempty"`
	Handle          *vfio.Handle           `yaml:"handle,omitempty"`
	VM              qemu.VM                `yaml:"vm"`
	CommandLine     string                 `yaml:"command_line,omitempty"`
	VMPid           int                    `yaml:"vm_pid,omitempty"`
	VMCreated       int64                  `yaml:"vm_created,omitempty"`
	ExitReason      string                 `yaml:"exit_reason,omitempty"`
	Error           string                 `yaml:"error,omitempty"`
	Diagnostics     string                 `yaml:"diagnostics,omitempty"`
	Ops             []Op                   `yaml:"ops"`
}

func (r *Record) StopRequired() bool {
	return r.SessionAction == strategy.SessionStopRequired
}

func (r *Record) Addresses() []string {
	out := make([]string, 0, len(r.Devices))
	for _, d := range r.Devices {
		out = append(out, d.Address)
	}
	return out
}

// Terminal is true for Cleaned and CleanupFailed.
func (r *Record) Terminal() bool {
	return r.State == StateCleaned || r.State == StateCleanupFailed
}

// advance moves r to state to, enforcing the transition table and the
// ordering preconditions.
func (r *Record) advance(to State) error {
	allowed := false
	for _, s := range transitions[r.State] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("session %s: illegal transition %s -> %s", r.ID, r.State, to)
	}
	if err := r.precondition(to); err != nil {
		return fmt.Errorf("session %s: %s -> %s: %w", r.ID, r.State, to, err)
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Record) precondition(to State) error {
	switch to {
	case StateDevicesBound:
		if r.StopRequired() && r.State != StateSessionStopped {
			return fmt.Errorf("host session must be stopped before binding")
		}
		if r.Handle == nil {
			return fmt.Errorf("no bound handle")
		}
	case StateVMRunning:
		if r.Handle == nil {
			return fmt.Errorf("devices are not bound")
		}
		if r.VMPid <= 0 {
			return fmt.Errorf("no vm process")
		}
	case StateCleaned:
		if r.Handle != nil && !r.Handle.Restored() {
			return fmt.Errorf("devices are not restored")
		}
		if r.Session != nil && r.Session.WasActive && !r.SessionRestored {
			return fmt.Errorf("host session is not restored")
		}
	}
	return nil
}

func (r *Record) log(name, detail string, err error) Op {
	op := Op{Name: name, At: time.Now().UTC(), Detail: detail}
	if err != nil {
		op.Err = err.Error()
	}
	r.Ops = append(r.Ops, op)
	return op
}

// recoveryHandle returns the bound handle, or one rebuilt from the planned
// devices when the session died before the handle was saved.
func (r *Record) recoveryHandle() *vfio.Handle {
	if r.Handle != nil {
		return r.Handle
	}
	h := &vfio.Handle{ID: "recovered-" + r.ID}
	for _, d := range r.Devices {
		drv := d.Driver
		if drv == vfio.Driver {
			drv = ""
		}
		h.Devices = append(h.Devices, vfio.BoundDevice{Address: d.Address, OriginalDriver: drv})
	}
	return h
}
