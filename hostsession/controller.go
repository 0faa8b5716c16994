// Package hostsession stops and restarts the host's graphical session around
// a passthrough that takes its display adapter.
package hostsession

import (
	"context"
	"fmt"
	"time"

	"glint/glinterr"
	"glint/logger"
	"glint/retrying"
)

// UnitState is the service manager's view of one unit.
type UnitState struct {
	Name        string
	LoadState   string
	ActiveState string
	SubState    string
}

// Running is true for units that are up or on their way up.
func (u UnitState) Running() bool {
	switch u.ActiveState {
	case "active", "activating", "reloading":
		return true
	}
	return false
}

// ServiceManager is the subset of a service manager the controller needs.
// Stop and Start return once the job has finished.
type ServiceManager interface {
	Status(ctx context.Context, unit string) (UnitState, error)
	Stop(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	Logs(unit string, lines int) (string, error)
}

// Token is what Start needs to bring the session back. It is stored in the
// Session Record.
type Token struct {
	Unit      string    `yaml:"unit"`
	WasActive bool      `yaml:"was_active"`
	StoppedAt time.Time `yaml:"stopped_at,omitempty"`
}

type Controller struct {
	Mgr   ServiceManager
	Unit  string
	Retry retrying.Policy
}

func New(mgr ServiceManager, unit string, policy retrying.Policy) *Controller {
	return &Controller{Mgr: mgr, Unit: unit, Retry: policy}
}

// Stop stops the display manager unit the way the service manager would on
// request. A session that is not running yields a token Start ignores.
func (c *Controller) Stop(ctx context.Context) (Token, error) {
	st, err := c.Mgr.Status(ctx, c.Unit)
	if err != nil {
		return Token{}, glinterr.Wrap(glinterr.ErrSessionStopFailed, err, "cannot query %s", c.Unit)
	}
	tok := Token{Unit: st.Name}
	if tok.Unit == "" {
		tok.Unit = c.Unit
	}
	if !st.Running() {
		logger.Info("host session not running, nothing to stop", "unit", tok.Unit, "state", st.ActiveState)
		return tok, nil
	}
	tok.WasActive = true

	err = c.Retry.Do(ctx, "stop "+tok.Unit, func(uint) error {
		if err := c.Mgr.Stop(ctx, tok.Unit); err != nil {
			return err
		}
		st, err := c.Mgr.Status(ctx, tok.Unit)
		if err != nil {
			return err
		}
		if st.Running() {
			return glinterr.New(glinterr.ErrDeviceBusy, "%s is still %s", tok.Unit, st.ActiveState)
		}
		return nil
	}, retryAll)
	if err != nil {
		// The token is returned so a caller can still restart the unit.
		return tok, glinterr.Wrap(glinterr.ErrSessionStopFailed, err, "could not stop %s", tok.Unit)
	}
	tok.StoppedAt = time.Now().UTC()
	logger.Info("host session stopped", "unit", tok.Unit)
	return tok, nil
}

// Start brings the session back if tok says it was running. It checks the
// unit first and does nothing when it is already up, so it is safe after a
// Stop that never completed.
func (c *Controller) Start(ctx context.Context, tok Token) error {
	if !tok.WasActive {
		return nil
	}
	unit := tok.Unit
	if unit == "" {
		unit = c.Unit
	}
	return c.Retry.Do(ctx, "start "+unit, func(uint) error {
		st, err := c.Mgr.Status(ctx, unit)
		if err != nil {
			return err
		}
		if st.Running() {
			logger.Info("host session running", "unit", unit)
			return nil
		}
		if err := c.Mgr.Start(ctx, unit); err != nil {
			return fmt.Errorf("start %s: %w", unit, err)
		}
		logger.Info("host session started", "unit", unit)
		return nil
	}, retryAll)
}

// Journal returns the tail of the unit's journal for error reports. Failures
// come back as the text.
func (c *Controller) Journal(tok Token, lines int) string {
	unit := tok.Unit
	if unit == "" {
		unit = c.Unit
	}
	out, err := c.Mgr.Logs(unit, lines)
	if err != nil {
		return fmt.Sprintf("journal of %s unavailable: %v", unit, err)
	}
	return out
}

func retryAll(error) bool { return true }
