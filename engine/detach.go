package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"glint/glinterr"
	"glint/logger"
	"glint/qemu"
	"glint/statefile"
	"glint/strategy"
	"glint/supervisor"
)

// Request is what a detached supervisor is started with.
type Request struct {
	Plan *strategy.Plan `yaml:"plan"`
	VM   qemu.VM        `yaml:"vm"`
}

// Detached describes a supervisor started by RunDetached.
type Detached struct {
	PID     int
	Request string
	Log     string
}

// RunDetached hands plan to a new `glint supervise` process in its own
// session, so closing the terminal or losing the display does not stop it.
// The plan is consumed here and travels through a request file that the
// supervisor deletes before acting on it.
func (e *Engine) RunDetached(plan *strategy.Plan, vm qemu.VM) (Detached, error) {
	// Fail early rather than from the background.
	lock, err := supervisor.AcquireLock(e.Config.LockPath())
	if err != nil {
		return Detached{}, err
	}
	lock.Release()

	if err := plan.Consume(); err != nil {
		return Detached{}, err
	}

	d := Detached{
		Request: filepath.Join(e.Config.RequestsDir(), plan.ID+".yaml"),
		Log:     filepath.Join(e.Config.LogDir(), "supervise-"+plan.ID+".log"),
	}
	if err := writeRequest(d.Request, Request{Plan: plan, VM: vm}); err != nil {
		return Detached{}, fmt.Errorf("write request: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return Detached{}, fmt.Errorf("locate glint binary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.Log), 0o755); err != nil {
		return Detached{}, err
	}
	cmd := exec.Command(exe, "supervise", "--request", d.Request, "--log", d.Log)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		_ = statefile.Remove(d.Request)
		return Detached{}, fmt.Errorf("start supervisor: %w", err)
	}
	d.PID = cmd.Process.Pid
	_ = cmd.Process.Release()
	logger.Info("supervisor detached", "pid", d.PID, "plan", plan.ID, "log", d.Log)
	return d, nil
}

func writeRequest(path string, req Request) error {
	return statefile.WriteYAML(path, req, 0o600)
}

// Supervise runs the request at path in this process. The request file is
// removed first; a request can only ever run once.
func (e *Engine) Supervise(ctx context.Context, path string) (*supervisor.Record, error) {
	var req Request
	if err := statefile.ReadYAML(path, &req); err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if err := statefile.Remove(path); err != nil {
		return nil, fmt.Errorf("claim request: %w", err)
	}
	if req.Plan == nil {
		return nil, fmt.Errorf("request %s has no plan", path)
	}
	return e.Run(ctx, req.Plan, req.VM)
}

// Stop ends a session. A live supervisor is sent SIGTERM and waited for; a
// session whose supervisor is gone is shut down and recovered here.
func (e *Engine) Stop(ctx context.Context, id string) error {
	r, err := e.FindSession(id)
	if err != nil {
		return err
	}
	alive, err := qemu.Alive(r.PID, r.PIDCreated)
	if err != nil {
		return fmt.Errorf("check supervisor %d: %w", r.PID, err)
	}
	if !alive {
		logger.Info("supervisor is gone, recovering directly", "session", r.ID, "pid", r.PID)
		results, err := e.Recover(ctx, r.ID, false)
		if err != nil {
			return err
		}
		return results[0].Err
	}

	if err := unix.Kill(r.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal supervisor %d: %w", r.PID, err)
	}
	logger.Info("stop requested", "session", r.ID, "pid", r.PID)
	return e.waitCleaned(ctx, r.ID)
}

// waitCleaned polls the record until it is deleted or reaches a terminal
// state.
func (e *Engine) waitCleaned(ctx context.Context, id string) error {
	// The supervisor has StopTimeout for the VM plus the unwind retries.
	deadline := time.After(e.Config.StopTimeout + 2*time.Minute)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		r, err := e.Store.Load(id)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err == nil && r.Terminal() {
			if r.State == supervisor.StateCleanupFailed {
				return &glinterr.Error{
					Kind:        glinterr.ErrCleanupFailed,
					Reason:      fmt.Sprintf("session %s: %s", id, r.Error),
					Remediation: "glint recover " + id,
				}
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("session %s still running; see 'glint sessions'", id)
		case <-tick.C:
		}
	}
}
