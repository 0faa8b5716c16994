package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"glint/glinterr"
	"glint/hostsession"
	"glint/logger"
	"glint/qemu"
	"glint/retrying"
	"glint/strategy"
	"glint/vfio"
)

type Binder interface {
	Bind(ctx context.Context, addrs []string) (*vfio.Handle, error)
	Unbind(ctx context.Context, h *vfio.Handle) error
}

type HostSession interface {
	Stop(ctx context.Context) (hostsession.Token, error)
	Start(ctx context.Context, tok hostsession.Token) error
	Journal(tok hostsession.Token, lines int) string
}

// Process is a running VM as seen from the supervisor.
type Process interface {
	Pid() int
	Created() int64
	// Done is closed when the process has been reaped. It may be nil when
	// the process is not a child.
	Done() <-chan struct{}
	// ExitErr is the wait status once Done is closed.
	ExitErr() error
	Alive() (bool, error)
	Shutdown(ctx context.Context, timeout time.Duration) error
}

type Launcher interface {
	Launch(argv []string, sessionID string) (Process, error)
	Attach(pid int, created int64, qmpSocket string) Process
}

// Recorder receives every state change and operation, for history.
type Recorder interface {
	RecordState(rec *Record)
	RecordOp(sessionID string, op Op)
}

var (
	errVMExited      = errors.New("vm exited")
	errVMGone        = errors.New("vm process disappeared")
	errStopRequested = errors.New("stop requested")
)

const journalLines = 30

type Supervisor struct {
	Store    *Store
	Binder   Binder
	Session  HostSession
	VMs      Launcher
	Recorder Recorder

	// Cleanup bounds the retries of each unwind step.
	Cleanup      retrying.Policy
	PollInterval time.Duration
	StopTimeout  time.Duration

	alive func(pid int, created int64) (bool, error)
}

func New(store *Store, binder Binder, session HostSession, vms Launcher, cleanup retrying.Policy) *Supervisor {
	return &Supervisor{
		Store:        store,
		Binder:       binder,
		Session:      session,
		VMs:          vms,
		Cleanup:      cleanup,
		PollInterval: 2 * time.Second,
		StopTimeout:  60 * time.Second,
		alive:        qemu.Alive,
	}
}

// Run executes plan: stop the host session when the plan requires it, bind
// the devices, launch argv and wait for the VM to go away. Whatever happens
// after the record is written, the unwind runs. Failures before the VM runs
// are returned after the unwind; a failed unwind returns ErrCleanupFailed
// and leaves the record behind for recovery.
func (s *Supervisor) Run(ctx context.Context, plan *strategy.Plan, vm qemu.VM, argv []string) (*Record, error) {
	if err := plan.Consume(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:            uuid.New().String(),
		PID:           os.Getpid(),
		StartedAt:     now,
		UpdatedAt:     now,
		PlanID:        plan.ID,
		Strategy:      plan.Strategy,
		SessionAction: plan.SessionAction,
		Devices:       plan.Devices,
		State:         StatePlanned,
		Cleanup:       CleanupPending,
		VM:            vm,
		CommandLine:   qemu.CommandLine(argv),
	}
	if p, err := process.NewProcess(int32(rec.PID)); err == nil {
		rec.PIDCreated, _ = p.CreateTime()
	}
	if err := s.Store.Save(rec); err != nil {
		return nil, err
	}
	s.recordState(rec)
	logger.Info("session started", "session", rec.ID, "plan", plan.ID, "strategy", string(plan.Strategy))

	cause := s.execute(ctx, rec, argv)
	if cause != nil {
		logger.Error("session aborted, unwinding", "session", rec.ID, "state", string(rec.State), "err", cause)
	}
	if err := s.unwind(context.WithoutCancel(ctx), rec); err != nil {
		return rec, err
	}
	return rec, cause
}

func (s *Supervisor) execute(ctx context.Context, rec *Record, argv []string) error {
	if rec.StopRequired() {
		tok, err := s.Session.Stop(ctx)
		rec.Session = &tok
		s.op(rec, "session-stop", tok.Unit, err)
		if err != nil {
			return err
		}
		if err := s.enter(rec, StateSessionStopped); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := s.Binder.Bind(ctx, rec.Addresses())
	s.op(rec, "bind", fmt.Sprint(rec.Addresses()), err)
	if err != nil {
		return err
	}
	rec.Handle = h
	if err := s.enter(rec, StateDevicesBound); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	proc, err := s.VMs.Launch(argv, rec.ID)
	if err != nil {
		s.op(rec, "launch", "", err)
		return err
	}
	rec.VMPid = proc.Pid()
	rec.VMCreated = proc.Created()
	s.op(rec, "launch", fmt.Sprintf("pid %d", rec.VMPid), nil)
	if err := s.enter(rec, StateVMRunning); err != nil {
		_ = proc.Shutdown(context.WithoutCancel(ctx), s.StopTimeout)
		return err
	}

	reason := s.wait(ctx, proc)
	rec.ExitReason = reason.Error()
	s.op(rec, "exit", rec.ExitReason, nil)
	logger.Info("vm left running state", "session", rec.ID, "reason", rec.ExitReason)
	return nil
}

// wait blocks until the VM exits, stops answering the liveness check, or ctx
// is cancelled, in which case the VM is shut down first. It returns which of
// the three happened.
func (s *Supervisor) wait(ctx context.Context, proc Process) error {
	g, gctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		select {
		case <-proc.Done():
			if err := proc.ExitErr(); err != nil {
				return fmt.Errorf("%w: %v", errVMExited, err)
			}
			return errVMExited
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		interval := s.PollInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				alive, err := proc.Alive()
				if err != nil {
					logger.Warn("liveness check failed", "pid", proc.Pid(), "err", err)
					continue
				}
				if !alive {
					return errVMGone
				}
			}
		}
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			logger.Info("stop requested, shutting down vm", "pid", proc.Pid())
			if err := proc.Shutdown(context.Background(), s.StopTimeout); err != nil {
				logger.Error("vm shutdown failed", "pid", proc.Pid(), "err", err)
			}
			return errStopRequested
		case <-gctx.Done():
			return nil
		}
	})

	return g.Wait()
}

// unwind returns the devices, restarts the host session and removes the
// record. Each step is retried; the session restart is attempted even when
// the devices could not be returned so the host gets its display back.
func (s *Supervisor) unwind(ctx context.Context, rec *Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = s.fail(rec, fmt.Errorf("panic during cleanup: %v", p))
		}
	}()

	if err := s.move(rec, StateDevicesUnbinding); err != nil {
		return s.fail(rec, err)
	}

	var failures []error
	if rec.Handle != nil {
		uerr := s.Cleanup.Do(ctx, "unbind", func(uint) error {
			return s.Binder.Unbind(ctx, rec.Handle)
		}, retryAll)
		s.op(rec, "unbind", fmt.Sprint(rec.Handle.Addresses()), uerr)
		if uerr != nil {
			failures = append(failures, fmt.Errorf("return devices: %w", uerr))
		}
	} else {
		s.op(rec, "unbind", "nothing bound", nil)
	}
	s.save(rec)

	if rec.Session != nil && rec.Session.WasActive && !rec.SessionRestored {
		if err := s.move(rec, StateSessionRestoring); err != nil {
			return s.fail(rec, errors.Join(append(failures, err)...))
		}
		tok := *rec.Session
		serr := s.Cleanup.Do(ctx, "session-start", func(uint) error {
			return s.Session.Start(ctx, tok)
		}, retryAll)
		s.op(rec, "session-start", tok.Unit, serr)
		if serr != nil {
			failures = append(failures, fmt.Errorf("restart host session: %w", serr))
			rec.Diagnostics = s.Session.Journal(tok, journalLines)
		} else {
			rec.SessionRestored = true
		}
	}

	if len(failures) > 0 {
		return s.fail(rec, errors.Join(failures...))
	}
	if err := rec.advance(StateCleaned); err != nil {
		return s.fail(rec, err)
	}
	rec.Cleanup = CleanupCompleted
	if err := s.Store.Delete(rec.ID); err != nil {
		s.op(rec, "record-delete", "", err)
		return s.fail(rec, err)
	}
	s.op(rec, "record-delete", "", nil)
	s.recordState(rec)
	logger.Info("session cleaned", "session", rec.ID)
	return nil
}

// fail marks rec as CleanupFailed and persists it.
func (s *Supervisor) fail(rec *Record, cause error) error {
	if err := rec.advance(StateCleanupFailed); err != nil {
		rec.State = StateCleanupFailed
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Cleanup = CleanupFailed
	rec.Error = cause.Error()
	s.save(rec)
	s.recordState(rec)
	logger.Error("session cleanup failed", "session", rec.ID, "err", cause)
	return &glinterr.Error{
		Kind:        glinterr.ErrCleanupFailed,
		Reason:      fmt.Sprintf("session %s could not restore the host", rec.ID),
		Err:         cause,
		Remediation: fmt.Sprintf("run 'glint recover %s', or 'glint recover --rescan' if a device stays on %s", rec.ID, vfio.Driver),
	}
}

// Recover runs the unwind for a stale record left by a session that died.
// A VM still running from that session is shut down first.
func (s *Supervisor) Recover(ctx context.Context, rec *Record) error {
	if rec.State == StateCleaned {
		return s.Store.Delete(rec.ID)
	}
	if rec.VMPid > 0 {
		proc := s.VMs.Attach(rec.VMPid, rec.VMCreated, rec.VM.QMPSocket)
		if alive, _ := proc.Alive(); alive {
			err := proc.Shutdown(ctx, s.StopTimeout)
			s.op(rec, "vm-stop", fmt.Sprintf("pid %d", rec.VMPid), err)
		}
	}
	rec.Handle = rec.recoveryHandle()
	if rec.StopRequired() && rec.Session == nil {
		// Died while stopping; Start checks the unit before acting.
		rec.Session = &hostsession.Token{WasActive: true}
	}
	s.op(rec, "recover", string(rec.State), nil)
	return s.unwind(context.WithoutCancel(ctx), rec)
}

// Stale reports whether rec belongs to a supervisor that is gone, or ended
// in CleanupFailed.
func (s *Supervisor) Stale(rec *Record) bool {
	if rec.State == StateCleanupFailed {
		return true
	}
	alive := s.alive
	if alive == nil {
		alive = qemu.Alive
	}
	ok, err := alive(rec.PID, rec.PIDCreated)
	return err == nil && !ok
}

// enter advances rec and persists it. A record that cannot be written stops
// the session.
func (s *Supervisor) enter(rec *Record, to State) error {
	if err := rec.advance(to); err != nil {
		return err
	}
	logger.Debug("session state", "session", rec.ID, "state", string(to))
	s.recordState(rec)
	return s.Store.Save(rec)
}

// move is enter for the unwind, where a write failure must not stop the
// remaining steps.
func (s *Supervisor) move(rec *Record, to State) error {
	if err := rec.advance(to); err != nil {
		return err
	}
	logger.Debug("session state", "session", rec.ID, "state", string(to))
	s.recordState(rec)
	s.save(rec)
	return nil
}

func (s *Supervisor) save(rec *Record) {
	if err := s.Store.Save(rec); err != nil {
		logger.Error("could not persist session record", "session", rec.ID, "err", err)
	}
}

func (s *Supervisor) op(rec *Record, name, detail string, err error) {
	op := rec.log(name, detail, err)
	if s.Recorder != nil {
		s.Recorder.RecordOp(rec.ID, op)
	}
}

func (s *Supervisor) recordState(rec *Record) {
	if s.Recorder != nil {
		s.Recorder.RecordState(rec)
	}
}

func retryAll(error) bool { return true }
