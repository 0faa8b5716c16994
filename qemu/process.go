package qemu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"glint/logger"
)

const defaultTermGrace = 10 * time.Second

// Instance is a running VM process, either started by this process or
// attached to by PID.
type Instance struct {
	pid       int
	created   int64
	qmpSocket string
	// TermGrace is how long SIGTERM gets before SIGKILL.
	TermGrace time.Duration

	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// Launch starts argv in a new session so it outlives the terminal that
// started it. Output goes to logPath when set.
func Launch(argv []string, logPath, qmpSocket string) (*Instance, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("launch: empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open vm log: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	in := &Instance{
		pid:       cmd.Process.Pid,
		qmpSocket: qmpSocket,
		TermGrace: defaultTermGrace,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	if p, err := process.NewProcess(int32(in.pid)); err == nil {
		in.created, _ = p.CreateTime()
	}
	go func() {
		in.waitErr = cmd.Wait()
		close(in.done)
	}()
	logger.Info("vm launched", "pid", in.pid, "cmd", CommandLine(argv))
	return in, nil
}

// Attach wraps a VM process started elsewhere. created is the process
// creation time in milliseconds, used to tell a reused PID apart; zero skips
// the check.
func Attach(pid int, created int64, qmpSocket string) *Instance {
	return &Instance{pid: pid, created: created, qmpSocket: qmpSocket, TermGrace: defaultTermGrace}
}

func (in *Instance) Pid() int { return in.pid }

// Created is the process creation time in milliseconds since the epoch.
func (in *Instance) Created() int64 { return in.created }

// Done is closed when a launched process has been reaped. It is nil for an
// attached process.
func (in *Instance) Done() <-chan struct{} { return in.done }

// ExitErr is the result of waiting on a launched process once Done is closed.
func (in *Instance) ExitErr() error { return in.waitErr }

// Alive reports whether the process still runs. A zombie or a different
// process that reused the PID counts as gone.
func (in *Instance) Alive() (bool, error) {
	if in.done != nil {
		select {
		case <-in.done:
			return false, nil
		default:
		}
	}
	return Alive(in.pid, in.created)
}

// Alive checks pid without an Instance.
func Alive(pid int, created int64) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	p, err := process.NewProcess(int32(pid))
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if created != 0 {
		if ct, err := p.CreateTime(); err == nil && ct != created {
			return false, nil
		}
	}
	status, err := p.Status()
	if err != nil {
		// The process went away between the calls.
		if ok, _ := process.PidExists(int32(pid)); !ok {
			return false, nil
		}
		return true, nil
	}
	for _, s := range status {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}

// Shutdown asks the guest to power down over QMP and waits up to timeout.
// A VM that is still there gets SIGTERM, then SIGKILL.
func (in *Instance) Shutdown(ctx context.Context, timeout time.Duration) error {
	if alive, _ := in.Alive(); !alive {
		return nil
	}
	if in.qmpSocket != "" {
		if err := powerdown(in.qmpSocket); err != nil {
			logger.Warn("qmp powerdown failed", "pid", in.pid, "err", err)
		} else if in.waitGone(ctx, timeout) {
			logger.Info("vm powered down", "pid", in.pid)
			return nil
		}
	}

	grace := in.TermGrace
	if grace <= 0 {
		grace = defaultTermGrace
	}
	for _, sig := range []unix.Signal{unix.SIGTERM, unix.SIGKILL} {
		if err := unix.Kill(in.pid, sig); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("signal %d: %w", in.pid, err)
		}
		logger.Warn("vm signalled", "pid", in.pid, "signal", sig.String())
		if in.waitGone(context.WithoutCancel(ctx), grace) {
			return nil
		}
	}
	return fmt.Errorf("vm process %d did not exit after SIGKILL", in.pid)
}

func (in *Instance) waitGone(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if alive, _ := in.Alive(); !alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-in.done:
			return true
		case <-tick.C:
		}
	}
}

func powerdown(socket string) error {
	mon, err := qmp.NewSocketMonitor("unix", socket, 2*time.Second)
	if err != nil {
		return err
	}
	if err := mon.Connect(); err != nil {
		return err
	}
	defer mon.Disconnect()
	if _, err := mon.Run([]byte(`{"execute":"system_powerdown"}`)); err != nil {
		return fmt.Errorf("system_powerdown: %w", err)
	}
	return nil
}
