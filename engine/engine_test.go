package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"glint/config"
	"glint/glinterr"
	"glint/hostsession"
	"glint/pci"
	"glint/pci/pcitest"
	"glint/qemu"
	"glint/retrying"
	"glint/strategy"
	"glint/supervisor"
	"glint/vfio"
)

// treeControl moves drivers in a pcitest tree the way the kernel would.
type treeControl struct {
	tree     *pcitest.Tree
	sys      *pci.Sysfs
	mu       sync.Mutex
	override map[string]string
	rescans  int
}

func (c *treeControl) Unbind(addr string) error {
	c.tree.SetDriver(addr, "")
	return nil
}

func (c *treeControl) SetOverride(addr, driver string) error {
	c.mu.Lock()
	c.override[addr] = driver
	c.mu.Unlock()
	return nil
}

func (c *treeControl) Probe(addr string) error {
	c.mu.Lock()
	drv := c.override[addr]
	c.mu.Unlock()
	if drv != "" {
		c.tree.SetDriver(addr, drv)
	}
	return nil
}

func (c *treeControl) Bind(driver, addr string) error {
	c.tree.SetDriver(addr, driver)
	return nil
}

func (c *treeControl) Driver(addr string) (string, error) { return c.sys.Driver(addr) }
func (c *treeControl) Exists(addr string) bool           { return c.sys.Exists(addr) }

func (c *treeControl) Rescan() error {
	c.rescans++
	return nil
}

type fakeSystemd struct {
	mu     sync.Mutex
	active bool
	calls  []string
}

func (f *fakeSystemd) Status(ctx context.Context, unit string) (hostsession.UnitState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := hostsession.UnitState{Name: unit, LoadState: "loaded", ActiveState: "inactive"}
	if f.active {
		st.ActiveState = "active"
	}
	return st, nil
}

func (f *fakeSystemd) Stop(ctx context.Context, unit string) error {
	f.mu.Lock()
	f.active = false
	f.calls = append(f.calls, "stop "+unit)
	f.mu.Unlock()
	return nil
}

func (f *fakeSystemd) Start(ctx context.Context, unit string) error {
	f.mu.Lock()
	f.active = true
	f.calls = append(f.calls, "start "+unit)
	f.mu.Unlock()
	return nil
}

func (f *fakeSystemd) Logs(unit string, lines int) (string, error) { return "", nil }

// vmProc exits on its own after a short run.
type vmProc struct {
	done chan struct{}
	once sync.Once
}

func (p *vmProc) exit()                 { p.once.Do(func() { close(p.done) }) }
func (p *vmProc) Pid() int              { return 77 }
func (p *vmProc) Created() int64        { return 1 }
func (p *vmProc) Done() <-chan struct{} { return p.done }
func (p *vmProc) ExitErr() error        { return nil }

func (p *vmProc) Alive() (bool, error) {
	select {
	case <-p.done:
		return false, nil
	default:
		return true, nil
	}
}

func (p *vmProc) Shutdown(ctx context.Context, timeout time.Duration) error {
	p.exit()
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	argvs [][]string
	// driversAtLaunch is the driver of every device when the VM started.
	driversAtLaunch map[string]string
	sys             *pci.Sysfs
}

func (l *fakeLauncher) Launch(argv []string, sessionID string) (supervisor.Process, error) {
	l.mu.Lock()
	l.argvs = append(l.argvs, argv)
	for _, a := range []string{"0000:01:00.0", "0000:01:00.1"} {
		drv, _ := l.sys.Driver(a)
		l.driversAtLaunch[a] = drv
	}
	l.mu.Unlock()
	p := &vmProc{done: make(chan struct{})}
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.exit()
	}()
	return p, nil
}

func (l *fakeLauncher) Attach(pid int, created int64, qmpSocket string) supervisor.Process {
	p := &vmProc{done: make(chan struct{})}
	p.exit()
	return p
}

type fixture struct {
	tree     *pcitest.Tree
	eng      *Engine
	ctl      *treeControl
	systemd  *fakeSystemd
	launcher *fakeLauncher
}

func desktop(t *testing.T) *pcitest.Tree {
	tree := pcitest.New(t)
	tree.LoadModule("vfio_pci")
	tree.SetChassis(3)
	tree.Add(pcitest.Dev{Addr: "0000:04:00.0", Class: "010802", Vendor: "144d", Device: "a808", Driver: "nvme", Group: 30})
	tree.AddBlock("0000:04:00.0", "nvme0n1")
	tree.Add(pcitest.Dev{Addr: "0000:00:02.0", Class: "030000", Vendor: "8086", Device: "4680", Driver: "i915", Group: 0, BootVGA: true, Connected: true})
	tree.Add(pcitest.Dev{Addr: "0000:01:00.0", Class: "030000", Vendor: "10de", Device: "2484", Driver: "nvidia", Group: 1})
	tree.Add(pcitest.Dev{Addr: "0000:01:00.1", Class: "040300", Vendor: "10de", Device: "228b", Driver: "snd_hda_intel", Group: 1})
	return tree
}

func laptopMux(t *testing.T) *pcitest.Tree {
	tree := pcitest.New(t)
	tree.LoadModule("vfio_pci")
	tree.SetChassis(10)
	tree.Add(pcitest.Dev{Addr: "0000:04:00.0", Class: "010802", Vendor: "144d", Device: "a808", Driver: "nvme", Group: 30})
	tree.AddBlock("0000:04:00.0", "nvme0n1")
	tree.Add(pcitest.Dev{Addr: "0000:00:02.0", Class: "030000", Vendor: "8086", Device: "9a49", Driver: "i915", Group: 0, BootVGA: true})
	tree.Add(pcitest.Dev{Addr: "0000:01:00.0", Class: "030000", Vendor: "10de", Device: "2520", Driver: "nvidia", Group: 1, Connected: true})
	tree.Add(pcitest.Dev{Addr: "0000:01:00.1", Class: "040300", Vendor: "10de", Device: "228e", Driver: "snd_hda_intel", Group: 1})
	return tree
}

func newFixture(t *testing.T, tree *pcitest.Tree, profile config.HostProfile) *fixture {
	t.Helper()
	profile.DisplayManagerUnit = "gdm.service"
	profile.Retry = config.Retry{MaxAttempts: 2}
	profile.CleanupRetry = config.Retry{MaxAttempts: 2}
	profile.ModulesLoadFile = filepath.Join(tree.Root, "etc/modules-load.d/glint-vfio.conf")
	cfg := &config.Config{
		StateDir:     filepath.Join(t.TempDir(), "state"),
		SysfsRoot:    tree.Root,
		QEMUBinary:   "qemu-system-x86_64",
		PollInterval: time.Hour,
		StopTimeout:  time.Second,
		Profile:      profile,
	}

	eng := New(cfg)
	eng.Sys.Labels = nil
	eng.RootSource = func() (string, error) { return "/dev/nvme0n1", nil }

	f := &fixture{
		tree:     tree,
		eng:      eng,
		ctl:      &treeControl{tree: tree, sys: eng.Sys, override: map[string]string{}},
		systemd:  &fakeSystemd{active: true},
		launcher: &fakeLauncher{sys: eng.Sys, driversAtLaunch: map[string]string{}},
	}
	eng.Binder.Ctl = f.ctl
	eng.Binder.ProbeTimeout = 200 * time.Millisecond
	eng.Session = hostsession.New(f.systemd, "gdm.service", retrying.Policy{MaxAttempts: 2})
	eng.Launcher = func(qemu.VM) supervisor.Launcher { return f.launcher }
	return f
}

func (f *fixture) driver(t *testing.T, addr string) string {
	t.Helper()
	drv, err := f.eng.Sys.Driver(addr)
	if err != nil {
		t.Fatal(err)
	}
	return drv
}

func TestRunSecondaryGPU(t *testing.T) {
	f := newFixture(t, desktop(t), config.HostProfile{})
	if err := f.eng.OpenHistory(context.Background()); err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer f.eng.Close()

	plan, err := f.eng.Plan(strategy.Request{Devices: []string{"01:00.0", "01:00.1"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.StopRequired() {
		t.Fatalf("secondary gpu must not stop the session")
	}
	if _, err := f.eng.Run(context.Background(), plan, qemu.VM{}); !errors.Is(err, glinterr.ErrNotAcknowledged) {
		t.Fatalf("an unconfirmed plan must not run, got %v", err)
	}
	if got := f.driver(t, "0000:01:00.0"); got != "nvidia" {
		t.Fatalf("unconfirmed plan touched the gpu, on %q", got)
	}
	plan.Acknowledge()

	rec, err := f.eng.Run(context.Background(), plan, qemu.VM{Name: "win", Disk: "/vms/win.qcow2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.State != supervisor.StateCleaned {
		t.Fatalf("state %s", rec.State)
	}

	if f.launcher.driversAtLaunch["0000:01:00.0"] != vfio.Driver || f.launcher.driversAtLaunch["0000:01:00.1"] != vfio.Driver {
		t.Fatalf("devices not on vfio-pci while the vm ran: %v", f.launcher.driversAtLaunch)
	}
	if got := f.driver(t, "0000:01:00.0"); got != "nvidia" {
		t.Fatalf("gpu not restored, on %q", got)
	}
	if got := f.driver(t, "0000:01:00.1"); got != "snd_hda_intel" {
		t.Fatalf("audio not restored, on %q", got)
	}
	if len(f.systemd.calls) != 0 {
		t.Fatalf("session touched: %v", f.systemd.calls)
	}

	argv := strings.Join(f.launcher.argvs[0], " ")
	for _, want := range []string{"qemu-system-x86_64", "-device vfio-pci,host=0000:01:00.0", "kvm=off", "-qmp unix:"} {
		if !strings.Contains(argv, want) {
			t.Errorf("argv missing %q: %s", want, argv)
		}
	}
	if strings.Contains(argv, "x-vga") {
		t.Errorf("secondary gpu must not be the primary vga: %s", argv)
	}

	sessions, err := f.eng.Sessions()
	if err != nil || len(sessions) != 0 {
		t.Fatalf("no record should remain: %v %v", sessions, err)
	}
	hist, err := f.eng.History.Sessions(10)
	if err != nil || len(hist) != 1 || hist[0].State != string(supervisor.StateCleaned) {
		t.Fatalf("history %+v %v", hist, err)
	}
	ops, _ := f.eng.History.Ops(rec.ID)
	if len(ops) == 0 || ops[len(ops)-1].Name != "record-delete" {
		t.Fatalf("history ops %+v", ops)
	}

	if _, err := os.Stat(f.eng.Config.Profile.ModulesLoadFile); err != nil {
		t.Fatalf("modules-load file not written: %v", err)
	}
	report, err := f.eng.RevertAll()
	if err != nil || report.Failed() != 0 {
		t.Fatalf("RevertAll: %+v %v", report, err)
	}
	if _, err := os.Stat(f.eng.Config.Profile.ModulesLoadFile); !os.IsNotExist(err) {
		t.Fatalf("modules-load file should be gone after revert")
	}
}

func TestRunActiveDisplayStopsSession(t *testing.T) {
	mux := true
	f := newFixture(t, laptopMux(t), config.HostProfile{MuxPresent: &mux})

	plan, err := f.eng.Plan(strategy.Request{Devices: []string{"01:00.0", "01:00.1"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.StopRequired() {
		t.Fatalf("active display must stop the session")
	}
	if _, err := f.eng.Run(context.Background(), plan, qemu.VM{}); !errors.Is(err, glinterr.ErrNotAcknowledged) {
		t.Fatalf("expected acknowledgement error, got %v", err)
	}

	plan.Acknowledge()
	if _, err := f.eng.Run(context.Background(), plan, qemu.VM{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.systemd.calls) != 2 || f.systemd.calls[0] != "stop gdm.service" || f.systemd.calls[1] != "start gdm.service" {
		t.Fatalf("session calls %v", f.systemd.calls)
	}
	if !strings.Contains(strings.Join(f.launcher.argvs[0], " "), "x-vga=on") {
		t.Fatalf("primary gpu should get x-vga")
	}
	if got := f.driver(t, "0000:01:00.0"); got != "nvidia" {
		t.Fatalf("gpu not restored, on %q", got)
	}
	if _, err := f.eng.Run(context.Background(), plan, qemu.VM{}); !errors.Is(err, glinterr.ErrPlanConsumed) {
		t.Fatalf("a plan runs once, got %v", err)
	}
}

func TestPlanRejectsLibvirtClaim(t *testing.T) {
	f := newFixture(t, desktop(t), config.HostProfile{})
	f.eng.VMClaims = func() (map[string][]string, error) {
		return map[string][]string{"0000:01:00.0": {"win10"}}, nil
	}
	_, err := f.eng.Plan(strategy.Request{Devices: []string{"01:00.0", "01:00.1"}})
	if !errors.Is(err, glinterr.ErrDeviceClaimed) || !strings.Contains(err.Error(), "win10") {
		t.Fatalf("expected claim by win10, got %v", err)
	}

	f.eng.VMClaims = func() (map[string][]string, error) { return nil, errors.New("libvirtd not running") }
	if _, err := f.eng.Plan(strategy.Request{Devices: []string{"01:00.0", "01:00.1"}}); err != nil {
		t.Fatalf("unreachable libvirt must not block planning: %v", err)
	}
}

func TestPlanBestOfAlternatives(t *testing.T) {
	f := newFixture(t, desktop(t), config.HostProfile{})
	plan, err := f.eng.Plan(
		strategy.Request{Devices: []string{"01:00.0"}},
		strategy.Request{Devices: []string{"01:00.0", "01:00.1"}},
	)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Devices) != 2 {
		t.Fatalf("the only valid alternative should win: %s", plan.Summary())
	}
}

// strandedSession leaves the gpu on vfio-pci with a record whose supervisor
// is gone.
func strandedSession(t *testing.T, f *fixture) *supervisor.Record {
	t.Helper()
	f.tree.SetDriver("0000:01:00.0", vfio.Driver)
	rec := &supervisor.Record{
		ID:            "5b0e1c2d-0000-4000-8000-000000000001",
		PID:           0,
		StartedAt:     time.Now().UTC(),
		SessionAction: strategy.SessionNone,
		Devices:       []pci.Device{{Address: "0000:01:00.0", Driver: "nvidia"}},
		State:         supervisor.StateVMRunning,
		Cleanup:       supervisor.CleanupPending,
		Handle: &vfio.Handle{ID: "h", Devices: []vfio.BoundDevice{
			{Address: "0000:01:00.0", OriginalDriver: "nvidia"},
		}},
	}
	if err := f.eng.Store.Save(rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestStaleSessionBlocksPlanUntilRecovered(t *testing.T) {
	f := newFixture(t, desktop(t), config.HostProfile{})
	rec := strandedSession(t, f)

	_, err := f.eng.Plan(strategy.Request{Devices: []string{"01:00.0", "01:00.1"}})
	if !errors.Is(err, glinterr.ErrStaleSession) || !strings.Contains(err.Error(), rec.ID) {
		t.Fatalf("expected stale session error, got %v", err)
	}

	diag, err := f.eng.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if len(diag.Sessions) != 1 || !diag.Sessions[0].Stale {
		t.Fatalf("stale session not reported: %+v", diag.Sessions)
	}
	if len(diag.Orphans) != 0 {
		t.Fatalf("a device owned by a record is not orphaned: %v", diag.Orphans)
	}

	results, err := f.eng.Recover(context.Background(), "", true)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results %+v", results)
	}
	if f.ctl.rescans != 1 {
		t.Fatalf("rescan not requested")
	}
	if got := f.driver(t, "0000:01:00.0"); got != "nvidia" {
		t.Fatalf("gpu not returned, on %q", got)
	}
	if _, err := f.eng.Plan(strategy.Request{Devices: []string{"01:00.0", "01:00.1"}}); err != nil {
		t.Fatalf("planning after recovery: %v", err)
	}
}

func TestStopWithoutSupervisorRecovers(t *testing.T) {
	f := newFixture(t, desktop(t), config.HostProfile{})
	rec := strandedSession(t, f)

	if err := f.eng.Stop(context.Background(), rec.ID[:8]); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.eng.Store.Exists(rec.ID) {
		t.Fatalf("record should be gone")
	}
	if got := f.driver(t, "0000:01:00.0"); got != "nvidia" {
		t.Fatalf("gpu not returned, on %q", got)
	}
	if err := f.eng.Stop(context.Background(), "nope"); err == nil {
		t.Fatalf("unknown session should fail")
	}
}

func TestWaitCleanedTerminalStates(t *testing.T) {
	tests := []struct {
		state   supervisor.State
		wantErr error
	}{
		{supervisor.StateCleaned, nil},
		{supervisor.StateCleanupFailed, glinterr.ErrCleanupFailed},
	}
	for _, tc := range tests {
		t.Run(string(tc.state), func(t *testing.T) {
			f := newFixture(t, desktop(t), config.HostProfile{})
			rec := strandedSession(t, f)
			rec.State = tc.state
			rec.Error = "unbind 0000:01:00.0: device busy"
			if err := f.eng.Store.Save(rec); err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := f.eng.waitCleaned(ctx, rec.ID)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("waitCleaned: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestDiagnoseOrphansAndGroups(t *testing.T) {
	f := newFixture(t, desktop(t), config.HostProfile{})
	f.tree.SetDriver("0000:01:00.1", vfio.Driver)

	diag, err := f.eng.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if len(diag.Orphans) != 1 || diag.Orphans[0] != "0000:01:00.1" {
		t.Fatalf("orphans %v", diag.Orphans)
	}
	var noted bool
	for _, n := range diag.Notes {
		noted = noted || strings.Contains(n, "recover --rescan")
	}
	if !noted {
		t.Fatalf("orphan note missing: %v", diag.Notes)
	}
	if len(diag.GPUGroups) != 2 {
		t.Fatalf("expected a verdict per gpu, got %+v", diag.GPUGroups)
	}
	for _, v := range diag.GPUGroups {
		if v.Group == 1 && !v.Safe {
			t.Fatalf("whole dGPU group should be safe: %+v", v)
		}
	}
}

func TestEnableIOMMU(t *testing.T) {
	tree := desktop(t)
	tree.WriteFile("etc/default/grub", "GRUB_DEFAULT=0\nGRUB_CMDLINE_LINUX_DEFAULT=\"quiet\"\n")
	tree.WriteFile("etc/os-release", "ID=arch\n")
	tree.WriteFile("proc/cpuinfo", "vendor_id\t: AuthenticAMD\nflags\t\t: fpu svm\n")
	f := newFixture(t, tree, config.HostProfile{})

	change, err := f.eng.EnableIOMMU()
	if err != nil {
		t.Fatalf("EnableIOMMU: %v", err)
	}
	if change.Cmdline != "quiet amd_iommu=on iommu=pt" {
		t.Fatalf("cmdline %q", change.Cmdline)
	}
	if !strings.Contains(change.FollowUp, "grub-mkconfig") {
		t.Fatalf("follow up %q", change.FollowUp)
	}

	lock, err := supervisor.AcquireLock(f.eng.Config.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()
	if _, err := f.eng.RevertAll(); !errors.Is(err, glinterr.ErrEngineLocked) {
		t.Fatalf("revert must respect the engine lock, got %v", err)
	}
}

func TestSuperviseRequestRunsOnce(t *testing.T) {
	f := newFixture(t, desktop(t), config.HostProfile{})
	plan, err := f.eng.Plan(strategy.Request{Devices: []string{"01:00.0", "01:00.1"}})
	if err != nil {
		t.Fatal(err)
	}
	plan.Acknowledge()
	path := filepath.Join(f.eng.Config.RequestsDir(), plan.ID+".yaml")
	if err := writeRequest(path, Request{Plan: plan, VM: qemu.VM{Name: "bg"}}); err != nil {
		t.Fatal(err)
	}

	rec, err := f.eng.Supervise(context.Background(), path)
	if err != nil {
		t.Fatalf("Supervise: %v", err)
	}
	if rec.VM.Name != "bg" || rec.PlanID != plan.ID {
		t.Fatalf("request not carried: %+v", rec)
	}
	if _, err := f.eng.Supervise(context.Background(), path); err == nil {
		t.Fatalf("a request file must not run twice")
	}
}
