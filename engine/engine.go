// Package engine wires the passthrough components together behind the
// operations the CLI offers: diagnose, plan, run, stop, recover and revert.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/host"

	"glint/backup"
	"glint/bootparam"
	"glint/config"
	"glint/glinterr"
	"glint/history"
	"glint/hostsession"
	"glint/iommu"
	"glint/logger"
	"glint/pci"
	"glint/qemu"
	"glint/retrying"
	"glint/strategy"
	"glint/supervisor"
	"glint/topology"
	"glint/vfio"
)

type Engine struct {
	Config  *config.Config
	Sys     *pci.Sysfs
	Store   *supervisor.Store
	Backups *backup.Manager
	Binder  *vfio.Binder
	Session *hostsession.Controller
	// History is optional; nil disables it.
	History *history.DB

	// Launcher returns the VM launcher for vm.
	Launcher func(vm qemu.VM) supervisor.Launcher
	// VMClaims reports devices held by libvirt domains. Nil skips the check.
	VMClaims strategy.ClaimSource
	// RootSource overrides the root block device lookup of the inspector.
	RootSource func() (string, error)
}

// New builds an Engine for cfg on the real host.
func New(cfg *config.Config) *Engine {
	sys := pci.NewSysfs(cfg.SysfsRoot, &pci.PCIDBLabeler{})
	backups := backup.NewManager(cfg.BackupDir())

	binder := vfio.NewBinder(vfio.NewSysfsControl(sys), retrying.FromConfig(cfg.Profile.Retry))
	binder.Backups = backups
	binder.ModulesLoadFile = cfg.Profile.ModulesLoadFile

	e := &Engine{
		Config:  cfg,
		Sys:     sys,
		Store:   supervisor.NewStore(cfg.SessionsDir()),
		Backups: backups,
		Binder:  binder,
		Session: hostsession.New(hostsession.NewSystemd(), cfg.Profile.DisplayManagerUnit, retrying.FromConfig(cfg.Profile.Retry)),
	}
	e.Launcher = func(vm qemu.VM) supervisor.Launcher {
		return &qemuLauncher{logDir: cfg.LogDir(), qmpSocket: vm.QMPSocket}
	}
	if uri := cfg.LibvirtURI; uri != "" {
		e.VMClaims = func() (map[string][]string, error) { return pci.VMAttachments(uri) }
	}
	return e
}

// OpenHistory opens the history database and routes supervisor state, ops
// and log lines into it.
func (e *Engine) OpenHistory(ctx context.Context) error {
	h, err := history.Open(ctx, e.Config.HistoryPath())
	if err != nil {
		return err
	}
	e.History = h
	logger.SetCallBack(h.LogHook)
	return nil
}

func (e *Engine) Close() error {
	if e.History == nil {
		return nil
	}
	logger.SetCallBack(nil)
	err := e.History.Close()
	e.History = nil
	return err
}

// Inspect runs the Topology Inspector.
func (e *Engine) Inspect() (topology.Profile, []pci.Device, error) {
	in := topology.New(e.Sys, e.Config.Profile)
	if e.RootSource != nil {
		in.RootSource = e.RootSource
	}
	return in.Inspect()
}

func (e *Engine) supervisor(vm qemu.VM) *supervisor.Supervisor {
	s := supervisor.New(e.Store, e.Binder, e.Session, e.Launcher(vm), retrying.FromConfig(e.Config.Profile.CleanupRetry))
	s.PollInterval = e.Config.PollInterval
	s.StopTimeout = e.Config.StopTimeout
	if e.History != nil {
		s.Recorder = e.History
	}
	return s
}

// claims merges the devices held by Session Records with those held by
// libvirt domains. libvirt being unreachable is not fatal.
func (e *Engine) claims() (map[string][]string, error) {
	claims, err := e.Store.Claims()
	if err != nil {
		return nil, err
	}
	if e.VMClaims == nil {
		return claims, nil
	}
	vms, err := e.VMClaims()
	if err != nil {
		logger.Warn("could not read libvirt domains, skipping their claims", "err", err)
		return claims, nil
	}
	for addr, domains := range vms {
		for _, d := range domains {
			claims[addr] = append(claims[addr], "libvirt domain "+d)
		}
	}
	return claims, nil
}

// staleSessions returns the records whose supervisor is gone or whose
// cleanup failed.
func (e *Engine) staleSessions() ([]*supervisor.Record, error) {
	records, err := e.Store.List()
	if err != nil {
		return nil, err
	}
	s := e.supervisor(qemu.VM{})
	var stale []*supervisor.Record
	for _, r := range records {
		if s.Stale(r) {
			stale = append(stale, r)
		}
	}
	return stale, nil
}

func staleError(stale []*supervisor.Record) error {
	ids := make([]string, 0, len(stale))
	for _, r := range stale {
		ids = append(ids, r.ID)
	}
	return glinterr.New(glinterr.ErrStaleSession, "%d session(s) did not clean up: %s", len(stale), strings.Join(ids, ", ")).
		WithRemediation("run 'glint recover' to return their devices and restart the host session")
}

// Plan inspects the host and selects a plan for reqs. With several requests
// the one with the smallest blast radius wins. A stale session blocks
// planning until it is recovered.
func (e *Engine) Plan(reqs ...strategy.Request) (*strategy.Plan, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no devices requested")
	}
	stale, err := e.staleSessions()
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		return nil, staleError(stale)
	}

	profile, _, err := e.Inspect()
	if err != nil {
		return nil, err
	}
	sel := strategy.New(profile, e.Sys, e.claims)
	if len(reqs) == 1 {
		return sel.Select(reqs[0])
	}
	plan, errs := sel.Best(reqs)
	if plan == nil {
		return nil, errors.Join(errs...)
	}
	return plan, nil
}

// Run executes plan in the calling process and returns when the session has
// been cleaned up or failed to. The engine lock is held throughout.
func (e *Engine) Run(ctx context.Context, plan *strategy.Plan, vm qemu.VM) (*supervisor.Record, error) {
	lock, err := supervisor.AcquireLock(e.Config.LockPath())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	// Re-check under the lock: the plan may be older than another session.
	claims, err := e.claims()
	if err != nil {
		return nil, err
	}
	for _, addr := range plan.Addresses() {
		if holders := claims[addr]; len(holders) > 0 {
			return nil, glinterr.New(glinterr.ErrDeviceClaimed, "held by %s", strings.Join(holders, ", ")).WithDevice(addr)
		}
	}

	profile, _, err := e.Inspect()
	if err != nil {
		return nil, err
	}
	if err := profile.Err(); err != nil {
		return nil, err
	}
	resolver := iommu.New(e.Sys, profile)
	e.Binder.Precheck = func(addrs []string) error {
		_, err := resolver.ValidateSelection(addrs)
		return err
	}

	vm = e.prepareVM(vm, plan)
	argv := qemu.Args(vm, qemu.Passthrough{Devices: plan.Devices, PrimaryVGA: plan.StopRequired()})
	logger.Info("running plan", "plan", plan.Summary(), "cmd", qemu.CommandLine(argv))
	return e.supervisor(vm).Run(ctx, plan, vm, argv)
}

// prepareVM fills in the binary and a QMP socket in the state directory.
func (e *Engine) prepareVM(vm qemu.VM, plan *strategy.Plan) qemu.VM {
	if vm.Binary == "" {
		vm.Binary = e.Config.QEMUBinary
	}
	if vm.QMPSocket == "" {
		dir := filepath.Join(e.Config.StateDir, "run")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("no qmp socket, graceful stop will use signals", "err", err)
		} else {
			vm.QMPSocket = filepath.Join(dir, plan.ID+".qmp")
		}
	}
	return vm
}

// SessionStatus is a Session Record with its liveness.
type SessionStatus struct {
	Record *supervisor.Record
	Stale  bool
}

func (e *Engine) Sessions() ([]SessionStatus, error) {
	records, err := e.Store.List()
	if err != nil {
		return nil, err
	}
	s := e.supervisor(qemu.VM{})
	out := make([]SessionStatus, 0, len(records))
	for _, r := range records {
		out = append(out, SessionStatus{Record: r, Stale: s.Stale(r)})
	}
	return out, nil
}

// FindSession loads a record by id or unique id prefix.
func (e *Engine) FindSession(id string) (*supervisor.Record, error) {
	records, err := e.Store.List()
	if err != nil {
		return nil, err
	}
	var found []*supervisor.Record
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
		if strings.HasPrefix(r.ID, id) {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("no session %s", id)
	case 1:
		return found[0], nil
	}
	return nil, fmt.Errorf("session prefix %s matches %d sessions", id, len(found))
}

// RecoverResult is the outcome of recovering one record.
type RecoverResult struct {
	ID  string
	Err error
}

// Recover unwinds the stale records, or only id when given. With rescan the
// PCI bus is rescanned afterwards for devices no driver took back.
func (e *Engine) Recover(ctx context.Context, id string, rescan bool) ([]RecoverResult, error) {
	lock, err := supervisor.AcquireLock(e.Config.LockPath())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	var targets []*supervisor.Record
	if id != "" {
		r, err := e.FindSession(id)
		if err != nil {
			return nil, err
		}
		targets = append(targets, r)
	} else if targets, err = e.staleSessions(); err != nil {
		return nil, err
	}

	var results []RecoverResult
	for _, r := range targets {
		s := e.supervisor(r.VM)
		if !s.Stale(r) {
			results = append(results, RecoverResult{ID: r.ID, Err: fmt.Errorf("session %s is still supervised by pid %d, use 'glint stop'", r.ID, r.PID)})
			continue
		}
		logger.Info("recovering session", "session", r.ID, "state", string(r.State))
		results = append(results, RecoverResult{ID: r.ID, Err: s.Recover(ctx, r)})
	}

	if rescan {
		if err := e.Binder.Rescan(); err != nil {
			return results, err
		}
	}
	return results, nil
}

// RevertAll restores every file the engine changed. Follow-up commands are
// returned, not run.
func (e *Engine) RevertAll() (backup.Report, error) {
	lock, err := supervisor.AcquireLock(e.Config.LockPath())
	if err != nil {
		return backup.Report{}, err
	}
	defer lock.Release()
	return e.Backups.RevertAll()
}

// EnableIOMMU adds the IOMMU kernel parameters for this CPU to the GRUB
// default command line.
func (e *Engine) EnableIOMMU() (bootparam.Change, error) {
	lock, err := supervisor.AcquireLock(e.Config.LockPath())
	if err != nil {
		return bootparam.Change{}, err
	}
	defer lock.Release()

	info := bootparam.ReadHostInfo(e.Config.SysfsRoot)
	ed := &bootparam.Editor{
		Path:    e.Config.SysPath(bootparam.DefaultGrubFile),
		Backups: e.Backups,
		Host:    info,
	}
	return ed.Enable(info.IOMMUParams()...)
}

// Diagnosis is everything diagnose reports. It never changes the host.
type Diagnosis struct {
	Host     *host.InfoStat
	HostInfo bootparam.HostInfo
	Profile  topology.Profile
	Devices  []pci.Device
	// GPUGroups is the verdict for passing each GPU with its whole group.
	GPUGroups []iommu.Verdict
	Sessions  []SessionStatus
	// Orphans are devices on vfio-pci that no Session Record owns.
	Orphans []string
	Backups []backup.Status
	Notes   []string
}

func (e *Engine) Diagnose(ctx context.Context) (*Diagnosis, error) {
	d := &Diagnosis{HostInfo: bootparam.ReadHostInfo(e.Config.SysfsRoot)}
	if info, err := host.InfoWithContext(ctx); err == nil {
		d.Host = info
	} else {
		logger.Debug("host info unavailable", "err", err)
	}

	profile, devices, err := e.Inspect()
	if err != nil {
		return nil, err
	}
	d.Profile = profile
	d.Devices = devices

	if !profile.Unsupported {
		r := iommu.New(e.Sys, profile)
		for _, dev := range devices {
			if dev.Kind != pci.KindGPU || dev.IOMMUGroup < 0 {
				continue
			}
			d.GPUGroups = append(d.GPUGroups, r.Validate(dev.IOMMUGroup, r.Companions([]string{dev.Address})))
		}
	}

	if d.Sessions, err = e.Sessions(); err != nil {
		return nil, err
	}
	owned := map[string]bool{}
	for _, s := range d.Sessions {
		for _, a := range s.Record.Addresses() {
			owned[a] = true
		}
		if s.Stale {
			d.Notes = append(d.Notes, fmt.Sprintf("session %s did not clean up (%s), run 'glint recover'", s.Record.ID, s.Record.State))
		}
	}
	for _, a := range e.Sys.BoundTo(vfio.Driver) {
		if !owned[a] {
			d.Orphans = append(d.Orphans, a)
		}
	}
	sort.Strings(d.Orphans)
	if len(d.Orphans) > 0 {
		d.Notes = append(d.Notes, fmt.Sprintf("%d device(s) stuck on %s without a session: %s; run 'glint recover --rescan' if the host needs them back",
			len(d.Orphans), vfio.Driver, strings.Join(d.Orphans, ", ")))
	}

	if d.Backups, err = e.Backups.Verify(); err != nil {
		return nil, err
	}
	for _, b := range d.Backups {
		if !b.BackupIntact {
			d.Notes = append(d.Notes, "backup of "+b.Path+" is missing or corrupt")
		}
	}
	return d, nil
}
