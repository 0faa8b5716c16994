package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"glint/iommu"
	"glint/pci"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Show the host topology, IOMMU groups, sessions and backups",
	Long: `Inspect the host without changing anything: machine class, active display,
essential devices, IOMMU groups of every GPU, devices left on vfio-pci,
sessions that did not clean up and the state of tracked backups.`,
	RunE: runDiagnose,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List passthrough sessions that hold devices",
	RunE:  runSessions,
}

var recoverCmd = &cobra.Command{
	Use:   "recover [session]",
	Short: "Restore the host after a session that did not clean up",
	Long: `Shut down any VM left from a dead session, return its devices to their
drivers and restart the host session. Without an argument every stale
session is recovered. --rescan additionally asks the kernel to rescan the
PCI bus, the last resort for a device no driver takes back.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecover,
}

var revertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Restore every host file glint changed",
	RunE:  runRevert,
}

var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "Show past sessions, or one session's operation log",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var iommuCmd = &cobra.Command{
	Use:   "iommu",
	Short: "IOMMU kernel parameter helpers",
}

var iommuEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Add the IOMMU parameters to the GRUB kernel command line",
	RunE:  runIOMMUEnable,
}

func init() {
	diagnoseCmd.Flags().Bool("yaml", false, "print the full diagnosis as YAML")
	recoverCmd.Flags().Bool("rescan", false, "rescan the PCI bus afterwards")
	historyCmd.Flags().Int("limit", 20, "number of sessions to show")
	historyCmd.Flags().Bool("logs", false, "show supervisor warnings and errors instead")

	iommuCmd.AddCommand(iommuEnableCmd)
	rootCmd.AddCommand(diagnoseCmd, sessionsCmd, recoverCmd, revertCmd, historyCmd, iommuCmd)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	d, err := newEngine().Diagnose(context.Background())
	if err != nil {
		return err
	}
	if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
		out, err := yaml.Marshal(d)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}

	if d.Host != nil {
		fmt.Printf("Host:       %s (%s %s, kernel %s)\n", d.Host.Hostname, d.Host.Platform, d.Host.PlatformVersion, d.Host.KernelVersion)
	}
	p := d.Profile
	fmt.Printf("Topology:   %s\n", p.Class)
	if p.Unsupported {
		fmt.Printf("Supported:  NO, %s\n", p.Reason)
		fmt.Printf("Fix:        %s\n", p.Remediation)
	} else {
		fmt.Println("Supported:  yes")
	}
	fmt.Printf("Display:    active %s", orNone(p.ActiveDisplay))
	if p.AlternateDisplay != "" {
		fmt.Printf(", alternate %s", p.AlternateDisplay)
	}
	fmt.Println()
	if p.Laptop {
		fmt.Printf("MUX:        %v\n", p.MuxPresent)
	}

	fmt.Println("\nDevices:")
	for _, dev := range d.Devices {
		if dev.Kind == pci.KindBridge || dev.Kind == pci.KindOther {
			continue
		}
		mark := ""
		if e, ok := p.EssentialFor(dev.Address); ok {
			mark = "  [essential: " + e.Reason + "]"
		}
		fmt.Printf("  %-12s group %-3d %-14s %s%s\n", dev.Address, dev.IOMMUGroup, orNone(dev.Driver), labelOf(dev), mark)
		for _, u := range p.USB[dev.Address] {
			fmt.Printf("      usb %s\n", u)
		}
	}

	if len(d.GPUGroups) > 0 {
		fmt.Println("\nGPU groups:")
		for _, v := range d.GPUGroups {
			fmt.Printf("  %s\n", iommu.Describe(v))
		}
	}

	if len(d.Sessions) > 0 {
		fmt.Println("\nSessions:")
		for _, s := range d.Sessions {
			fmt.Printf("  %s  %s%s\n", s.Record.ID, s.Record.State, staleMark(s.Stale))
		}
	}
	if len(d.Backups) > 0 {
		fmt.Println("\nTracked files:")
		for _, b := range d.Backups {
			state := "unchanged"
			if b.Modified {
				state = "modified"
			}
			fmt.Printf("  %s (%s, backup %s)\n", b.Path, state, intact(b.BackupIntact))
		}
	}
	for _, n := range append(p.Notes, d.Notes...) {
		fmt.Printf("\nnote: %s", n)
	}
	if len(p.Notes)+len(d.Notes) > 0 {
		fmt.Println()
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	list, err := newEngine().Sessions()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, s := range list {
		r := s.Record
		fmt.Printf("%s  %-18s started %s, supervisor pid %d%s\n",
			r.ID, r.State, humanize.Time(r.StartedAt), r.PID, staleMark(s.Stale))
		fmt.Printf("    devices: %s\n", strings.Join(r.Addresses(), ", "))
		if r.VMPid > 0 {
			fmt.Printf("    vm pid:  %d\n", r.VMPid)
		}
		if r.Error != "" {
			fmt.Printf("    error:   %s\n", r.Error)
		}
		if r.Diagnostics != "" {
			fmt.Printf("    journal:\n      %s\n", strings.ReplaceAll(strings.TrimSpace(r.Diagnostics), "\n", "\n      "))
		}
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	id := ""
	if len(args) == 1 {
		id = args[0]
	}
	rescan, _ := cmd.Flags().GetBool("rescan")

	ctx, cancel := signalContext()
	defer cancel()
	results, err := newEngine().Recover(ctx, id, rescan)
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("  %s: FAILED: %v\n", r.ID, r.Err)
		} else {
			fmt.Printf("  %s: recovered\n", r.ID)
		}
	}
	if err != nil {
		return err
	}
	if len(results) == 0 && !rescan {
		fmt.Println("Nothing to recover.")
	}
	if rescan {
		fmt.Println("PCI bus rescanned.")
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d session(s) could not be recovered", failed)
	}
	return nil
}

func runRevert(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	report, err := newEngine().RevertAll()
	if err != nil {
		return err
	}
	if len(report.Results) == 0 {
		fmt.Println("No files to revert.")
	}
	for _, r := range report.Results {
		if r.OK() {
			fmt.Printf("  %s: %s\n", r.Path, r.Action)
		} else {
			fmt.Printf("  %s: FAILED: %v\n", r.Path, r.Err)
		}
	}
	if len(report.FollowUps) > 0 {
		fmt.Println("\nRun these yourself to finish:")
		for _, c := range report.FollowUps {
			fmt.Printf("  %s\n", c)
		}
	}
	if n := report.Failed(); n > 0 {
		return fmt.Errorf("%d file(s) could not be restored", n)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	eng := newEngine()
	if err := eng.OpenHistory(context.Background()); err != nil {
		return err
	}
	defer eng.Close()
	h := eng.History

	if showLogs, _ := cmd.Flags().GetBool("logs"); showLogs {
		limit, _ := cmd.Flags().GetInt("limit")
		logs, err := h.Logs(limit, 1)
		if err != nil {
			return err
		}
		for _, l := range logs {
			fmt.Printf("%s  %s\n", l.TS, l.Content)
		}
		return nil
	}

	if len(args) == 1 {
		s, err := h.Session(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s/%s  %s\n", s.ID, s.State, s.Cleanup, s.Strategy)
		if s.ExitReason != "" {
			fmt.Printf("exit:  %s\n", s.ExitReason)
		}
		if s.Error != "" {
			fmt.Printf("error: %s\n", s.Error)
		}
		ops, err := h.Ops(s.ID)
		if err != nil {
			return err
		}
		for _, o := range ops {
			line := fmt.Sprintf("  %s  %-14s %s", o.At.Local().Format(time.TimeOnly), o.Name, o.Detail)
			if o.Err != "" {
				line += "  ERR " + o.Err
			}
			fmt.Println(line)
		}
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	list, err := h.Sessions(limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No sessions recorded.")
	}
	for _, s := range list {
		took := s.UpdatedAt.Sub(s.StartedAt).Round(time.Second)
		fmt.Printf("%s  %-10s %-16s %-14s %s  %s\n", shortID(s.ID), humanize.Time(s.StartedAt), s.State, s.Strategy, took, strings.Join(s.Devices, ","))
	}
	return nil
}

func runIOMMUEnable(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	change, err := newEngine().EnableIOMMU()
	if err != nil {
		return err
	}
	if !change.Changed() {
		fmt.Printf("%s already has the IOMMU parameters: %s\n", change.Path, change.Cmdline)
		return nil
	}
	sort.Strings(change.Added)
	fmt.Printf("Added %s to %s\n", strings.Join(change.Added, " "), change.Path)
	fmt.Printf("Now run: %s\nthen reboot. 'glint revert' undoes the edit.\n", change.FollowUp)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func labelOf(d pci.Device) string {
	if d.Label != "" {
		return d.Label
	}
	return fmt.Sprintf("%s:%s %s", d.VendorID, d.DeviceID, d.Kind)
}

func staleMark(stale bool) string {
	if stale {
		return "  STALE, run 'glint recover'"
	}
	return ""
}

func intact(ok bool) string {
	if ok {
		return "intact"
	}
	return "MISSING"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
