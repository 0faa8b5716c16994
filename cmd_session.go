package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"glint/logger"
	"glint/qemu"
	"glint/statefile"
	"glint/strategy"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Check a device selection and show the passthrough plan",
	Long: `Inspect the host and show how the selected devices would be handed to a
VM, with every warning, without changing anything.

Each --alt adds an alternative selection (comma separated addresses); the
valid alternative that takes the least from the host is shown.`,
	RunE: runPlan,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Pass devices through and run the VM until it exits",
	Long: `Plan, confirm and execute a passthrough session. The devices are bound to
vfio-pci, the VM runs, and when it exits for any reason the devices go back
to their drivers and the host session is restarted.

Every plan asks for confirmation unless --yes is given; plans that stop the
graphical session want a typed YES. With --detach the session is supervised
by a background process. Plans that stop the graphical session always run
detached, since the terminal goes away with the session.`,
	RunE: runRun,
}

var superviseCmd = &cobra.Command{
	Use:    "supervise",
	Short:  "Run a detached session request (started by run --detach)",
	Hidden: true,
	RunE:   runSupervise,
}

var stopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Stop a session's VM and restore the host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot(); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		if err := newEngine().Stop(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Session stopped and host restored.")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{planCmd, runCmd} {
		c.Flags().StringSliceP("device", "d", nil, "PCI address to pass through (repeatable)")
		c.Flags().StringArray("alt", nil, "alternative selection, comma separated addresses (repeatable)")
	}

	runCmd.Flags().BoolP("yes", "y", false, "confirm the plan and its warnings without asking")
	runCmd.Flags().Bool("detach", false, "supervise the session from a background process")
	runCmd.Flags().String("vm", "", "YAML file describing the VM")
	runCmd.Flags().String("name", "", "VM name")
	runCmd.Flags().String("memory", "", "guest memory, e.g. 8G")
	runCmd.Flags().Int("cpus", 0, "guest vCPUs")
	runCmd.Flags().String("disk", "", "guest disk image")
	runCmd.Flags().String("iso", "", "installer ISO")
	runCmd.Flags().String("firmware", "", "OVMF code image")
	runCmd.Flags().String("display", "", "QEMU display backend (default none when a GPU is passed)")
	runCmd.Flags().String("keyboard", "", "evdev keyboard to hand to the guest")
	runCmd.Flags().String("mouse", "", "evdev mouse to hand to the guest")
	runCmd.Flags().String("qemu-args", "", "extra QEMU arguments, shell quoted")

	superviseCmd.Flags().String("request", "", "request file")
	superviseCmd.Flags().String("log", "", "log file")
	_ = superviseCmd.MarkFlagRequired("request")

	rootCmd.AddCommand(planCmd, runCmd, superviseCmd, stopCmd)
}

func requests(cmd *cobra.Command) ([]strategy.Request, error) {
	devices, _ := cmd.Flags().GetStringSlice("device")
	alts, _ := cmd.Flags().GetStringArray("alt")

	var reqs []strategy.Request
	if len(devices) > 0 {
		reqs = append(reqs, strategy.Request{Devices: devices})
	}
	for _, a := range alts {
		var devs []string
		for _, d := range strings.Split(a, ",") {
			if d = strings.TrimSpace(d); d != "" {
				devs = append(devs, d)
			}
		}
		if len(devs) > 0 {
			reqs = append(reqs, strategy.Request{Devices: devs})
		}
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("select devices with --device (see 'glint diagnose' for addresses)")
	}
	return reqs, nil
}

func printPlan(p *strategy.Plan) {
	fmt.Printf("Plan %s\n", p.ID)
	fmt.Printf("  Strategy:  %s\n", p.Strategy)
	fmt.Printf("  Topology:  %s\n", p.Class)
	fmt.Printf("  Session:   %s\n", p.SessionAction)
	fmt.Println("  Devices:")
	for _, d := range p.Devices {
		fmt.Printf("    %s\n", d)
	}
	if len(p.Warnings) > 0 {
		fmt.Println("  Warnings:")
		for _, w := range p.Warnings {
			fmt.Printf("    ! %s\n", w)
		}
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	reqs, err := requests(cmd)
	if err != nil {
		return err
	}
	plan, err := newEngine().Plan(reqs...)
	if err != nil {
		return err
	}
	printPlan(plan)
	if plan.RequiresAcknowledgement {
		fmt.Println("\nThis plan stops the graphical session: 'glint run' asks for a typed YES, or pass --yes.")
	}
	return nil
}

// confirm asks before a plan runs. Plans that take the display away need a
// typed YES, the rest a y.
func confirm(p *strategy.Plan) bool {
	if p.RequiresAcknowledgement {
		fmt.Print("\nThe screen goes black until the VM exits. Type YES to continue: ")
	} else {
		fmt.Print("\nProceed with VM launch? [y/N]: ")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.TrimSpace(line)
	if p.RequiresAcknowledgement {
		return line == "YES"
	}
	return strings.EqualFold(line, "y") || strings.EqualFold(line, "yes")
}

func vmFromFlags(cmd *cobra.Command) (qemu.VM, error) {
	var vm qemu.VM
	f := cmd.Flags()
	if path, _ := f.GetString("vm"); path != "" {
		if err := statefile.ReadYAML(path, &vm); err != nil {
			return vm, fmt.Errorf("read vm file: %w", err)
		}
	}
	str := func(name string, dst *string) {
		if v, _ := f.GetString(name); v != "" {
			*dst = v
		}
	}
	str("name", &vm.Name)
	str("memory", &vm.Memory)
	str("disk", &vm.Disk)
	str("iso", &vm.ISO)
	str("firmware", &vm.Firmware)
	str("display", &vm.Display)
	if n, _ := f.GetInt("cpus"); n > 0 {
		vm.CPUs = n
	}

	kbd, _ := f.GetString("keyboard")
	mouse, _ := f.GetString("mouse")
	if kbd != "" || mouse != "" {
		vm.Input = &qemu.Input{Keyboard: kbd, Mouse: mouse}
	}
	if raw, _ := f.GetString("qemu-args"); raw != "" {
		extra, err := qemu.SplitArgs(raw)
		if err != nil {
			return vm, fmt.Errorf("--qemu-args: %w", err)
		}
		vm.ExtraArgs = append(vm.ExtraArgs, extra...)
	}
	return vm, nil
}

// mustDetach reports whether the session has to be supervised from the
// background. A plan that stops the graphical session also ends the terminal
// it was started from, and the hangup would abort a foreground supervisor.
func mustDetach(p *strategy.Plan, requested bool) bool {
	return requested || p.StopRequired()
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	reqs, err := requests(cmd)
	if err != nil {
		return err
	}
	vm, err := vmFromFlags(cmd)
	if err != nil {
		return err
	}

	eng := newEngine()
	plan, err := eng.Plan(reqs...)
	if err != nil {
		return err
	}
	printPlan(plan)

	if yes, _ := cmd.Flags().GetBool("yes"); !yes && !confirm(plan) {
		return fmt.Errorf("not confirmed, nothing was changed")
	}
	plan.Acknowledge()

	detach, _ := cmd.Flags().GetBool("detach")
	if mustDetach(plan, detach) {
		if !detach {
			fmt.Println("\nThis terminal closes with the graphical session, so the session runs detached.")
		}
		d, err := eng.RunDetached(plan, vm)
		if err != nil {
			return err
		}
		fmt.Printf("\nSupervisor running as pid %d, log %s\n", d.PID, d.Log)
		fmt.Println("Use 'glint sessions' to follow it and 'glint stop <session>' to end it.")
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := eng.OpenHistory(ctx); err != nil {
		logger.Warn("session history disabled", "err", err)
	}
	defer eng.Close()

	fmt.Println("\nStarting. Press Ctrl-C to shut the VM down and restore the host.")
	rec, err := eng.Run(ctx, plan, vm)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s finished (%s), host restored.\n", rec.ID, rec.ExitReason)
	return nil
}

func runSupervise(cmd *cobra.Command, args []string) error {
	request, _ := cmd.Flags().GetString("request")
	if logPath, _ := cmd.Flags().GetString("log"); logPath != "" {
		if err := logger.SetOutput(logPath); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	eng := newEngine()
	if err := eng.OpenHistory(ctx); err != nil {
		logger.Warn("session history disabled", "err", err)
	}
	defer eng.Close()

	rec, err := eng.Supervise(ctx, request)
	if err != nil {
		logger.Error("supervised session failed", "request", request, "err", err)
		return err
	}
	logger.Info("supervised session finished", "session", rec.ID, "reason", rec.ExitReason)
	return nil
}
