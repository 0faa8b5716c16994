package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"glint/config"
	"glint/engine"
	"glint/glinterr"
	"glint/logger"
)

var (
	envFile string
	verbose bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "glint",
	Short: "Hand PCI devices to QEMU/KVM guests and always take them back",
	Long: `glint passes GPUs, USB controllers and NVMe drives through to a QEMU/KVM
virtual machine with vfio-pci. It checks the host topology and IOMMU groups
before touching anything, stops the graphical session when the passed GPU
drives the only display, supervises the VM and restores the host when it
exits, crashes or is killed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return err
		}
		mode := cfg.Mode
		if verbose {
			mode = "dev"
		}
		logger.SetType(mode)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "environment file with GLINT_* settings")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "human readable debug logging")
}

// requireRoot refuses to go on without root; sysfs and systemd writes need it.
func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("this command needs to be run as root")
	}
	return nil
}

func newEngine() *engine.Engine {
	return engine.New(cfg)
}

// signalContext is cancelled on SIGINT, SIGTERM and SIGHUP. Sessions that
// stop the graphical session never run under it from a terminal; they are
// detached first.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode gives the failures a script may want to tell apart their own code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, glinterr.ErrCleanupFailed), errors.Is(err, glinterr.ErrStaleSession):
		return 3
	case errors.Is(err, glinterr.ErrEngineLocked):
		return 4
	case errors.Is(err, glinterr.ErrNotAcknowledged):
		return 5
	}
	return 1
}
