// Package qemu builds the QEMU command line for a passthrough session and
// runs the VM as a detached process.
package qemu

import (
	"fmt"

	"github.com/kballard/go-shellquote"

	"glint/pci"
)

// Input is a pair of evdev devices handed to the guest when a GPU is passed
// and no USB controller goes with it.
type Input struct {
	Keyboard string `yaml:"keyboard"`
	Mouse    string `yaml:"mouse"`
}

// VM is everything about the guest that is not a passed device.
type VM struct {
	Name         string   `yaml:"name"`
	Binary       string   `yaml:"binary"`
	Memory       string   `yaml:"memory"`
	CPUs         int      `yaml:"cpus"`
	UUID         string   `yaml:"uuid,omitempty"`
	Disk         string   `yaml:"disk,omitempty"`
	ISO          string   `yaml:"iso,omitempty"`
	Firmware     string   `yaml:"firmware,omitempty"`
	FirmwareVars string   `yaml:"firmware_vars,omitempty"`
	Display      string   `yaml:"display,omitempty"`
	Input        *Input   `yaml:"input,omitempty"`
	ExtraArgs    []string `yaml:"extra_args,omitempty"`
	QMPSocket    string   `yaml:"qmp_socket,omitempty"`
	PidFile      string   `yaml:"pid_file,omitempty"`
}

// Passthrough is the device side of the command line.
type Passthrough struct {
	Devices []pci.Device
	// PrimaryVGA makes the first GPU the guest's boot display (x-vga).
	PrimaryVGA bool
}

func (p Passthrough) hasGPU() bool {
	for _, d := range p.Devices {
		if d.IsGPU() {
			return true
		}
	}
	return false
}

func (p Passthrough) hasKind(k pci.Kind) bool {
	for _, d := range p.Devices {
		if d.Kind == k {
			return true
		}
	}
	return false
}

func (p Passthrough) hasNVIDIAGPU() bool {
	for _, d := range p.Devices {
		if d.IsGPU() && d.VendorID == pci.VendorNVIDIA {
			return true
		}
	}
	return false
}

// Args returns the full argv, binary first.
func Args(vm VM, pt Passthrough) []string {
	mem := vm.Memory
	if mem == "" {
		mem = "4G"
	}
	cpus := vm.CPUs
	if cpus <= 0 {
		cpus = 2
	}
	name := vm.Name
	if name == "" {
		name = "glint"
	}

	args := []string{vm.Binary,
		"-name", fmt.Sprintf("%s,process=glint-%s", name, name),
		"-enable-kvm",
		"-machine", "q35,accel=kvm",
		"-m", mem,
		"-smp", fmt.Sprint(cpus),
	}
	if vm.UUID != "" {
		args = append(args, "-uuid", vm.UUID)
	}
	if vm.Firmware != "" {
		args = append(args, "-drive", "if=pflash,format=raw,readonly=on,file="+vm.Firmware)
		if vm.FirmwareVars != "" {
			args = append(args, "-drive", "if=pflash,format=raw,file="+vm.FirmwareVars)
		}
	}
	if vm.QMPSocket != "" {
		args = append(args, "-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", vm.QMPSocket))
	}
	if vm.PidFile != "" {
		args = append(args, "-pidfile", vm.PidFile)
	}
	args = append(args, "-netdev", "user,id=n1", "-device", "virtio-net-pci,netdev=n1")

	if pt.hasGPU() {
		cpu := "host"
		if pt.hasNVIDIAGPU() {
			cpu = "host,kvm=off,hv_vendor_id=null"
		}
		args = append(args, "-cpu", cpu)
		if vm.Display == "" {
			args = append(args, "-nographic")
		} else {
			args = append(args, "-display", vm.Display)
		}
		if vm.Input != nil && !pt.hasKind(pci.KindUSBController) {
			if vm.Input.Mouse != "" {
				args = append(args, "-object", "input-linux,id=mouse,evdev="+vm.Input.Mouse)
			}
			if vm.Input.Keyboard != "" {
				args = append(args, "-object", "input-linux,id=kbd,evdev="+vm.Input.Keyboard+",grab_all=on,repeat=on")
			}
		}
	} else {
		args = append(args, "-cpu", "host", "-vga", "virtio")
		if vm.Display != "" {
			args = append(args, "-display", vm.Display)
		}
	}

	vga := pt.PrimaryVGA
	for _, d := range pt.Devices {
		dev := "vfio-pci,host=" + d.Address
		if vga && d.IsGPU() {
			dev += ",x-vga=on"
			vga = false
		}
		args = append(args, "-device", dev)
	}

	if vm.Disk != "" {
		args = append(args, "-drive", "file="+vm.Disk+",if=virtio")
	}
	if vm.ISO != "" {
		args = append(args, "-cdrom", vm.ISO)
	}
	return append(args, vm.ExtraArgs...)
}

// CommandLine renders argv as a shell command for logs and records.
func CommandLine(argv []string) string {
	return shellquote.Join(argv...)
}

// SplitArgs parses a user supplied string of extra QEMU arguments.
func SplitArgs(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	words, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parse qemu arguments: %w", err)
	}
	return words, nil
}
