package bootparam

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"glint/backup"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReadHostInfo(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"proc/cpuinfo": "processor\t: 0\nvendor_id\t: AuthenticAMD\nflags\t\t: fpu sse2 svm\n\nprocessor\t: 1\nvendor_id\t: AuthenticAMD\n",
		"proc/cmdline": "BOOT_IMAGE=/vmlinuz root=/dev/nvme0n1p2 quiet amd_iommu=on\n",
		"etc/os-release": "NAME=\"Pop!_OS\"\nID=pop\nID_LIKE=\"ubuntu debian\"\n",
	})

	h := ReadHostInfo(root)
	if h.CPUVendor != "AuthenticAMD" || !h.Virtualization {
		t.Fatalf("unexpected cpu info: %+v", h)
	}
	if h.DistroID != "pop" || len(h.DistroLike) != 2 {
		t.Fatalf("unexpected distro: %+v", h)
	}
	if !h.CmdlineHas("amd_iommu=on") || h.CmdlineHas("iommu=pt") {
		t.Fatalf("unexpected cmdline checks for %q", h.Cmdline)
	}
	if got := h.IOMMUParams(); got[0] != "amd_iommu=on" {
		t.Fatalf("unexpected params %v", got)
	}
	if h.UsesGRUB() {
		t.Fatalf("pop should not be treated as grub")
	}
}

func TestRegenerateCommand(t *testing.T) {
	tests := []struct {
		host HostInfo
		want string
	}{
		{HostInfo{DistroID: "arch"}, "sudo grub-mkconfig -o /boot/grub/grub.cfg"},
		{HostInfo{DistroID: "fedora"}, "sudo grub2-mkconfig -o /boot/efi/EFI/fedora/grub.cfg"},
		{HostInfo{DistroID: "linuxmint", DistroLike: []string{"ubuntu", "debian"}}, "sudo update-grub"},
	}
	for _, tt := range tests {
		if got := tt.host.RegenerateCommand(); got != tt.want {
			t.Fatalf("%s: got %q want %q", tt.host.DistroID, got, tt.want)
		}
	}
	unknown := HostInfo{DistroID: "gentoo"}
	if !strings.Contains(unknown.RegenerateCommand(), "grub-mkconfig") {
		t.Fatalf("unexpected generic command %q", unknown.RegenerateCommand())
	}
	if !strings.Contains(HostInfo{CPUVendor: "GenuineIntel", DistroID: "ubuntu"}.IOMMURemediation(), "intel_iommu=on iommu=pt") {
		t.Fatalf("remediation missing intel params")
	}
}

func TestEnableEditsOnceWithBackup(t *testing.T) {
	dir := t.TempDir()
	grub := filepath.Join(dir, "grub")
	original := "GRUB_DEFAULT=0\nGRUB_CMDLINE_LINUX_DEFAULT=\"quiet splash\"\nGRUB_CMDLINE_LINUX=\"\"\n"
	writeTree(t, dir, map[string]string{"grub": original})

	backups := backup.NewManager(filepath.Join(dir, "state"))
	e := &Editor{Path: grub, Backups: backups, Host: HostInfo{CPUVendor: "GenuineIntel", DistroID: "ubuntu"}}

	change, err := e.Enable("intel_iommu=on", "iommu=pt")
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if len(change.Added) != 2 || change.Cmdline != "quiet splash intel_iommu=on iommu=pt" {
		t.Fatalf("unexpected change %+v", change)
	}
	if change.FollowUp != "sudo update-grub" {
		t.Fatalf("unexpected follow up %q", change.FollowUp)
	}

	data, _ := os.ReadFile(grub)
	if !strings.Contains(string(data), `GRUB_CMDLINE_LINUX_DEFAULT="quiet splash intel_iommu=on iommu=pt"`) {
		t.Fatalf("grub not updated:\n%s", data)
	}
	if !strings.Contains(string(data), "GRUB_CMDLINE_LINUX=\"\"") {
		t.Fatalf("other lines lost:\n%s", data)
	}

	again, err := e.Enable("intel_iommu=on", "iommu=pt")
	if err != nil {
		t.Fatalf("second Enable: %v", err)
	}
	if again.Changed() {
		t.Fatalf("second Enable should be a no-op: %+v", again)
	}

	report, err := backups.RevertAll()
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed() != 0 || len(report.FollowUps) != 1 {
		t.Fatalf("unexpected revert report %+v", report)
	}
	restored, _ := os.ReadFile(grub)
	if string(restored) != original {
		t.Fatalf("revert did not restore original:\n%s", restored)
	}
}

func TestEnableMissingKey(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"grub": "GRUB_DEFAULT=0\n"})
	e := &Editor{Path: filepath.Join(dir, "grub"), Backups: backup.NewManager(t.TempDir()), Host: HostInfo{DistroID: "arch"}}
	if _, err := e.Enable("intel_iommu=on"); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
