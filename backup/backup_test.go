package backup

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"glint/statefile"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestBackupIfAbsentIsIdempotent(t *testing.T) {
	hostDir := t.TempDir()
	grub := filepath.Join(hostDir, "grub")
	writeFile(t, grub, "GRUB_CMDLINE_LINUX_DEFAULT=\"quiet\"\n")

	m := NewManager(t.TempDir())
	first, err := m.BackupIfAbsent(grub, "bootparam")
	if err != nil {
		t.Fatalf("BackupIfAbsent: %v", err)
	}
	original := readFile(t, first.BackupPath)

	writeFile(t, grub, "GRUB_CMDLINE_LINUX_DEFAULT=\"quiet intel_iommu=on\"\n")
	second, err := m.BackupIfAbsent(grub, "bootparam")
	if err != nil {
		t.Fatalf("second BackupIfAbsent: %v", err)
	}

	if second.Checksum != first.Checksum || second.BackupPath != first.BackupPath {
		t.Fatalf("entry changed: %+v vs %+v", first, second)
	}
	if got := readFile(t, second.BackupPath); got != original {
		t.Fatalf("backup overwritten: %q", got)
	}

	entries, err := m.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
}

func TestRevertAllRestoresAndRemoves(t *testing.T) {
	hostDir := t.TempDir()
	grub := filepath.Join(hostDir, "grub")
	modules := filepath.Join(hostDir, "glint-vfio.conf")
	writeFile(t, grub, "original\n")

	m := NewManager(t.TempDir())
	if _, err := m.BackupIfAbsent(grub, "bootparam"); err != nil {
		t.Fatal(err)
	}
	entry, err := m.BackupIfAbsent(modules, "vfio")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.Absent {
		t.Fatalf("expected absent entry for new file")
	}
	if err := m.AddFollowUp("sudo update-grub"); err != nil {
		t.Fatal(err)
	}

	writeFile(t, grub, "changed\n")
	writeFile(t, modules, "vfio-pci\n")

	report, err := m.RevertAll()
	if err != nil {
		t.Fatalf("RevertAll: %v", err)
	}
	if report.Failed() != 0 || len(report.Results) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.FollowUps) != 1 || report.FollowUps[0] != "sudo update-grub" {
		t.Fatalf("unexpected follow ups: %v", report.FollowUps)
	}
	if got := readFile(t, grub); got != "original\n" {
		t.Fatalf("grub not restored: %q", got)
	}
	if _, err := os.Stat(modules); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("created file not removed: %v", err)
	}
	if _, err := os.Stat(grub + Suffix); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("backup copy left behind")
	}

	entries, _ := m.Entries()
	if len(entries) != 0 {
		t.Fatalf("manifest not emptied: %+v", entries)
	}
}

func TestRevertAllReportsFailuresIndependently(t *testing.T) {
	hostDir := t.TempDir()
	good := filepath.Join(hostDir, "good.conf")
	denied := filepath.Join(hostDir, "denied.conf")
	writeFile(t, good, "good original\n")
	writeFile(t, denied, "denied original\n")

	m := NewManager(t.TempDir())
	for _, p := range []string{good, denied} {
		if _, err := m.BackupIfAbsent(p, "test"); err != nil {
			t.Fatal(err)
		}
		writeFile(t, p, "mutated\n")
	}

	m.writeFile = func(path string, data []byte, perm fs.FileMode) error {
		if path == denied {
			return &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}
		}
		return statefile.WriteAtomic(path, data, perm)
	}

	report, err := m.RevertAll()
	if err != nil {
		t.Fatalf("RevertAll: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("expected two results, got %d", len(report.Results))
	}
	var ok, failed int
	for _, r := range report.Results {
		if r.OK() {
			ok++
			if r.Path != good {
				t.Fatalf("unexpected success for %s", r.Path)
			}
		} else {
			failed++
			if r.Path != denied || !errors.Is(r.Err, fs.ErrPermission) {
				t.Fatalf("unexpected failure %+v", r)
			}
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("got %d ok / %d failed", ok, failed)
	}
	if got := readFile(t, good); got != "good original\n" {
		t.Fatalf("good file not restored: %q", got)
	}

	entries, _ := m.Entries()
	if len(entries) != 1 || entries[0].Path != denied {
		t.Fatalf("failed entry should stay tracked: %+v", entries)
	}
}

func TestVerify(t *testing.T) {
	hostDir := t.TempDir()
	path := filepath.Join(hostDir, "grub")
	writeFile(t, path, "original\n")

	m := NewManager(t.TempDir())
	entry, err := m.BackupIfAbsent(path, "bootparam")
	if err != nil {
		t.Fatal(err)
	}

	st, err := m.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if len(st) != 1 || st[0].Modified || !st[0].BackupIntact {
		t.Fatalf("unexpected status %+v", st)
	}

	writeFile(t, path, "changed\n")
	writeFile(t, entry.BackupPath, "tampered\n")
	st, _ = m.Verify()
	if !st[0].Modified || st[0].BackupIntact {
		t.Fatalf("drift not detected: %+v", st)
	}

	report, err := m.RevertAll()
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed() != 1 {
		t.Fatalf("corrupt backup must not be restored: %+v", report)
	}
	if got := readFile(t, path); got != "changed\n" {
		t.Fatalf("file overwritten from corrupt backup: %q", got)
	}
}
