package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GLINT_MODE", "")
	t.Setenv("GLINT_STATE_DIR", "")
	t.Setenv("GLINT_SYSFS_ROOT", "")
	t.Setenv("GLINT_HOST_PROFILE", filepath.Join(dir, "missing.yaml"))
	t.Setenv("GLINT_POLL_INTERVAL", "")
	t.Setenv("GLINT_STOP_TIMEOUT", "")
	os.Unsetenv("GLINT_LIBVIRT_URI")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "prod" {
		t.Fatalf("unexpected mode %q", cfg.Mode)
	}
	if cfg.StateDir != DefaultStateDir || cfg.SysfsRoot != DefaultSysfsRoot {
		t.Fatalf("unexpected dirs: %q %q", cfg.StateDir, cfg.SysfsRoot)
	}
	if cfg.LibvirtURI != DefaultLibvirtURI {
		t.Fatalf("unexpected libvirt uri %q", cfg.LibvirtURI)
	}
	if cfg.PollInterval != DefaultPollInterval || cfg.StopTimeout != DefaultStopTimeout {
		t.Fatalf("unexpected intervals: %s %s", cfg.PollInterval, cfg.StopTimeout)
	}
	if cfg.Profile.DisplayManagerUnit != DefaultDisplayUnit {
		t.Fatalf("unexpected display unit %q", cfg.Profile.DisplayManagerUnit)
	}
	if cfg.Profile.Retry.MaxAttempts == 0 || cfg.Profile.CleanupRetry.MaxAttempts == 0 {
		t.Fatalf("retry defaults not applied: %+v", cfg.Profile)
	}
}

func TestLoadEnvFileAndProfile(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "host.yaml")
	if err := os.WriteFile(profile, []byte(`
display_manager_unit: gdm.service
alternate_display_adapter: "0000:00:02.0"
essential_devices: ["0000:00:17.0"]
mux_present: true
retry:
  max_attempts: 3
  base_delay: 50ms
`), 0o644); err != nil {
		t.Fatal(err)
	}
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("GLINT_POLL_INTERVAL=3\nGLINT_STOP_TIMEOUT=1500ms\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GLINT_HOST_PROFILE", profile)
	t.Setenv("GLINT_LIBVIRT_URI", "")
	t.Setenv("GLINT_MODE", "dev")
	// godotenv does not override variables that are already set.
	os.Unsetenv("GLINT_POLL_INTERVAL")
	os.Unsetenv("GLINT_STOP_TIMEOUT")
	t.Cleanup(func() {
		os.Unsetenv("GLINT_POLL_INTERVAL")
		os.Unsetenv("GLINT_STOP_TIMEOUT")
	})

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "dev" {
		t.Fatalf("unexpected mode %q", cfg.Mode)
	}
	if cfg.LibvirtURI != "" {
		t.Fatalf("expected empty libvirt uri, got %q", cfg.LibvirtURI)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval)
	}
	if cfg.StopTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected stop timeout %s", cfg.StopTimeout)
	}
	p := cfg.Profile
	if p.DisplayManagerUnit != "gdm.service" || p.AlternateDisplayAdapter != "0000:00:02.0" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if p.MuxPresent == nil || !*p.MuxPresent {
		t.Fatalf("expected mux override")
	}
	if p.Retry.MaxAttempts != 3 || p.Retry.BaseDelay != 50*time.Millisecond {
		t.Fatalf("unexpected retry: %+v", p.Retry)
	}
	if p.ModulesLoadFile != DefaultModulesLoad {
		t.Fatalf("unexpected modules file %q", p.ModulesLoadFile)
	}
}

func TestLoadHostProfileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	if err := os.WriteFile(path, []byte("retry: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadHostProfile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestInvalidDuration(t *testing.T) {
	t.Setenv("GLINT_HOST_PROFILE", filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("GLINT_POLL_INTERVAL", "soon")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}
