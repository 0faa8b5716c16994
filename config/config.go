package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStateDir      = "/var/lib/glint"
	DefaultSysfsRoot     = "/"
	DefaultHostProfile   = "/etc/glint/host.yaml"
	DefaultQEMUBinary    = "qemu-system-x86_64"
	DefaultLibvirtURI    = "qemu:///system"
	DefaultDisplayUnit   = "display-manager.service"
	DefaultModulesLoad   = "/etc/modules-load.d/glint-vfio.conf"
	DefaultPollInterval  = 2 * time.Second
	DefaultStopTimeout   = 60 * time.Second
	defaultRetryAttempts = 5
	defaultRetryDelay    = 200 * time.Millisecond
)

// Config is the process level configuration read from the environment.
type Config struct {
	Mode         string
	StateDir     string
	SysfsRoot    string
	ProfilePath  string
	QEMUBinary   string
	LibvirtURI   string
	PollInterval time.Duration
	StopTimeout  time.Duration

	Profile HostProfile
}

// Retry is a bounded retry policy: at most MaxAttempts tries with an
// exponential backoff starting at BaseDelay.
type Retry struct {
	MaxAttempts uint          `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// HostProfile holds per-machine facts that cannot be reliably detected.
type HostProfile struct {
	DisplayManagerUnit      string   `yaml:"display_manager_unit"`
	AlternateDisplayAdapter string   `yaml:"alternate_display_adapter"`
	EssentialDevices        []string `yaml:"essential_devices"`
	IntegratedGPUs          []string `yaml:"integrated_gpus"`
	// MuxPresent overrides MUX detection when set.
	MuxPresent      *bool  `yaml:"mux_present"`
	Retry           Retry  `yaml:"retry"`
	CleanupRetry    Retry  `yaml:"cleanup_retry"`
	ModulesLoadFile string `yaml:"modules_load_file"`
}

// Load reads envFile (ignored when missing), the GLINT_* variables and the
// host profile they point at.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{
		Mode:        os.Getenv("GLINT_MODE"),
		StateDir:    envOr("GLINT_STATE_DIR", DefaultStateDir),
		SysfsRoot:   envOr("GLINT_SYSFS_ROOT", DefaultSysfsRoot),
		ProfilePath: envOr("GLINT_HOST_PROFILE", DefaultHostProfile),
		QEMUBinary:  envOr("GLINT_QEMU_BINARY", DefaultQEMUBinary),
	}
	if cfg.Mode != "dev" {
		cfg.Mode = "prod"
	}

	// An explicitly empty URI turns the libvirt claims check off.
	if uri, ok := os.LookupEnv("GLINT_LIBVIRT_URI"); ok {
		cfg.LibvirtURI = strings.TrimSpace(uri)
	} else {
		cfg.LibvirtURI = DefaultLibvirtURI
	}

	var err error
	if cfg.PollInterval, err = envDuration("GLINT_POLL_INTERVAL", DefaultPollInterval); err != nil {
		return nil, err
	}
	if cfg.StopTimeout, err = envDuration("GLINT_STOP_TIMEOUT", DefaultStopTimeout); err != nil {
		return nil, err
	}

	profile, err := LoadHostProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	cfg.Profile = *profile
	return cfg, nil
}

// LoadHostProfile reads the YAML host profile at path. A missing file yields
// the defaults.
func LoadHostProfile(path string) (*HostProfile, error) {
	p := &HostProfile{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read host profile %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parse host profile %s: %w", path, err)
		}
	}
	p.applyDefaults()
	return p, nil
}

func (p *HostProfile) applyDefaults() {
	if strings.TrimSpace(p.DisplayManagerUnit) == "" {
		p.DisplayManagerUnit = DefaultDisplayUnit
	}
	if strings.TrimSpace(p.ModulesLoadFile) == "" {
		p.ModulesLoadFile = DefaultModulesLoad
	}
	if p.Retry.MaxAttempts == 0 {
		p.Retry.MaxAttempts = defaultRetryAttempts
	}
	if p.Retry.BaseDelay <= 0 {
		p.Retry.BaseDelay = defaultRetryDelay
	}
	if p.CleanupRetry.MaxAttempts == 0 {
		p.CleanupRetry.MaxAttempts = defaultRetryAttempts
	}
	if p.CleanupRetry.BaseDelay <= 0 {
		p.CleanupRetry.BaseDelay = time.Second
	}
}

// Path helpers for the state directory layout.

func (c *Config) SessionsDir() string { return filepath.Join(c.StateDir, "sessions") }
func (c *Config) BackupDir() string   { return filepath.Join(c.StateDir, "backups") }
func (c *Config) LockPath() string    { return filepath.Join(c.StateDir, "engine.lock") }
func (c *Config) HistoryPath() string { return filepath.Join(c.StateDir, "history.db") }
func (c *Config) LogDir() string      { return filepath.Join(c.StateDir, "logs") }
func (c *Config) RequestsDir() string { return filepath.Join(c.StateDir, "requests") }

// SysPath joins rel onto the configured sysfs root.
func (c *Config) SysPath(rel string) string {
	return filepath.Join(c.SysfsRoot, rel)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envDuration accepts Go durations ("1500ms") or plain seconds ("3").
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
