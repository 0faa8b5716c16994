// Package backup keeps pristine copies of host files before the engine
// edits them and puts them back on request.
//
// A manifest in the state directory lists one entry per tracked path. The
// first BackupIfAbsent call for a path wins; later calls return the existing
// entry untouched, so the stored copy is always the content from before the
// engine first changed the file.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"glint/logger"
	"glint/statefile"
)

const Suffix = ".glint-backup"

// Entry is one tracked file.
type Entry struct {
	Path       string    `yaml:"path"`
	BackupPath string    `yaml:"backup_path,omitempty"`
	Checksum   string    `yaml:"checksum,omitempty"`
	Absent     bool      `yaml:"absent,omitempty"`
	Mode       uint32    `yaml:"mode,omitempty"`
	CreatedAt  time.Time `yaml:"created_at"`
	Owner      string    `yaml:"owner"`
}

// Result is the outcome of restoring one Entry.
type Result struct {
	Path   string
	Action string
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

// Report is what RevertAll hands back. FollowUps are host commands the user
// still has to run; they are never executed here.
type Report struct {
	Results   []Result
	FollowUps []string
}

func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.OK() {
			n++
		}
	}
	return n
}

// Status describes a tracked file for diagnostics.
type Status struct {
	Entry
	Modified     bool
	BackupIntact bool
}

type manifest struct {
	Entries   []Entry  `yaml:"entries"`
	FollowUps []string `yaml:"follow_ups,omitempty"`
}

// Manager owns the manifest at Dir/manifest.yaml.
type Manager struct {
	Dir string

	mu sync.Mutex
	// writeFile replaces a host file; swapped in tests.
	writeFile func(path string, data []byte, perm fs.FileMode) error
}

func NewManager(dir string) *Manager {
	return &Manager{Dir: dir, writeFile: statefile.WriteAtomic}
}

func (m *Manager) manifestPath() string {
	return filepath.Join(m.Dir, "manifest.yaml")
}

func (m *Manager) load() (*manifest, error) {
	var mf manifest
	err := statefile.ReadYAML(m.manifestPath(), &mf)
	if errors.Is(err, fs.ErrNotExist) {
		return &mf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load backup manifest: %w", err)
	}
	return &mf, nil
}

func (m *Manager) save(mf *manifest) error {
	if err := statefile.WriteYAML(m.manifestPath(), mf, 0o600); err != nil {
		return fmt.Errorf("save backup manifest: %w", err)
	}
	return nil
}

// BackupIfAbsent snapshots path unless it is already tracked. A path that
// does not exist yet is recorded as absent so a revert removes it again.
func (m *Manager) BackupIfAbsent(path, owner string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = filepath.Clean(path)
	mf, err := m.load()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range mf.Entries {
		if e.Path == path {
			return e, nil
		}
	}

	entry := Entry{Path: path, CreatedAt: time.Now().UTC(), Owner: owner}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		entry.Absent = true
	case err != nil:
		return Entry{}, fmt.Errorf("read %s: %w", path, err)
	default:
		info, err := os.Stat(path)
		if err != nil {
			return Entry{}, fmt.Errorf("stat %s: %w", path, err)
		}
		entry.Mode = uint32(info.Mode().Perm())
		entry.Checksum = checksum(data)
		entry.BackupPath = path + Suffix
		// A copy left by an earlier, interrupted run is the original.
		if existing, err := os.ReadFile(entry.BackupPath); err == nil {
			entry.Checksum = checksum(existing)
		} else if err := statefile.WriteAtomic(entry.BackupPath, data, info.Mode().Perm()); err != nil {
			return Entry{}, fmt.Errorf("write backup of %s: %w", path, err)
		}
	}

	mf.Entries = append(mf.Entries, entry)
	if err := m.save(mf); err != nil {
		return Entry{}, err
	}
	logger.Info("backed up host file", "path", path, "owner", owner, "absent", entry.Absent)
	return entry, nil
}

// AddFollowUp records a command the user must run after a revert.
func (m *Manager) AddFollowUp(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mf, err := m.load()
	if err != nil {
		return err
	}
	for _, f := range mf.FollowUps {
		if f == cmd {
			return nil
		}
	}
	mf.FollowUps = append(mf.FollowUps, cmd)
	return m.save(mf)
}

func (m *Manager) Entries() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mf, err := m.load()
	if err != nil {
		return nil, err
	}
	out := append([]Entry(nil), mf.Entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// RevertAll restores every tracked file independently. Entries that were
// restored leave the manifest; failed ones stay for another attempt.
func (m *Manager) RevertAll() (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mf, err := m.load()
	if err != nil {
		return Report{}, err
	}

	report := Report{FollowUps: append([]string(nil), mf.FollowUps...)}
	var remaining []Entry
	for _, e := range mf.Entries {
		res := m.restore(e)
		report.Results = append(report.Results, res)
		if res.OK() {
			logger.Info("reverted host file", "path", e.Path, "action", res.Action)
		} else {
			logger.Error("revert failed", "path", e.Path, "err", res.Err)
			remaining = append(remaining, e)
		}
	}

	mf.Entries = remaining
	if len(remaining) == 0 {
		mf.FollowUps = nil
	}
	if err := m.save(mf); err != nil {
		return report, err
	}
	return report, nil
}

func (m *Manager) restore(e Entry) Result {
	res := Result{Path: e.Path}
	if e.Absent {
		res.Action = "removed"
		res.Err = statefile.Remove(e.Path)
		return res
	}

	res.Action = "restored"
	data, err := os.ReadFile(e.BackupPath)
	if err != nil {
		res.Err = fmt.Errorf("read backup %s: %w", e.BackupPath, err)
		return res
	}
	if sum := checksum(data); sum != e.Checksum {
		res.Err = fmt.Errorf("backup %s is corrupt: checksum %s, want %s", e.BackupPath, sum, e.Checksum)
		return res
	}
	if err := m.writeFile(e.Path, data, fs.FileMode(e.Mode)); err != nil {
		res.Err = fmt.Errorf("restore %s: %w", e.Path, err)
		return res
	}
	if err := statefile.Remove(e.BackupPath); err != nil {
		logger.Warn("could not remove backup copy", "path", e.BackupPath, "err", err)
	}
	return res
}

// Verify reports, per entry, whether the live file differs from the original
// and whether the stored copy still matches its checksum.
func (m *Manager) Verify() ([]Status, error) {
	entries, err := m.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		st := Status{Entry: e}
		live, liveErr := os.ReadFile(e.Path)
		if e.Absent {
			st.BackupIntact = true
			st.Modified = liveErr == nil
		} else {
			stored, err := os.ReadFile(e.BackupPath)
			st.BackupIntact = err == nil && checksum(stored) == e.Checksum
			st.Modified = liveErr != nil || checksum(live) != e.Checksum
		}
		out = append(out, st)
	}
	return out, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
