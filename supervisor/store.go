package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"glint/glinterr"
	"glint/logger"
	"glint/statefile"
)

// Store keeps one YAML file per Session Record in Dir.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir, id+".yaml")
}

func (s *Store) Save(r *Record) error {
	if err := statefile.WriteYAML(s.path(r.ID), r, 0o600); err != nil {
		return fmt.Errorf("save session %s: %w", r.ID, err)
	}
	return nil
}

// Load reads one record. A missing record returns an error wrapping
// fs.ErrNotExist.
func (s *Store) Load(id string) (*Record, error) {
	var r Record
	if err := statefile.ReadYAML(s.path(id), &r); err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) Delete(id string) error {
	if err := statefile.Remove(s.path(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// List returns every record, oldest first. Unreadable files are logged and
// skipped.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		r, err := s.Load(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			logger.Warn("skipping unreadable session record", "file", name, "err", err)
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Claims maps every device referenced by a record to the sessions holding
// it. A record is a lock on its devices until it is deleted.
func (s *Store) Claims() (map[string][]string, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	claims := make(map[string][]string)
	for _, r := range records {
		for _, a := range r.Addresses() {
			claims[a] = append(claims[a], fmt.Sprintf("session %s (%s)", r.ID, r.State))
		}
	}
	return claims, nil
}

// Lock is the engine-wide exclusive lock.
type Lock struct {
	f *os.File
}

// AcquireLock takes a non-blocking exclusive flock on path.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, glinterr.New(glinterr.ErrEngineLocked, "%s is held", path).
				WithRemediation("wait for the running glint command to finish, or check 'glint sessions'")
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{f: f}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
