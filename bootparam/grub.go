// Package bootparam edits the kernel command line in /etc/default/grub.
// Edits always go through the backup manager first, and the bootloader
// regeneration command is only reported, never run.
package bootparam

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"glint/backup"
	"glint/logger"
	"glint/statefile"
)

const (
	DefaultGrubFile = "/etc/default/grub"
	cmdlineKey      = "GRUB_CMDLINE_LINUX_DEFAULT"
	owner           = "bootparam"
)

var cmdlineLine = regexp.MustCompile(`^\s*` + cmdlineKey + `=(.*)$`)

// Change describes what Enable did.
type Change struct {
	Path     string
	Added    []string
	Cmdline  string
	FollowUp string
}

func (c Change) Changed() bool { return len(c.Added) > 0 }

// Editor adds parameters to the GRUB default command line.
type Editor struct {
	Path    string
	Backups *backup.Manager
	Host    HostInfo
}

// Enable makes sure every param is present in GRUB_CMDLINE_LINUX_DEFAULT.
// Parameters already there are left alone; when nothing is missing the file
// is not touched at all.
func (e *Editor) Enable(params ...string) (Change, error) {
	path := e.Path
	if path == "" {
		path = DefaultGrubFile
	}
	change := Change{Path: path, FollowUp: e.Host.RegenerateCommand()}

	if !e.Host.UsesGRUB() {
		return change, fmt.Errorf("%s does not boot through GRUB: %s", e.Host.DistroID, change.FollowUp)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return change, fmt.Errorf("read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return change, err
	}

	out, current, added, found := rewrite(data, params)
	change.Cmdline = current
	change.Added = added
	if !found {
		return change, fmt.Errorf("%s has no %s line", path, cmdlineKey)
	}
	if !change.Changed() {
		return change, nil
	}

	if _, err := e.Backups.BackupIfAbsent(path, owner); err != nil {
		return change, fmt.Errorf("backup %s: %w", path, err)
	}
	if err := statefile.WriteAtomic(path, out, info.Mode().Perm()); err != nil {
		return change, fmt.Errorf("write %s: %w", path, err)
	}
	if err := e.Backups.AddFollowUp(change.FollowUp); err != nil {
		logger.Warn("could not record follow-up command", "err", err)
	}
	logger.Info("kernel command line updated", "path", path, "added", strings.Join(added, " "))
	return change, nil
}

// rewrite returns the new file contents, the resulting command line, the
// parameters it had to add, and whether the key line was found.
func rewrite(data []byte, params []string) ([]byte, string, []string, bool) {
	var buf bytes.Buffer
	var cmdline string
	var added []string
	found := false

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		m := cmdlineLine.FindStringSubmatch(line)
		if m == nil || found {
			buf.WriteString(line)
			buf.WriteByte('\n')
			continue
		}
		found = true
		value := strings.Trim(strings.TrimSpace(m[1]), `"'`)
		fields := strings.Fields(value)
		for _, p := range params {
			if !contains(fields, p) {
				fields = append(fields, p)
				added = append(added, p)
			}
		}
		cmdline = strings.Join(fields, " ")
		fmt.Fprintf(&buf, "%s=\"%s\"\n", cmdlineKey, cmdline)
	}
	return buf.Bytes(), cmdline, added, found
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
