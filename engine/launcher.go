package engine

import (
	"os"
	"path/filepath"

	"glint/logger"
	"glint/qemu"
	"glint/supervisor"
)

// qemuLauncher starts VMs with qemu.Launch, logging their output to
// logDir/vm-<session>.log.
type qemuLauncher struct {
	logDir    string
	qmpSocket string
}

func (l *qemuLauncher) Launch(argv []string, sessionID string) (supervisor.Process, error) {
	logPath := ""
	if err := os.MkdirAll(l.logDir, 0o755); err == nil {
		logPath = filepath.Join(l.logDir, "vm-"+sessionID+".log")
	} else {
		logger.Warn("vm output not logged", "dir", l.logDir, "err", err)
	}
	in, err := qemu.Launch(argv, logPath, l.qmpSocket)
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (l *qemuLauncher) Attach(pid int, created int64, qmpSocket string) supervisor.Process {
	return qemu.Attach(pid, created, qmpSocket)
}
