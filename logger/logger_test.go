package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestToFields(t *testing.T) {
	fields := toFields(
		"device", "0000:01:00.0",
		zap.Int("attempt", 2),
		map[string]interface{}{"group": 14},
		"err", errors.New("busy"),
		"dangling",
	)
	if len(fields) != 5 {
		t.Fatalf("expected 5 fields, got %d", len(fields))
	}
	if fields[0].Key != "device" || fields[0].String != "0000:01:00.0" {
		t.Fatalf("unexpected first field: %+v", fields[0])
	}
	if fields[1].Key != "attempt" {
		t.Fatalf("unexpected zap field passthrough: %+v", fields[1])
	}
	if fields[3].Key != "err" {
		t.Fatalf("expected named error field, got %+v", fields[3])
	}
	if fields[4].Key != "dangling" {
		t.Fatalf("expected dangling key to be kept, got %+v", fields[4])
	}
}

func TestCallbackReceivesUrgency(t *testing.T) {
	var got []int
	SetCallBack(func(urgency int, msg string, fields ...interface{}) {
		got = append(got, urgency)
	})
	defer SetCallBack(nil)

	Info("a")
	Error("b")
	Warn("c")
	Debug("d")

	want := []int{UrgencyInfo, UrgencyError, UrgencyWarn, UrgencyDebug}
	if len(got) != len(want) {
		t.Fatalf("expected %d callbacks, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("callback %d: got urgency %d want %d", i, got[i], want[i])
		}
	}
}

func TestSetOutputWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.log")
	if err := SetOutput(path); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}
	defer swap(zap.NewNop(), "prod")

	Info("session started", "session", "abc")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "session started") {
		t.Fatalf("log file missing message: %q", data)
	}
}
