package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"glint/logger"
	"glint/pci"
	"glint/strategy"
	"glint/supervisor"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	h, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestSessionLifecycle(t *testing.T) {
	h := openTest(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &supervisor.Record{
		ID:        "2f1c9a40-aaaa-bbbb-cccc-000000000001",
		StartedAt: start,
		UpdatedAt: start,
		Strategy:  strategy.SessionStop,
		Devices:   []pci.Device{{Address: "0000:01:00.0"}, {Address: "0000:01:00.1"}},
		State:     supervisor.StatePlanned,
		Cleanup:   supervisor.CleanupPending,
	}
	h.RecordState(rec)
	h.RecordOp(rec.ID, supervisor.Op{Name: "session-stop", At: start, Detail: "gdm.service"})
	h.RecordOp(rec.ID, supervisor.Op{Name: "bind", At: start.Add(time.Second), Err: "device busy"})

	rec.State = supervisor.StateCleaned
	rec.Cleanup = supervisor.CleanupCompleted
	rec.ExitReason = "vm exited"
	rec.UpdatedAt = start.Add(time.Minute)
	h.RecordState(rec)

	list, err := h.Sessions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("upsert should keep one row, got %d", len(list))
	}
	s := list[0]
	if s.State != "cleaned" || s.Cleanup != "completed" || s.ExitReason != "vm exited" {
		t.Fatalf("row not updated: %+v", s)
	}
	if len(s.Devices) != 2 || s.Devices[1] != "0000:01:00.1" {
		t.Fatalf("devices %v", s.Devices)
	}
	if !s.StartedAt.Equal(start) {
		t.Fatalf("started_at %v", s.StartedAt)
	}

	got, err := h.Session("2f1c9a40")
	if err != nil || got.ID != rec.ID {
		t.Fatalf("prefix lookup: %v %v", got.ID, err)
	}

	ops, err := h.Ops(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 || ops[0].Name != "session-stop" || ops[1].Err != "device busy" {
		t.Fatalf("ops %+v", ops)
	}
}

func TestSessionLookupErrors(t *testing.T) {
	h := openTest(t)
	for _, id := range []string{"ab01", "ab02"} {
		h.RecordState(&supervisor.Record{ID: id, StartedAt: time.Now(), UpdatedAt: time.Now()})
	}
	if _, err := h.Session("zz"); err == nil {
		t.Fatalf("expected missing session error")
	}
	if _, err := h.Session("ab"); err == nil {
		t.Fatalf("expected ambiguous prefix error")
	}
	if s, err := h.Session("ab02"); err != nil || s.ID != "ab02" {
		t.Fatalf("exact lookup: %v", err)
	}
}

func TestLogs(t *testing.T) {
	h := openTest(t)
	h.LogHook(logger.UrgencyInfo, "session started", "session", "s1")
	h.LogHook(logger.UrgencyError, "session cleanup failed", "err", errors.New("busy"))
	h.LogHook(logger.UrgencyWarn, "liveness check failed")
	h.LogHook(logger.UrgencyDebug, "session state")

	all, err := h.Logs(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("debug lines should be dropped, got %d rows", len(all))
	}
	if all[0].Content != "liveness check failed" {
		t.Fatalf("newest first expected, got %q", all[0].Content)
	}
	if all[2].Content != "session started session s1" {
		t.Fatalf("fields not rendered: %q", all[2].Content)
	}

	warn, err := h.Logs(10, logger.UrgencyWarn)
	if err != nil {
		t.Fatal(err)
	}
	if len(warn) != 1 || warn[0].Level != logger.UrgencyWarn {
		t.Fatalf("level filter: %+v", warn)
	}
}
