package hostsession

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/sdjournal"
)

// Systemd talks to the system instance of systemd over D-Bus. Each call opens
// its own connection.
type Systemd struct {
	Timeout time.Duration
}

func NewSystemd() *Systemd {
	return &Systemd{Timeout: 30 * time.Second}
}

func (s *Systemd) connect(ctx context.Context) (*dbus.Conn, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return conn, ctx, cancel, nil
}

func (s *Systemd) Status(ctx context.Context, unit string) (UnitState, error) {
	conn, ctx, cancel, err := s.connect(ctx)
	if err != nil {
		return UnitState{}, err
	}
	defer cancel()
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return UnitState{}, fmt.Errorf("get properties of %s: %w", unit, err)
	}
	st := UnitState{
		Name:        prop(props, "Id"),
		LoadState:   prop(props, "LoadState"),
		ActiveState: prop(props, "ActiveState"),
		SubState:    prop(props, "SubState"),
	}
	if st.Name == "" {
		st.Name = unit
	}
	return st, nil
}

func (s *Systemd) Stop(ctx context.Context, unit string) error {
	return s.job(ctx, unit, func(ctx context.Context, conn *dbus.Conn, ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, unit, "replace", ch)
	})
}

func (s *Systemd) Start(ctx context.Context, unit string) error {
	return s.job(ctx, unit, func(ctx context.Context, conn *dbus.Conn, ch chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, unit, "replace", ch)
	})
}

// job queues a unit job and waits for systemd to report its result.
func (s *Systemd) job(ctx context.Context, unit string, queue func(context.Context, *dbus.Conn, chan<- string) (int, error)) error {
	conn, ctx, cancel, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := queue(ctx, conn, ch); err != nil {
		return fmt.Errorf("queue job for %s: %w", unit, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("job for %s finished with %q", unit, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job for %s: %w", unit, ctx.Err())
	}
}

// Logs returns the last lines journal messages of unit, oldest first.
func (s *Systemd) Logs(unit string, lines int) (string, error) {
	j, err := sdjournal.NewJournal()
	if err != nil {
		return "", err
	}
	defer j.Close()
	if err := j.AddMatch("_SYSTEMD_UNIT=" + unit); err != nil {
		return "", err
	}
	if err := j.SeekTail(); err != nil {
		return "", err
	}

	var out []string
	for len(out) < lines {
		n, err := j.Previous()
		if err != nil {
			return "", err
		}
		if n == 0 {
			break
		}
		entry, err := j.GetEntry()
		if err != nil {
			return "", err
		}
		ts := time.Unix(0, int64(entry.RealtimeTimestamp)*int64(time.Microsecond)).Format(time.RFC3339)
		out = append(out, fmt.Sprintf("%s %s", ts, entry.Fields["MESSAGE"]))
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return strings.Join(out, "\n"), nil
}

func prop(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}
