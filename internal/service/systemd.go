// Package service stops, starts and watches systemd units.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTimeout    = errors.New("timed out waiting for unit")
	ErrUnitFailed = errors.New("unit entered failed state")
	ErrUnitExited = errors.New("unit left active state")
)

// Error reports a unit that did not reach the wanted state, with recent journal lines.
type Error struct {
	Unit  string
	Op    string
	State string
	Logs  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (state %s): %v", e.Op, e.Unit, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Controller is the init-system surface the fixes need.
type Controller interface {
	Stop(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	ActiveState(ctx context.Context, unit string) (string, error)
	WaitActive(ctx context.Context, unit string) error
	WaitInactive(ctx context.Context, unit string) error
	Logs(ctx context.Context, unit string, lines int) (string, error)
}

// Runner executes a host command and returns combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Systemd drives units through systemctl and journalctl.
type Systemd struct {
	Runner       Runner
	PollInterval time.Duration
	Timeout      time.Duration
	Settle       time.Duration // a started unit must stay active this long
	LogLines     int
	Logger       *slog.Logger
}

// NewSystemd returns a controller with defaults filled in. A negative settle
// disables the settle window.
func NewSystemd(r Runner, poll, timeout, settle time.Duration, logLines int, logger *slog.Logger) *Systemd {
	if r == nil {
		r = ExecRunner{}
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if settle < 0 {
		settle = 0
	}
	if logLines <= 0 {
		logLines = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Systemd{Runner: r, PollInterval: poll, Timeout: timeout, Settle: settle, LogLines: logLines, Logger: logger}
}

func (s *Systemd) Stop(ctx context.Context, unit string) error {
	s.Logger.Info("stopping unit", "unit", unit)
	if out, err := s.Runner.Run(ctx, "systemctl", "stop", unit); err != nil {
		return fmt.Errorf("systemctl stop %s: %w: %s", unit, err, strings.TrimSpace(string(out)))
	}
	return s.WaitInactive(ctx, unit)
}

// Start issues systemctl start and waits for the unit to become active.
// A unit that does not come up is reported with its recent journal lines.
func (s *Systemd) Start(ctx context.Context, unit string) error {
	s.Logger.Info("starting unit", "unit", unit)
	if out, err := s.Runner.Run(ctx, "systemctl", "start", unit); err != nil {
		state, _ := s.ActiveState(ctx, unit)
		return s.failure(ctx, "start", unit, state, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return s.WaitActive(ctx, unit)
}

// ActiveState returns the unit's ActiveState (active, inactive, failed, activating, ...).
func (s *Systemd) ActiveState(ctx context.Context, unit string) (string, error) {
	out, err := s.Runner.Run(ctx, "systemctl", "show", "--property=ActiveState", "--value", unit)
	state := strings.TrimSpace(string(out))
	if err != nil && state == "" {
		return "", fmt.Errorf("systemctl show %s: %w", unit, err)
	}
	if state == "" {
		state = "unknown"
	}
	return state, nil
}

// WaitActive waits for the unit to report active and then stay active for
// the settle window. A crash inside the window is a failed start.
func (s *Systemd) WaitActive(ctx context.Context, unit string) error {
	state, err := s.waitFor(ctx, unit, func(st string) (bool, error) {
		switch st {
		case "active":
			return true, nil
		case "failed":
			return false, ErrUnitFailed
		}
		return false, nil
	})
	if err == nil {
		state, err = s.settle(ctx, unit)
	}
	if err != nil {
		return s.failure(ctx, "start", unit, state, err)
	}
	s.Logger.Info("unit active", "unit", unit)
	return nil
}

// settle polls an active unit until Settle has passed, failing on the first
// reading that is neither active nor reloading.
func (s *Systemd) settle(ctx context.Context, unit string) (string, error) {
	if s.Settle <= 0 {
		return "active", nil
	}
	deadline := time.NewTimer(s.Settle)
	defer deadline.Stop()
	t := time.NewTicker(s.PollInterval)
	defer t.Stop()
	state := "active"
	for {
		last := false
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-deadline.C:
			last = true
		case <-t.C:
		}
		if st, err := s.ActiveState(ctx, unit); err == nil {
			state = st
			switch st {
			case "active", "reloading":
			case "failed":
				return st, ErrUnitFailed
			default:
				return st, fmt.Errorf("%w within %s: %s", ErrUnitExited, s.Settle, st)
			}
		}
		if last {
			return state, nil
		}
	}
}

func (s *Systemd) WaitInactive(ctx context.Context, unit string) error {
	state, err := s.waitFor(ctx, unit, func(st string) (bool, error) {
		return st == "inactive" || st == "failed", nil
	})
	if err != nil {
		return &Error{Unit: unit, Op: "stop", State: state, Err: err}
	}
	return nil
}

// waitFor polls ActiveState until done reports true, done fails, or the timeout passes.
func (s *Systemd) waitFor(ctx context.Context, unit string, done func(string) (bool, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	t := time.NewTicker(s.PollInterval)
	defer t.Stop()
	var last string
	for {
		st, err := s.ActiveState(ctx, unit)
		if err == nil {
			last = st
			ok, derr := done(st)
			if derr != nil {
				return last, derr
			}
			if ok {
				return last, nil
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return last, fmt.Errorf("%w after %s", ErrTimeout, s.Timeout)
			}
			return last, ctx.Err()
		case <-t.C:
		}
	}
}

// Logs returns the last lines of the unit's journal.
func (s *Systemd) Logs(ctx context.Context, unit string, lines int) (string, error) {
	if lines <= 0 {
		lines = s.LogLines
	}
	out, err := s.Runner.Run(ctx, "journalctl", "-u", unit, "-n", strconv.Itoa(lines), "--no-pager")
	if err != nil {
		return "", fmt.Errorf("journalctl -u %s: %w", unit, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (s *Systemd) failure(ctx context.Context, op, unit, state string, err error) error {
	// A fresh context: the caller's may already be past its deadline.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	logs, lerr := s.Logs(lctx, unit, s.LogLines)
	if lerr != nil {
		s.Logger.Warn("fetch unit logs", "unit", unit, "error", lerr)
	}
	s.Logger.Error("unit not running", "unit", unit, "state", state, "error", err)
	return &Error{Unit: unit, Op: op, State: state, Logs: logs, Err: err}
}
