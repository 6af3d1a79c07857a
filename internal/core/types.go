package core

import (
	"fmt"
	"strings"
	"time"
)

type FixID string

const (
	FixBLEName      FixID = "ble-name"
	FixCharFlags    FixID = "char-flags"
	FixCameraRotate FixID = "camera-rotate"
)

// AllFixes lists every fix in display order.
var AllFixes = []FixID{FixBLEName, FixCharFlags, FixCameraRotate}

// ParseFixID accepts a fix id case-insensitively.
func ParseFixID(s string) (FixID, error) {
	for _, id := range AllFixes {
		if strings.EqualFold(s, string(id)) {
			return id, nil
		}
	}
	return "", fmt.Errorf("invalid fix: %s", s)
}

// State is the lifecycle of a single guarded patch run.
type State string

const (
	StateUnpatched         State = "unpatched"
	StatePatchedUnverified State = "patched-unverified"
	StatePatchedVerified   State = "patched-verified"
	StateRolledBack        State = "rolled-back"
	StateAlreadyPatched    State = "already-patched"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StatePatchedVerified, StateRolledBack, StateAlreadyPatched:
		return true
	default:
		return false
	}
}

// Succeeded reports whether s is a successful terminal state.
func (s State) Succeeded() bool {
	return s == StatePatchedVerified || s == StateAlreadyPatched
}

// Status is what Inspect finds on disk without mutating anything.
type Status string

const (
	StatusUnpatched      Status = "unpatched"
	StatusAlreadyPatched Status = "already-patched"
	StatusAnchorMissing  Status = "anchor-missing"
	StatusTargetMissing  Status = "target-missing"
	StatusUnknown        Status = "unknown"
)

// Inspection describes the current state of one fix.
type Inspection struct {
	Fix     FixID
	Target  string
	Status  Status
	Detail  string
	Unit    string
	Service string // systemd ActiveState, empty when not queried
	Backups int
}

// ApplyOptions are per-run overrides given on the command line or in the TUI.
type ApplyOptions struct {
	DryRun    bool
	Alias     string // ble-name only
	Adapter   string // ble-name only
	NoPersist bool   // ble-name only
}

// Report is the outcome of applying one fix.
type Report struct {
	Fix      FixID
	Target   string
	State    State
	Backup   string
	Diff     string
	Service  string
	Started  time.Time
	Duration time.Duration
	Notes    []string
}

// Notef appends a human-readable line to the report.
func (r *Report) Notef(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}
