package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	core "evvosfix/internal/core"
	"evvosfix/internal/fsx"
)

// MaxRecords bounds the history file; older records are dropped on append.
const MaxRecords = 500

// Record is one fix run.
type Record struct {
	ID        string        `json:"id"`
	Fix       core.FixID    `json:"fix"`
	State     core.State    `json:"state"`
	Target    string        `json:"target"`
	Backup    string        `json:"backup,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	DryRun    bool          `json:"dry_run,omitempty"`
}

type historyFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// History persists run records under a state directory.
type History struct {
	dir string
}

// NewHistory returns a history stored in dir/history.json.
func NewHistory(dir string) *History {
	return &History{dir: dir}
}

// Path returns the history file location.
func (h *History) Path() string {
	return filepath.Join(h.dir, "history.json")
}

// NewRecord builds a record from a fix report and its error.
func NewRecord(rep core.Report, dryRun bool, err error) Record {
	r := Record{
		ID:        ulid.Make().String(),
		Fix:       rep.Fix,
		State:     rep.State,
		Target:    rep.Target,
		Backup:    rep.Backup,
		StartedAt: rep.Started.UTC(),
		Duration:  rep.Duration,
		DryRun:    dryRun,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Load returns all records oldest first.
func (h *History) Load() ([]Record, error) {
	b, err := os.ReadFile(h.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var f historyFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", h.Path(), err)
	}
	return f.Records, nil
}

// Append adds rec and writes the file back atomically.
func (h *History) Append(rec Record) error {
	list, err := h.Load()
	if err != nil {
		return err
	}
	list = append(list, rec)
	if len(list) > MaxRecords {
		list = list[len(list)-MaxRecords:]
	}
	data, err := json.MarshalIndent(&historyFile{Version: 1, Records: list}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(h.dir, 0o700); err != nil {
		return err
	}
	return fsx.AtomicWrite(h.Path(), data, fs.FileMode(0o600))
}

// ForFix returns the records of one fix, newest first.
func (h *History) ForFix(id core.FixID) ([]Record, error) {
	list, err := h.Load()
	if err != nil {
		return nil, err
	}
	var out []Record
	for i := len(list) - 1; i >= 0; i-- {
		if id == "" || list[i].Fix == id {
			out = append(out, list[i])
		}
	}
	return out, nil
}
