// Package patch applies exact-anchor text patches to a single file with a
// timestamped backup, structural verification, a compile check and rollback.
//
// A run goes through Prepare (read, guard, all edits in memory) and Commit
// (backup, write, verify, compile, rollback on failure). Nothing touches the
// disk until every edit has succeeded in memory.
package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	core "evvosfix/internal/core"
	"evvosfix/internal/fsx"
	"evvosfix/internal/syntax"
)

// Patcher describes one guarded patch of one target file.
type Patcher struct {
	Target  string
	Tag     string // names the backups this patcher takes
	Guard   string
	Edits   []Edit
	Checks  []Check
	Checker syntax.Checker // nil skips the compile check
	Keep    int            // backups retained after success, <= 0 keeps all
	Logger  *slog.Logger
}

// Pending is the in-memory result of Prepare.
type Pending struct {
	State  core.State
	Before []byte
	After  []byte
}

// Diff renders the change Commit would write.
func (p *Pending) Diff() string {
	return core.Diff(string(p.Before), string(p.After))
}

// Result is what Commit did.
type Result struct {
	State    core.State
	Backup   string
	Restored string
	Pruned   []string
}

func (p *Patcher) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Prepare reads the target, checks the guard and applies all edits in memory.
// It never writes.
func (p *Patcher) Prepare() (*Pending, error) {
	before, err := os.ReadFile(p.Target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, wrap(ErrTargetMissing, p.Target, err)
		}
		return nil, fmt.Errorf("read %s: %w", p.Target, err)
	}
	if p.Guard != "" && strings.Contains(string(before), p.Guard) {
		p.log().Info("guard token present, nothing to do", "target", p.Target)
		return &Pending{State: core.StateAlreadyPatched, Before: before, After: before}, nil
	}
	after, err := ApplyAll(string(before), p.Edits)
	if err != nil {
		return nil, err
	}
	return &Pending{State: core.StateUnpatched, Before: before, After: []byte(after)}, nil
}

// Run is Prepare followed by Commit.
func (p *Patcher) Run(ctx context.Context) (Result, error) {
	pend, err := p.Prepare()
	if err != nil {
		return Result{State: core.StateUnpatched}, err
	}
	return p.Commit(ctx, pend)
}

// Commit writes a prepared patch. On verification or compile failure the backup
// taken by this run is restored and the result state is StateRolledBack.
func (p *Patcher) Commit(ctx context.Context, pend *Pending) (Result, error) {
	res := Result{State: pend.State}
	if pend.State == core.StateAlreadyPatched {
		return res, nil
	}
	log := p.log().With("target", p.Target)

	cur, err := os.ReadFile(p.Target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, wrap(ErrTargetMissing, p.Target, err)
		}
		return res, fmt.Errorf("read %s: %w", p.Target, err)
	}
	if !bytes.Equal(cur, pend.Before) {
		return res, failf(ErrTargetChanged, "%s", p.Target)
	}

	mode := fsx.ModeOf(p.Target, 0o644)
	bak, err := fsx.BackupFile(p.Target, p.Tag)
	if err != nil {
		return res, fmt.Errorf("backup %s: %w", p.Target, err)
	}
	res.Backup = bak
	log.Info("backup written", "backup", bak)

	if err := fsx.AtomicWrite(p.Target, pend.After, mode); err != nil {
		return res, fmt.Errorf("write %s: %w", p.Target, err)
	}
	if err := p.transition(&res, core.StatePatchedUnverified); err != nil {
		return res, err
	}
	log.Info("patch written", "state", res.State)

	if verr := p.verify(ctx); verr != nil {
		log.Error("verification failed, rolling back", "error", verr)
		if rerr := p.rollback(&res); rerr != nil {
			return res, errors.Join(verr, rerr)
		}
		return res, verr
	}
	if err := p.transition(&res, core.StatePatchedVerified); err != nil {
		return res, err
	}
	log.Info("patch verified", "state", res.State)

	if p.Keep > 0 {
		pruned, err := fsx.PruneBackups(p.Target, p.Tag, p.Keep)
		res.Pruned = pruned
		if err != nil {
			log.Warn("prune backups", "error", err)
		} else if len(pruned) > 0 {
			log.Info("old backups pruned", "count", len(pruned))
		}
	}
	return res, nil
}

// verify re-opens the written file: structural checks first, then the compile check.
func (p *Patcher) verify(ctx context.Context) error {
	written, err := os.ReadFile(p.Target)
	if err != nil {
		return wrap(ErrVerify, "re-read", err)
	}
	if err := Verify(string(written), p.Checks); err != nil {
		return err
	}
	if p.Checker == nil {
		return nil
	}
	if err := p.Checker.Check(ctx, p.Target); err != nil {
		return wrap(ErrSyntax, "", err)
	}
	return nil
}

func (p *Patcher) rollback(res *Result) error {
	if err := fsx.Restore(p.Target, res.Backup); err != nil {
		return fmt.Errorf("rollback %s: %w", p.Target, err)
	}
	res.Restored = res.Backup
	if err := p.transition(res, core.StateRolledBack); err != nil {
		return err
	}
	p.log().Warn("backup restored", "target", p.Target, "backup", res.Backup, "state", res.State)
	return nil
}

func (p *Patcher) transition(res *Result, to core.State) error {
	if !allowed(res.State, to) {
		return fmt.Errorf("disallowed transition for %s: %s -> %s", p.Target, res.State, to)
	}
	res.State = to
	return nil
}

func allowed(from, to core.State) bool {
	switch from {
	case core.StateUnpatched:
		return to == core.StatePatchedUnverified || to == core.StateAlreadyPatched
	case core.StatePatchedUnverified:
		return to == core.StatePatchedVerified || to == core.StateRolledBack
	default:
		return false
	}
}
