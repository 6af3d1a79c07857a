package fixes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	core "evvosfix/internal/core"
	"evvosfix/internal/fsx"
	"evvosfix/internal/patch"
)

// fileFix is a guarded patch of one file followed by a service restart.
type fileFix struct {
	id      core.FixID
	target  string
	unit    string
	deps    Deps
	patcher func() *patch.Patcher
	revert  revertFunc // nil restores the whole backup
}

// revertFunc undoes a patch in the current text given the pre-patch text.
type revertFunc func(cur, pre string) (string, error)

func (f *fileFix) ID() core.FixID    { return f.id }
func (f *fileFix) Paths() []string   { return []string{f.target} }
func (f *fileFix) Unit() string      { return f.unit }
func (f *fileFix) log() *slog.Logger { return f.deps.log(f.id) }

func (f *fileFix) Inspect(ctx context.Context) (core.Inspection, error) {
	in := core.Inspection{Fix: f.id, Target: f.target, Unit: f.unit}
	in.Status, in.Detail = inspectPatch(f.patcher())
	in.Backups = countBackups(f.target, f.id)
	in.Service = unitState(ctx, f.deps, f.unit)
	return in, nil
}

func (f *fileFix) Apply(ctx context.Context, opts core.ApplyOptions) (core.Report, error) {
	rep := core.Report{Fix: f.id, Target: f.target, State: core.StateUnpatched, Started: time.Now()}
	defer func() { rep.Duration = time.Since(rep.Started) }()

	p := f.patcher()
	pend, err := p.Prepare()
	if err != nil {
		return rep, err
	}
	rep.Diff = pend.Diff()
	if pend.State == core.StateAlreadyPatched {
		rep.State = pend.State
		rep.Notef("%s already patched, nothing to do", f.target)
		return rep, nil
	}
	if opts.DryRun {
		rep.Notef("dry run: %s not written", f.target)
		return rep, nil
	}

	if err := stopUnit(ctx, f.deps, f.unit); err != nil {
		return rep, err
	}
	res, cerr := p.Commit(ctx, pend)
	rep.State = res.State
	rep.Backup = res.Backup
	switch {
	case cerr == nil:
		rep.Notef("patched %s (backup %s)", f.target, res.Backup)
	case res.Restored != "":
		rep.Notef("verification failed, restored %s", res.Restored)
	}
	// The unit was stopped above, so it is started again whatever the outcome.
	serr := startUnit(ctx, f.deps, f.unit)
	rep.Service = unitState(ctx, f.deps, f.unit)
	return rep, errors.Join(cerr, serr)
}

func (f *fileFix) Rollback(ctx context.Context) (core.Report, error) {
	return rollbackFile(ctx, f.deps, f.id, f.target, f.unit, f.revert)
}

// rollbackFile undoes id's patch of target from its latest backup and restarts unit.
// With a nil revert the whole backup is restored, which is refused when another
// fix backed up target afterwards since that fix would be silently dropped.
func rollbackFile(ctx context.Context, deps Deps, id core.FixID, target, unit string, revert revertFunc) (core.Report, error) {
	rep := core.Report{Fix: id, Target: target, State: core.StatePatchedVerified, Started: time.Now()}
	defer func() { rep.Duration = time.Since(rep.Started) }()

	bk, err := fsx.LatestBackup(target, string(id))
	if err != nil {
		return rep, err
	}
	var out []byte
	if revert == nil {
		later, err := laterBackup(target, bk)
		if err != nil {
			return rep, err
		}
		if later != nil {
			return rep, fmt.Errorf("%w: %s backed up %s at %s; roll back %s first",
				ErrSuperseded, later.Tag, target, later.Stamp.Format(time.DateTime), later.Tag)
		}
		if out, err = os.ReadFile(bk.Path); err != nil {
			return rep, err
		}
	} else {
		pre, err := os.ReadFile(bk.Path)
		if err != nil {
			return rep, err
		}
		cur, err := os.ReadFile(target)
		if err != nil {
			return rep, err
		}
		s, err := revert(string(cur), string(pre))
		if err != nil {
			return rep, fmt.Errorf("revert %s: %w", target, err)
		}
		out = []byte(s)
	}

	if err := stopUnit(ctx, deps, unit); err != nil {
		return rep, err
	}
	if err := fsx.AtomicWrite(target, out, fsx.ModeOf(target, 0o644)); err != nil {
		return rep, errors.Join(err, startUnit(ctx, deps, unit))
	}
	rep.State = core.StateRolledBack
	rep.Backup = bk.Path
	rep.Notef("restored %s from %s", target, bk.Path)
	deps.log(id).Info("backup restored", "target", target, "backup", bk.Path)

	serr := startUnit(ctx, deps, unit)
	rep.Service = unitState(ctx, deps, unit)
	return rep, serr
}

// laterBackup returns the newest backup of target another fix took after bk.
func laterBackup(target string, bk fsx.Backup) (*fsx.Backup, error) {
	all, err := fsx.AllBackups(target)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Tag != "" && all[i].Tag != bk.Tag && bk.Before(all[i]) {
			return &all[i], nil
		}
	}
	return nil, nil
}

// inspectPatch classifies a target without writing it.
func inspectPatch(p *patch.Patcher) (core.Status, string) {
	pend, err := p.Prepare()
	switch {
	case err == nil && pend.State == core.StateAlreadyPatched:
		return core.StatusAlreadyPatched, "guard token present"
	case err == nil:
		return core.StatusUnpatched, "anchors found"
	case errors.Is(err, patch.ErrTargetMissing):
		return core.StatusTargetMissing, p.Target
	case errors.Is(err, patch.ErrAnchorNotFound), errors.Is(err, patch.ErrAnchorAmbiguous):
		return core.StatusAnchorMissing, err.Error()
	default:
		return core.StatusUnknown, err.Error()
	}
}

func countBackups(target string, id core.FixID) int {
	list, err := fsx.ListBackups(target, string(id))
	if err != nil {
		return 0
	}
	return len(list)
}

func stopUnit(ctx context.Context, deps Deps, unit string) error {
	if unit == "" || deps.Services == nil {
		return nil
	}
	if err := deps.Services.Stop(ctx, unit); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}
	return nil
}

func startUnit(ctx context.Context, deps Deps, unit string) error {
	if unit == "" || deps.Services == nil {
		return nil
	}
	return deps.Services.Start(ctx, unit)
}

func unitState(ctx context.Context, deps Deps, unit string) string {
	if unit == "" || deps.Services == nil {
		return ""
	}
	st, err := deps.Services.ActiveState(ctx, unit)
	if err != nil {
		return "unknown"
	}
	return st
}
