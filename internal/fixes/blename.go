package fixes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/godbus/dbus/v5"

	"evvosfix/internal/bluez"
	"evvosfix/internal/config"
	core "evvosfix/internal/core"
	"evvosfix/internal/patch"
)

// deviceNameLine matches the constant the provisioning daemon advertises under.
var deviceNameLine = regexp.MustCompile(`(?m)^BT_DEVICE_NAME = "[^"]*"$`)

// DeviceNameLine is the persisted form of alias in the daemon script.
func DeviceNameLine(alias string) string {
	return fmt.Sprintf("BT_DEVICE_NAME = %q", alias)
}

type bleName struct {
	cfg  config.BLENameConfig
	deps Deps
}

func newBLEName(deps Deps) Fix {
	return &bleName{cfg: deps.Config.BLEName, deps: deps}
}

func (b *bleName) ID() core.FixID { return core.FixBLEName }
func (b *bleName) Unit() string   { return b.cfg.Service }

func (b *bleName) Paths() []string {
	if !b.cfg.Persist {
		return nil
	}
	return []string{b.cfg.Script}
}

func (b *bleName) log() *slog.Logger { return b.deps.log(core.FixBLEName) }

func (b *bleName) persistPatcher(alias string) *patch.Patcher {
	line := DeviceNameLine(alias)
	return &patch.Patcher{
		Target: b.cfg.Script,
		Tag:    string(core.FixBLEName),
		Guard:  line,
		Edits: []patch.Edit{
			patch.RegexReplace{Label: "device name constant", Pattern: deviceNameLine, Repl: line},
		},
		Checks: []patch.Check{
			patch.Contains{Label: "device name constant", Marker: line},
		},
		Checker: b.deps.Checker,
		Keep:    b.deps.Config.Backups.Keep,
		Logger:  b.log(),
	}
}

func (b *bleName) adapter(ctx context.Context, name string) (bluez.AliasSetter, dbus.ObjectPath, error) {
	if b.deps.Bluez == nil {
		return nil, "", ErrBluetoothUnavailable
	}
	bus, err := b.deps.Bluez()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBluetoothUnavailable, err)
	}
	path, err := bus.Resolve(ctx, name)
	if err != nil {
		return nil, "", err
	}
	return bus, path, nil
}

func (b *bleName) Inspect(ctx context.Context) (core.Inspection, error) {
	alias := b.cfg.Alias
	in := core.Inspection{Fix: core.FixBLEName, Unit: b.cfg.Service}
	in.Service = unitState(ctx, b.deps, b.cfg.Service)

	fileStatus := core.StatusAlreadyPatched
	if b.cfg.Persist {
		in.Target = b.cfg.Script
		in.Backups = countBackups(b.cfg.Script, core.FixBLEName)
		fileStatus, in.Detail = inspectPatch(b.persistPatcher(alias))
	}

	bus, path, err := b.adapter(ctx, b.cfg.Adapter)
	if err != nil {
		if b.cfg.Persist {
			in.Status = fileStatus
			in.Detail = fmt.Sprintf("%s; adapter: %v", in.Detail, err)
		} else {
			in.Status, in.Detail = core.StatusUnknown, err.Error()
		}
		return in, nil
	}
	if in.Target == "" {
		in.Target = string(path)
	}
	current, err := bus.Alias(ctx, path)
	if err != nil {
		in.Status, in.Detail = core.StatusUnknown, err.Error()
		return in, nil
	}

	switch {
	case fileStatus != core.StatusAlreadyPatched:
		in.Status = fileStatus
	case current == alias:
		in.Status = core.StatusAlreadyPatched
	default:
		in.Status = core.StatusUnpatched
	}
	in.Detail = fmt.Sprintf("adapter %s alias %q, want %q", path, current, alias)
	return in, nil
}

func (b *bleName) Apply(ctx context.Context, opts core.ApplyOptions) (core.Report, error) {
	rep := core.Report{Fix: core.FixBLEName, State: core.StateUnpatched, Started: time.Now()}
	defer func() { rep.Duration = time.Since(rep.Started) }()

	alias := b.cfg.Alias
	if opts.Alias != "" {
		alias = opts.Alias
	}
	name := b.cfg.Adapter
	if opts.Adapter != "" {
		name = opts.Adapter
	}
	persist := b.cfg.Persist && !opts.NoPersist
	if err := core.ValidateAlias(alias); err != nil {
		return rep, err
	}

	bus, path, err := b.adapter(ctx, name)
	if err != nil {
		return rep, err
	}
	rep.Target = string(path)
	current, err := bus.Alias(ctx, path)
	if err != nil {
		return rep, err
	}
	log := b.log().With("adapter", string(path), "alias", alias)

	var (
		p    *patch.Patcher
		pend *patch.Pending
	)
	fileDone := true
	if persist {
		p = b.persistPatcher(alias)
		if pend, err = p.Prepare(); err != nil {
			return rep, err
		}
		rep.Target = b.cfg.Script
		rep.Diff = pend.Diff()
		fileDone = pend.State == core.StateAlreadyPatched
	}

	if current == alias && fileDone {
		rep.State = core.StateAlreadyPatched
		rep.Notef("adapter %s already advertises %q", path, alias)
		return rep, nil
	}
	if opts.DryRun {
		rep.Notef("dry run: would set alias on %s from %q to %q", path, current, alias)
		return rep, nil
	}

	if err := stopUnit(ctx, b.deps, b.cfg.Service); err != nil {
		return rep, err
	}
	if !fileDone {
		res, cerr := p.Commit(ctx, pend)
		rep.Backup = res.Backup
		if cerr != nil {
			rep.State = res.State
			if res.Restored != "" {
				rep.Notef("verification failed, restored %s", res.Restored)
			}
			return rep, errors.Join(cerr, startUnit(ctx, b.deps, b.cfg.Service))
		}
		rep.Notef("persisted %s in %s", DeviceNameLine(alias), b.cfg.Script)
	}

	rep.State = core.StatePatchedUnverified
	if err := bluez.SetAliasVerified(ctx, bus, path, alias); err != nil {
		return rep, errors.Join(err, startUnit(ctx, b.deps, b.cfg.Service))
	}
	log.Info("alias set", "previous", current)

	if err := startUnit(ctx, b.deps, b.cfg.Service); err != nil {
		return rep, err
	}
	rep.Service = unitState(ctx, b.deps, b.cfg.Service)

	// The daemon re-applies its own name on start; read back once it settles.
	got, err := b.waitAlias(ctx, bus, path, alias)
	if err != nil {
		return rep, err
	}
	if got != alias {
		if !persist {
			rep.Notef("%s reset the alias on start; persist is off", b.cfg.Service)
		}
		return rep, fmt.Errorf("%w: want %q, adapter reports %q after restart", bluez.ErrAliasMismatch, alias, got)
	}
	rep.State = core.StatePatchedVerified
	rep.Notef("adapter %s now advertises %q", path, alias)
	return rep, nil
}

// waitAlias polls the adapter alias until it equals want or the service timeout passes.
func (b *bleName) waitAlias(ctx context.Context, bus bluez.AliasSetter, path dbus.ObjectPath, want string) (string, error) {
	svc := b.deps.Config.Service
	ctx, cancel := context.WithTimeout(ctx, svc.Timeout)
	defer cancel()
	tick := time.NewTicker(svc.PollInterval)
	defer tick.Stop()

	var got string
	for {
		var err error
		got, err = bus.Alias(ctx, path)
		if err == nil && got == want {
			return got, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return got, ctx.Err()
			}
			return got, nil
		case <-tick.C:
		}
	}
}

// Rollback puts back the BT_DEVICE_NAME line from the newest ble-name backup.
// Only that line is restored, so other fixes of the same script survive.
func (b *bleName) Rollback(ctx context.Context) (core.Report, error) {
	if !b.cfg.Persist {
		return core.Report{Fix: core.FixBLEName}, errors.New("ble-name: persist is off, nothing on disk to roll back")
	}
	rep, err := rollbackFile(ctx, b.deps, core.FixBLEName, b.cfg.Script, b.cfg.Service, revertDeviceName)
	if err != nil {
		return rep, err
	}
	if bus, path, aerr := b.adapter(ctx, b.cfg.Adapter); aerr == nil {
		if got, gerr := bus.Alias(ctx, path); gerr == nil {
			rep.Notef("adapter %s advertises %q", path, got)
		}
	}
	return rep, nil
}

func revertDeviceName(cur, pre string) (string, error) {
	line := deviceNameLine.FindString(pre)
	if line == "" {
		return "", fmt.Errorf("backup has no BT_DEVICE_NAME line: %w", patch.ErrAnchorNotFound)
	}
	return patch.RegexReplace{Label: "device name constant", Pattern: deviceNameLine, Repl: line}.Apply(cur)
}
