// Package app wires configuration, logging and host services into the fixes
// and records every run in the history store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"evvosfix/internal/bluez"
	"evvosfix/internal/config"
	core "evvosfix/internal/core"
	"evvosfix/internal/fixes"
	"evvosfix/internal/logger"
	"evvosfix/internal/service"
	"evvosfix/internal/store"
	"evvosfix/internal/syntax"
)

// App is one configured session.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Services service.Controller
	History  *store.History

	deps     fixes.Deps
	closeLog func() error

	busOnce sync.Once
	bus     *bluez.Client
	busErr  error
}

// New loads the config at path and builds the host services.
func New(path string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	log, closer, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:   cfg,
		Logger:   log,
		History:  store.NewHistory(cfg.StateDir),
		closeLog: closer,
	}
	a.Services = service.NewSystemd(service.ExecRunner{},
		cfg.Service.PollInterval, cfg.Service.Timeout, cfg.Service.Settle, cfg.Service.LogLines, log)
	a.deps = fixes.Deps{
		Config:   cfg,
		Services: a.Services,
		Checker:  syntax.NewPython(cfg.Python.Interpreter, cfg.Python.Timeout),
		Bluez:    a.dialBus,
		Logger:   log,
	}
	return a, nil
}

// NewWithDeps builds an App around prepared dependencies.
func NewWithDeps(deps fixes.Deps, history *store.History) *App {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &App{
		Config:   deps.Config,
		Logger:   log,
		Services: deps.Services,
		History:  history,
		deps:     deps,
		closeLog: func() error { return nil },
	}
}

// dialBus connects to the system bus once, on first use.
func (a *App) dialBus() (bluez.AliasSetter, error) {
	a.busOnce.Do(func() {
		a.bus, a.busErr = bluez.Dial()
	})
	if a.busErr != nil {
		return nil, a.busErr
	}
	return a.bus, nil
}

// Close releases the bus connection and the log file.
func (a *App) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	}
	return errors.Join(errs...)
}

// Fix returns the fix for id.
func (a *App) Fix(id core.FixID) fixes.Fix { return fixes.NewFix(id, a.deps) }

// Fixes returns every fix in display order.
func (a *App) Fixes() []fixes.Fix { return fixes.All(a.deps) }

// Apply runs one fix and records the outcome.
func (a *App) Apply(ctx context.Context, id core.FixID, opts core.ApplyOptions) (core.Report, error) {
	f := a.Fix(id)
	if f == nil {
		return core.Report{Fix: id}, fmt.Errorf("unknown fix: %s", id)
	}
	rep, err := f.Apply(ctx, opts)
	a.record(rep, opts.DryRun, err)
	return rep, err
}

// Rollback restores the latest backup of one fix and records the outcome.
func (a *App) Rollback(ctx context.Context, id core.FixID) (core.Report, error) {
	f := a.Fix(id)
	if f == nil {
		return core.Report{Fix: id}, fmt.Errorf("unknown fix: %s", id)
	}
	rep, err := f.Rollback(ctx)
	a.record(rep, false, err)
	return rep, err
}

// Status inspects every fix. Inspect errors are folded into the inspection.
func (a *App) Status(ctx context.Context) []core.Inspection {
	var out []core.Inspection
	for _, f := range a.Fixes() {
		in, err := f.Inspect(ctx)
		if err != nil {
			in = core.Inspection{Fix: f.ID(), Status: core.StatusUnknown, Detail: err.Error(), Unit: f.Unit()}
		}
		out = append(out, in)
	}
	return out
}

func (a *App) record(rep core.Report, dryRun bool, err error) {
	if a.History == nil {
		return
	}
	if rep.Fix == "" {
		return
	}
	if herr := a.History.Append(store.NewRecord(rep, dryRun, err)); herr != nil {
		a.Logger.Warn("history not recorded", "path", a.History.Path(), "error", herr)
	}
}
