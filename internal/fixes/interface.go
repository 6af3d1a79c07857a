package fixes

import (
	"context"
	"errors"
	"log/slog"

	"evvosfix/internal/bluez"
	"evvosfix/internal/config"
	core "evvosfix/internal/core"
	"evvosfix/internal/service"
	"evvosfix/internal/syntax"
)

// Fix is one device patch with a fixed target and transformation.
type Fix interface {
	ID() core.FixID
	Paths() []string
	Unit() string
	Inspect(ctx context.Context) (core.Inspection, error)
	Apply(ctx context.Context, opts core.ApplyOptions) (core.Report, error)
	Rollback(ctx context.Context) (core.Report, error)
}

var (
	// ErrBluetoothUnavailable is returned when no BlueZ client can be obtained.
	ErrBluetoothUnavailable = errors.New("bluetooth unavailable")
	// ErrSuperseded is returned when restoring a backup would undo a later fix of the same file.
	ErrSuperseded = errors.New("target patched again by a later fix")
)

// Deps are the host services a fix drives.
type Deps struct {
	Config   *config.Config
	Services service.Controller
	Checker  syntax.Checker
	// Bluez is called lazily so file fixes never need a system bus.
	Bluez  func() (bluez.AliasSetter, error)
	Logger *slog.Logger
}

func (d Deps) log(id core.FixID) *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("fix", string(id))
}
