package fixes

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evvosfix/internal/bluez"
	"evvosfix/internal/config"
	core "evvosfix/internal/core"
	"evvosfix/internal/fsx"
	"evvosfix/internal/patch"
	"evvosfix/internal/syntax"
)

// fakeServices records stop/start calls and runs onStart like a unit coming up.
type fakeServices struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	onStart  func()
}

func (s *fakeServices) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeServices) Stop(_ context.Context, unit string) error {
	s.record("stop " + unit)
	return nil
}

func (s *fakeServices) Start(_ context.Context, unit string) error {
	s.record("start " + unit)
	if s.onStart != nil {
		s.onStart()
	}
	return s.startErr
}

func (s *fakeServices) ActiveState(context.Context, string) (string, error) { return "active", nil }
func (s *fakeServices) WaitActive(context.Context, string) error            { return nil }
func (s *fakeServices) WaitInactive(context.Context, string) error          { return nil }
func (s *fakeServices) Logs(context.Context, string, int) (string, error)   { return "", nil }

func (s *fakeServices) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// fakeAdapter is a single hci0 adapter.
type fakeAdapter struct {
	mu     sync.Mutex
	alias  string
	ignore bool
	setErr error
}

func (a *fakeAdapter) Resolve(_ context.Context, name string) (dbus.ObjectPath, error) {
	if name != "" && name != "hci0" {
		return "", bluez.ErrNoAdapter
	}
	return "/org/bluez/hci0", nil
}

func (a *fakeAdapter) SetAlias(_ context.Context, _ dbus.ObjectPath, alias string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.setErr != nil {
		return a.setErr
	}
	if !a.ignore {
		a.alias = alias
	}
	return nil
}

func (a *fakeAdapter) Alias(context.Context, dbus.ObjectPath) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alias, nil
}

func (a *fakeAdapter) set(alias string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alias = alias
}

type harness struct {
	deps     Deps
	services *fakeServices
	adapter  *fakeAdapter
	camera   string
	script   string
}

func copyFixture(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, b, 0o755))
	return p
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		services: &fakeServices{},
		adapter:  &fakeAdapter{alias: "EVVOS_0001"},
		camera:   copyFixture(t, dir, "evvos_camera_stream.py"),
		script:   copyFixture(t, dir, "evvos_ble_provision.py"),
	}
	cfg := config.Defaults()
	cfg.StateDir = dir
	cfg.Camera.Target = h.camera
	cfg.CharFlags.Target = h.script
	cfg.BLEName.Script = h.script
	cfg.BLEName.Alias = "EVVOS_0042"
	cfg.Service.PollInterval = time.Millisecond
	cfg.Service.Timeout = 50 * time.Millisecond
	h.deps = Deps{
		Config:   cfg,
		Services: h.services,
		Checker:  syntax.CheckerFunc(func(context.Context, string) error { return nil }),
		Bluez:    func() (bluez.AliasSetter, error) { return h.adapter, nil },
	}
	return h
}

func (h *harness) fix(id core.FixID) Fix { return NewFix(id, h.deps) }

func read(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}

func TestNewFixCoversAllIDs(t *testing.T) {
	h := newHarness(t)
	all := All(h.deps)
	require.Len(t, all, len(core.AllFixes))
	for i, f := range all {
		assert.Equal(t, core.AllFixes[i], f.ID())
		assert.NotEmpty(t, f.Unit())
	}
	assert.Nil(t, NewFix("nope", h.deps))
}

func TestCameraRotateApplies(t *testing.T) {
	h := newHarness(t)
	rep, err := h.fix(core.FixCameraRotate).Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.StatePatchedVerified, rep.State)
	assert.NotEmpty(t, rep.Backup)
	assert.Equal(t, "active", rep.Service)

	got := read(t, h.camera)
	assert.Contains(t, got, CameraExitAnchor+CameraImport)
	assert.Contains(t, got, CameraConfigPatched)
	assert.Equal(t, []string{"stop evvos-camera", "start evvos-camera"}, h.services.Calls())
}

func TestCameraRotateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	f := h.fix(core.FixCameraRotate)
	_, err := f.Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)
	patched := read(t, h.camera)

	rep, err := f.Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.StateAlreadyPatched, rep.State)
	assert.Equal(t, patched, read(t, h.camera))
	assert.Len(t, h.services.Calls(), 2, "second run leaves the service alone")
}

func TestCameraRotateDryRun(t *testing.T) {
	h := newHarness(t)
	before := read(t, h.camera)
	rep, err := h.fix(core.FixCameraRotate).Apply(context.Background(), core.ApplyOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, core.StateUnpatched, rep.State)
	assert.Contains(t, rep.Diff, "+ from libcamera import Transform")
	assert.Equal(t, before, read(t, h.camera))
	assert.Empty(t, h.services.Calls())
	assert.Equal(t, 0, countBackups(h.camera, core.FixCameraRotate))
}

func TestCameraRotateMissingAnchorTouchesNothing(t *testing.T) {
	h := newHarness(t)
	src := regexp.MustCompile(`# Camera configuration\n`).ReplaceAllString(read(t, h.camera), "")
	require.NoError(t, os.WriteFile(h.camera, []byte(src), 0o755))

	_, err := h.fix(core.FixCameraRotate).Apply(context.Background(), core.ApplyOptions{})
	require.ErrorIs(t, err, patch.ErrAnchorNotFound)
	assert.Equal(t, src, read(t, h.camera))
	assert.Empty(t, h.services.Calls(), "service is never stopped for a bad anchor")
	assert.Equal(t, 0, countBackups(h.camera, core.FixCameraRotate))
}

func TestCameraRotateCompileFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.deps.Checker = syntax.CheckerFunc(func(context.Context, string) error {
		return errors.New("IndentationError: unexpected indent")
	})
	before := read(t, h.camera)

	rep, err := h.fix(core.FixCameraRotate).Apply(context.Background(), core.ApplyOptions{})
	require.ErrorIs(t, err, patch.ErrSyntax)
	assert.Equal(t, core.StateRolledBack, rep.State)
	assert.Equal(t, before, read(t, h.camera))
	assert.Equal(t, []string{"stop evvos-camera", "start evvos-camera"}, h.services.Calls())
}

func TestCameraRotateStartFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.services.startErr = errors.New("unit failed")
	rep, err := h.fix(core.FixCameraRotate).Apply(context.Background(), core.ApplyOptions{})
	require.Error(t, err)
	assert.Equal(t, core.StatePatchedVerified, rep.State)
	assert.Contains(t, err.Error(), "unit failed")
}

func TestCameraRotateMissingTarget(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(h.camera))
	_, err := h.fix(core.FixCameraRotate).Apply(context.Background(), core.ApplyOptions{})
	require.ErrorIs(t, err, patch.ErrTargetMissing)
	assert.Empty(t, h.services.Calls())
}

func TestInspectFileFix(t *testing.T) {
	h := newHarness(t)
	f := h.fix(core.FixCameraRotate)

	in, err := f.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusUnpatched, in.Status)
	assert.Equal(t, "active", in.Service)

	_, err = f.Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)
	in, err = f.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusAlreadyPatched, in.Status)
	assert.Equal(t, 1, in.Backups)

	require.NoError(t, os.WriteFile(h.camera, []byte("print('hi')\n"), 0o755))
	in, _ = f.Inspect(context.Background())
	assert.Equal(t, core.StatusAnchorMissing, in.Status)

	require.NoError(t, os.Remove(h.camera))
	in, _ = f.Inspect(context.Background())
	assert.Equal(t, core.StatusTargetMissing, in.Status)
}

func TestFileFixRollback(t *testing.T) {
	h := newHarness(t)
	f := h.fix(core.FixCameraRotate)
	before := read(t, h.camera)
	_, err := f.Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)

	rep, err := f.Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StateRolledBack, rep.State)
	assert.Equal(t, before, read(t, h.camera))
}

func TestFileFixRollbackWithoutBackup(t *testing.T) {
	h := newHarness(t)
	_, err := h.fix(core.FixCameraRotate).Rollback(context.Background())
	assert.ErrorIs(t, err, fsx.ErrNoBackup)
	assert.Empty(t, h.services.Calls())
}

func TestCharFlagsApplies(t *testing.T) {
	h := newHarness(t)
	f := h.fix(core.FixCharFlags)
	rep, err := f.Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.StatePatchedVerified, rep.State)

	got := read(t, h.script)
	assert.Contains(t, got, CharFlagsPatched)
	assert.NotContains(t, got, `["write"], service)`)
	assert.Equal(t, []string{"stop evvos-ble-provision", "start evvos-ble-provision"}, h.services.Calls())

	rep, err = f.Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.StateAlreadyPatched, rep.State)
}

func TestCharFlagsAnchorDrift(t *testing.T) {
	h := newHarness(t)
	src := `    ch = Characteristic(bus, 0, CHAR_UUID, ["read"], service)` + "\n"
	require.NoError(t, os.WriteFile(h.script, []byte(src), 0o755))
	_, err := h.fix(core.FixCharFlags).Apply(context.Background(), core.ApplyOptions{})
	require.Error(t, err)
	assert.Equal(t, src, read(t, h.script))
}

// daemonStart makes the fake unit re-apply BT_DEVICE_NAME from the script, as the daemon does.
func daemonStart(t *testing.T, h *harness) func() {
	return func() {
		m := regexp.MustCompile(`(?m)^BT_DEVICE_NAME = "([^"]*)"$`).FindStringSubmatch(read(t, h.script))
		if m != nil {
			h.adapter.set(m[1])
		}
	}
}

func TestBLENameAppliesAndPersists(t *testing.T) {
	h := newHarness(t)
	h.services.onStart = daemonStart(t, h)

	rep, err := h.fix(core.FixBLEName).Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.StatePatchedVerified, rep.State)
	assert.Equal(t, "EVVOS_0042", h.adapter.alias)
	assert.Contains(t, read(t, h.script), `BT_DEVICE_NAME = "EVVOS_0042"`)
	assert.NotEmpty(t, rep.Backup)
	assert.Equal(t, []string{"stop evvos-ble-provision", "start evvos-ble-provision"}, h.services.Calls())
}

func TestBLENameAlreadyApplied(t *testing.T) {
	h := newHarness(t)
	h.services.onStart = daemonStart(t, h)
	f := h.fix(core.FixBLEName)
	_, err := f.Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)

	rep, err := f.Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.StateAlreadyPatched, rep.State)
	assert.Len(t, h.services.Calls(), 2)

	in, err := f.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusAlreadyPatched, in.Status)
}

func TestBLENameWithoutPersistIsResetByDaemon(t *testing.T) {
	h := newHarness(t)
	h.services.onStart = daemonStart(t, h)

	rep, err := h.fix(core.FixBLEName).Apply(context.Background(), core.ApplyOptions{NoPersist: true})
	require.ErrorIs(t, err, bluez.ErrAliasMismatch)
	assert.Equal(t, core.StatePatchedUnverified, rep.State)
	assert.Contains(t, read(t, h.script), `BT_DEVICE_NAME = "EVVOS_0001"`)
}

func TestBLENameAliasOverride(t *testing.T) {
	h := newHarness(t)
	rep, err := h.fix(core.FixBLEName).Apply(context.Background(), core.ApplyOptions{Alias: "EVVOS_0777", NoPersist: true})
	require.NoError(t, err)
	assert.Equal(t, core.StatePatchedVerified, rep.State)
	assert.Equal(t, "EVVOS_0777", h.adapter.alias)
}

func TestBLENameSilentNoop(t *testing.T) {
	h := newHarness(t)
	h.adapter.ignore = true
	rep, err := h.fix(core.FixBLEName).Apply(context.Background(), core.ApplyOptions{NoPersist: true})
	require.ErrorIs(t, err, bluez.ErrAliasMismatch)
	assert.Equal(t, core.StatePatchedUnverified, rep.State)
	assert.Equal(t, []string{"stop evvos-ble-provision", "start evvos-ble-provision"}, h.services.Calls(),
		"service comes back after a failed set")
}

func TestBLENameDryRun(t *testing.T) {
	h := newHarness(t)
	before := read(t, h.script)
	rep, err := h.fix(core.FixBLEName).Apply(context.Background(), core.ApplyOptions{DryRun: true})
	require.NoError(t, err)
	assert.Contains(t, rep.Diff, `+ BT_DEVICE_NAME = "EVVOS_0042"`)
	assert.Equal(t, before, read(t, h.script))
	assert.Equal(t, "EVVOS_0001", h.adapter.alias)
	assert.Empty(t, h.services.Calls())
}

func TestBLENameRejectsBadAlias(t *testing.T) {
	h := newHarness(t)
	_, err := h.fix(core.FixBLEName).Apply(context.Background(), core.ApplyOptions{Alias: `EV"VOS`})
	require.Error(t, err)
	assert.Empty(t, h.services.Calls())
}

func TestBLENameUnknownAdapter(t *testing.T) {
	h := newHarness(t)
	_, err := h.fix(core.FixBLEName).Apply(context.Background(), core.ApplyOptions{Adapter: "hci7"})
	require.ErrorIs(t, err, bluez.ErrNoAdapter)
	assert.Empty(t, h.services.Calls())
}

func TestBLENameBusUnavailable(t *testing.T) {
	h := newHarness(t)
	h.deps.Bluez = func() (bluez.AliasSetter, error) { return nil, errors.New("no system bus") }
	f := h.fix(core.FixBLEName)

	_, err := f.Apply(context.Background(), core.ApplyOptions{})
	require.ErrorIs(t, err, ErrBluetoothUnavailable)

	in, err := f.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusUnpatched, in.Status)
	assert.Contains(t, in.Detail, "bluetooth unavailable")
}

func TestBLENameRollback(t *testing.T) {
	h := newHarness(t)
	h.services.onStart = daemonStart(t, h)
	f := h.fix(core.FixBLEName)
	_, err := f.Apply(context.Background(), core.ApplyOptions{})
	require.NoError(t, err)

	rep, err := f.Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StateRolledBack, rep.State)
	assert.Equal(t, "EVVOS_0001", h.adapter.alias)
	assert.Contains(t, rep.Notes[len(rep.Notes)-1], `"EVVOS_0001"`)
}

func TestBLENameRollbackKeepsLaterCharFlags(t *testing.T) {
	h := newHarness(t)
	h.services.onStart = daemonStart(t, h)
	ctx := context.Background()
	_, err := h.fix(core.FixBLEName).Apply(ctx, core.ApplyOptions{})
	require.NoError(t, err)
	_, err = h.fix(core.FixCharFlags).Apply(ctx, core.ApplyOptions{})
	require.NoError(t, err)

	rep, err := h.fix(core.FixBLEName).Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateRolledBack, rep.State)
	assert.Contains(t, filepath.Base(rep.Backup), ".ble-name.")

	got := read(t, h.script)
	assert.Contains(t, got, DeviceNameLine("EVVOS_0001"))
	assert.Contains(t, got, CharFlagsPatched)
	assert.Equal(t, "EVVOS_0001", h.adapter.alias)
}

func TestCharFlagsRollbackKeepsLaterBLEName(t *testing.T) {
	h := newHarness(t)
	h.services.onStart = daemonStart(t, h)
	ctx := context.Background()
	_, err := h.fix(core.FixCharFlags).Apply(ctx, core.ApplyOptions{})
	require.NoError(t, err)
	_, err = h.fix(core.FixBLEName).Apply(ctx, core.ApplyOptions{})
	require.NoError(t, err)

	_, err = h.fix(core.FixCharFlags).Rollback(ctx)
	require.NoError(t, err)
	got := read(t, h.script)
	assert.Contains(t, got, CharFlagsAnchor)
	assert.NotContains(t, got, CharFlagsGuard)
	assert.Contains(t, got, DeviceNameLine("EVVOS_0042"))
}

func TestBackupsAreCountedPerFix(t *testing.T) {
	h := newHarness(t)
	h.services.onStart = daemonStart(t, h)
	ctx := context.Background()
	_, err := h.fix(core.FixBLEName).Apply(ctx, core.ApplyOptions{})
	require.NoError(t, err)

	in, err := h.fix(core.FixBLEName).Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, in.Backups)
	in, err = h.fix(core.FixCharFlags).Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, in.Backups)

	_, err = h.fix(core.FixCharFlags).Rollback(ctx)
	assert.ErrorIs(t, err, fsx.ErrNoBackup)
}

func TestWholeFileRollbackRefusesLaterFix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.fix(core.FixCameraRotate)
	before := read(t, h.camera)
	_, err := f.Apply(ctx, core.ApplyOptions{})
	require.NoError(t, err)
	patched := read(t, h.camera)
	// Another fix backs up the same file afterwards.
	time.Sleep(10 * time.Millisecond)
	other, err := fsx.BackupFile(h.camera, "char-flags")
	require.NoError(t, err)
	calls := len(h.services.Calls())

	_, err = f.Rollback(ctx)
	require.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, patched, read(t, h.camera))
	assert.Len(t, h.services.Calls(), calls, "service untouched on refusal")

	require.NoError(t, os.Remove(other))
	_, err = f.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, read(t, h.camera))
}

func TestPatchedFixturesCompile(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	h := newHarness(t)
	h.deps.Checker = syntax.NewPython("python3", 20*time.Second)
	h.services.onStart = daemonStart(t, h)

	for _, id := range core.AllFixes {
		rep, err := h.fix(id).Apply(context.Background(), core.ApplyOptions{})
		require.NoError(t, err, id)
		assert.Equal(t, core.StatePatchedVerified, rep.State, id)
	}
	assert.Contains(t, read(t, h.camera), CameraImport)
	assert.Contains(t, read(t, h.script), CharFlagsGuard)
	assert.Contains(t, read(t, h.script), DeviceNameLine("EVVOS_0042"))
}
