package bluez

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus keeps one alias per adapter path and answers the three calls the client makes.
type fakeBus struct {
	objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	aliases map[dbus.ObjectPath]string
	ignore  bool // accept Set but keep the old alias
	setErr  error
}

type fakeObject struct {
	bus  *fakeBus
	path dbus.ObjectPath
}

func (o fakeObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	switch method {
	case methodManagedObjects:
		return &dbus.Call{Body: []interface{}{o.bus.objects}}
	case methodPropSet:
		if o.bus.setErr != nil {
			return &dbus.Call{Err: o.bus.setErr}
		}
		if !o.bus.ignore {
			o.bus.aliases[o.path] = args[2].(dbus.Variant).Value().(string)
		}
		return &dbus.Call{}
	case methodPropGet:
		return &dbus.Call{Body: []interface{}{dbus.MakeVariant(o.bus.aliases[o.path])}}
	}
	return &dbus.Call{Err: errors.New("unexpected method " + method)}
}

func newFake() (*Client, *fakeBus) {
	adapter := map[string]map[string]dbus.Variant{AdapterInterface: {"Address": dbus.MakeVariant("B8:27:EB:00:00:01")}}
	bus := &fakeBus{
		objects: map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
			"/org/bluez":                   {"org.bluez.AgentManager1": {}},
			"/org/bluez/hci1":              adapter,
			"/org/bluez/hci0":              adapter,
			"/org/bluez/hci0/dev_AA_BB_CC": {"org.bluez.Device1": {}},
		},
		aliases: map[dbus.ObjectPath]string{"/org/bluez/hci0": "raspberrypi"},
	}
	c := &Client{object: func(p dbus.ObjectPath) caller { return fakeObject{bus: bus, path: p} }}
	return c, bus
}

func TestResolveFirstAdapter(t *testing.T) {
	c, _ := newFake()
	p, err := c.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), p)
}

func TestResolveNamedAdapter(t *testing.T) {
	c, _ := newFake()
	p, err := c.Resolve(context.Background(), "hci1")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1"), p)

	_, err = c.Resolve(context.Background(), "hci9")
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestResolveNoAdapter(t *testing.T) {
	c, bus := newFake()
	bus.objects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant{}
	_, err := c.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestSetAliasVerified(t *testing.T) {
	c, bus := newFake()
	require.NoError(t, SetAliasVerified(context.Background(), c, "/org/bluez/hci0", "EVVOS_0002"))
	assert.Equal(t, "EVVOS_0002", bus.aliases["/org/bluez/hci0"])
}

func TestSetAliasVerifiedDetectsSilentNoop(t *testing.T) {
	c, bus := newFake()
	bus.ignore = true
	err := SetAliasVerified(context.Background(), c, "/org/bluez/hci0", "EVVOS_0002")
	assert.ErrorIs(t, err, ErrAliasMismatch)
	assert.Contains(t, err.Error(), "raspberrypi")
}

func TestSetAliasError(t *testing.T) {
	c, bus := newFake()
	bus.setErr = errors.New("org.bluez.Error.Failed")
	err := c.SetAlias(context.Background(), "/org/bluez/hci0", "X")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set Alias")
}
