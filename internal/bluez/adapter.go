// Package bluez sets and reads the alias of a BlueZ adapter over the system D-Bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	BluezDest        = "org.bluez"
	BluezRoot        = dbus.ObjectPath("/")
	AdapterInterface = "org.bluez.Adapter1"
	adapterPrefix    = "/org/bluez/"

	methodManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	methodPropGet        = "org.freedesktop.DBus.Properties.Get"
	methodPropSet        = "org.freedesktop.DBus.Properties.Set"
)

var (
	ErrNoAdapter     = errors.New("no bluetooth adapter found")
	ErrAliasMismatch = errors.New("adapter alias did not take effect")
)

// AliasSetter is the adapter surface the ble-name fix needs.
type AliasSetter interface {
	Resolve(ctx context.Context, name string) (dbus.ObjectPath, error)
	SetAlias(ctx context.Context, adapter dbus.ObjectPath, alias string) error
	Alias(ctx context.Context, adapter dbus.ObjectPath) (string, error)
}

// caller is the part of dbus.BusObject used here.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Client talks to BlueZ. The zero value is not usable; use NewClient or Dial.
type Client struct {
	object func(path dbus.ObjectPath) caller
	conn   *dbus.Conn
}

// NewClient wraps an existing bus connection.
func NewClient(conn *dbus.Conn) *Client {
	return &Client{
		conn:   conn,
		object: func(p dbus.ObjectPath) caller { return conn.Object(BluezDest, p) },
	}
}

// Dial connects to the system bus.
func Dial() (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return NewClient(conn), nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Resolve finds the adapter object path. An empty name picks the first adapter
// in path order; otherwise name is matched against the last path element (hci0).
func (c *Client) Resolve(ctx context.Context, name string) (dbus.ObjectPath, error) {
	var out map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := c.object(BluezRoot).CallWithContext(ctx, methodManagedObjects, 0).Store(&out); err != nil {
		return "", fmt.Errorf("GetManagedObjects: %w", err)
	}
	var paths []string
	for path, ifaces := range out {
		if _, ok := ifaces[AdapterInterface]; !ok {
			continue
		}
		if !strings.HasPrefix(string(path), adapterPrefix) {
			continue
		}
		paths = append(paths, string(path))
	}
	sort.Strings(paths)
	for _, p := range paths {
		if name == "" || p == adapterPrefix+name || p == name {
			return dbus.ObjectPath(p), nil
		}
	}
	if name != "" {
		return "", fmt.Errorf("%w: %s", ErrNoAdapter, name)
	}
	return "", ErrNoAdapter
}

// SetAlias sets org.bluez.Adapter1.Alias.
func (c *Client) SetAlias(ctx context.Context, adapter dbus.ObjectPath, alias string) error {
	call := c.object(adapter).CallWithContext(ctx, methodPropSet, 0, AdapterInterface, "Alias", dbus.MakeVariant(alias))
	if call.Err != nil {
		return fmt.Errorf("failed to set Alias on %s: %w", adapter, call.Err)
	}
	return nil
}

// Alias reads org.bluez.Adapter1.Alias.
func (c *Client) Alias(ctx context.Context, adapter dbus.ObjectPath) (string, error) {
	var v dbus.Variant
	if err := c.object(adapter).CallWithContext(ctx, methodPropGet, 0, AdapterInterface, "Alias").Store(&v); err != nil {
		return "", fmt.Errorf("failed to read Alias on %s: %w", adapter, err)
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("alias on %s has type %s", adapter, v.Signature())
	}
	return s, nil
}

// SetAliasVerified sets the alias and reads it back.
func SetAliasVerified(ctx context.Context, a AliasSetter, adapter dbus.ObjectPath, alias string) error {
	if err := a.SetAlias(ctx, adapter, alias); err != nil {
		return err
	}
	got, err := a.Alias(ctx, adapter)
	if err != nil {
		return err
	}
	if got != alias {
		return fmt.Errorf("%w: want %q, adapter reports %q", ErrAliasMismatch, alias, got)
	}
	return nil
}
