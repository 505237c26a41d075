package nudge

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod = "org.freedesktop.Notifications.Notify"

	// How long a reminder stays on screen, in milliseconds.
	notifyExpire = int32(5000)
)

// DBusNotifier posts desktop notifications on the session bus.
type DBusNotifier struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewDBusNotifier connects to the session bus. Callers without one
// (headless sessions) get an error and should run without a notifier.
func NewDBusNotifier() (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	return &DBusNotifier{conn: conn, obj: conn.Object(notifyDest, notifyPath)}, nil
}

func (n *DBusNotifier) Notify(summary, body string) error {
	// Notify argument order: app name, replaces id, icon, summary,
	// body, actions, hints, expiry ms.
	call := n.obj.Call(notifyMethod, 0,
		"vigil", uint32(0), "", summary, body,
		[]string{}, map[string]dbus.Variant{}, notifyExpire)
	if call.Err != nil {
		return fmt.Errorf("notify %s: %w", notifyDest, call.Err)
	}
	return nil
}

func (n *DBusNotifier) Close() error {
	return n.conn.Close()
}
