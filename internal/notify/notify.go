// Package notify shows desktop notifications for selected commands, such as
// a secret code switching the remote into navigation mode.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"irbridge/internal/dispatch"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	notifyCall = busName + ".Notify"
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, summary, body string) error
}

// DBus sends notifications over the session bus. Consecutive notifications
// replace each other instead of stacking.
type DBus struct {
	appName string
	timeout int32

	mu      sync.Mutex
	conn    *dbus.Conn
	replace uint32
}

// NewDBus creates a notifier. The bus is connected on first use.
// timeoutMs of -1 leaves the expiry to the notification server.
func NewDBus(appName string, timeoutMs int32) *DBus {
	return &DBus{appName: appName, timeout: timeoutMs}
}

func (d *DBus) connect() (*dbus.Conn, error) {
	if d.conn != nil && d.conn.Connected() {
		return d.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("notify: session bus: %w", err)
	}
	d.conn = conn
	return conn, nil
}

// Notify implements Notifier.
func (d *DBus) Notify(ctx context.Context, summary, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.connect()
	if err != nil {
		return err
	}

	obj := conn.Object(busName, objectPath)
	call := obj.CallWithContext(ctx, notifyCall, 0,
		d.appName,
		d.replace,
		"input-keyboard",
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(0))},
		d.timeout,
	)
	var id uint32
	if err := call.Store(&id); err != nil {
		d.conn.Close()
		d.conn = nil
		return fmt.Errorf("notify: %w", err)
	}
	d.replace = id
	return nil
}

// Close releases the bus connection.
func (d *DBus) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Handler is a dispatch.Worker that notifies for the configured commands.
type Handler struct {
	n        Notifier
	messages map[string]string
}

// NewHandler notifies messages[command] when command is dispatched.
func NewHandler(n Notifier, messages map[string]string) *Handler {
	return &Handler{n: n, messages: messages}
}

func (h *Handler) Name() string { return "notify" }

func (h *Handler) Handles(command string) bool {
	_, ok := h.messages[command]
	return ok
}

// Handle notifies once per press; repeats are ignored.
func (h *Handler) Handle(ctx context.Context, ev dispatch.Event) error {
	msg, ok := h.messages[ev.Command]
	if !ok || ev.Synthesized {
		return nil
	}
	summary := "irbridge"
	if ev.Code != "" {
		summary = "irbridge: " + ev.Code
	}
	return h.n.Notify(ctx, summary, msg)
}
