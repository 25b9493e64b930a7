// Package input reads raw button presses from IR receivers and hands them
// to the controller as {remote, keycode} pairs.
package input

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrDeviceNotFound is returned when no input device matches.
	ErrDeviceNotFound = errors.New("input: device not found")

	// ErrQuit is returned by a source when the user asked to exit.
	ErrQuit = errors.New("input: quit requested")

	// ErrNoSources is returned when no source could be opened at startup.
	ErrNoSources = errors.New("input: no input source available")
)

// Event is one hardware report. Remote is empty when the receiver is shared
// by several remotes and cannot tell them apart.
type Event struct {
	Remote  string
	Keycode uint32
}

// Sink consumes events. The controller implements it.
type Sink interface {
	Submit(ctx context.Context, ev Event) error

	// Reset is called after a source restarts.
	Reset()
}

// Source is a device that produces events.
type Source interface {
	Name() string

	// Open acquires the device.
	Open() error

	// Run reads until ctx is done or the device fails, then releases it.
	Run(ctx context.Context, sink Sink) error
}

// Mode selects which evdev events carry the keycode.
type Mode int

const (
	// ModeScancode reads EV_MSC/MSC_SCAN, the raw protocol scancode, so no
	// kernel keymap is needed.
	ModeScancode Mode = iota
	// ModeKeycode reads EV_KEY presses and kernel auto-repeats.
	ModeKeycode
)

// ParseMode parses "scancode" or "keycode".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "scancode":
		return ModeScancode, nil
	case "keycode":
		return ModeKeycode, nil
	default:
		return ModeScancode, fmt.Errorf("input: unknown mode %q", s)
	}
}

func (m Mode) String() string {
	if m == ModeKeycode {
		return "keycode"
	}
	return "scancode"
}

const (
	evKey   = 0x01
	evMsc   = 0x04
	mscScan = 0x04

	keyPress  = 1
	keyRepeat = 2
)

// rawEvent holds the fields of struct input_event after the timestamp.
type rawEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

// decodeEvent parses one input_event record. The timestamp is a pair of
// native longs, so only the trailing 8 bytes have a fixed layout.
func decodeEvent(buf []byte) rawEvent {
	n := len(buf)
	return rawEvent{
		Type:  binary.LittleEndian.Uint16(buf[n-8 : n-6]),
		Code:  binary.LittleEndian.Uint16(buf[n-6 : n-4]),
		Value: int32(binary.LittleEndian.Uint32(buf[n-4:])),
	}
}

// keycode extracts the keycode from ev if it is a press in this mode.
func (m Mode) keycode(ev rawEvent) (uint32, bool) {
	switch m {
	case ModeKeycode:
		if ev.Type == evKey && (ev.Value == keyPress || ev.Value == keyRepeat) {
			return uint32(ev.Code), true
		}
	default:
		if ev.Type == evMsc && ev.Code == mscScan {
			return uint32(ev.Value), true
		}
	}
	return 0, false
}

// Device is an entry of /proc/bus/input/devices.
type Device struct {
	Name     string
	Phys     string
	Path     string // /dev/input/eventN
	Handlers []string
}

// procDevices is replaced in tests.
var procDevices = "/proc/bus/input/devices"

// ListDevices returns the input devices that have an event node.
func ListDevices() ([]Device, error) {
	f, err := os.Open(procDevices)
	if err != nil {
		return nil, fmt.Errorf("input: list devices: %w", err)
	}
	defer f.Close()
	return ParseDevices(f)
}

// ParseDevices parses the /proc/bus/input/devices format.
func ParseDevices(r io.Reader) ([]Device, error) {
	var (
		devices []Device
		current Device
	)
	flush := func() {
		if current.Path != "" {
			devices = append(devices, current)
		}
		current = Device{}
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "N: Name="):
			current.Name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "P: Phys="):
			current.Phys = strings.TrimPrefix(line, "P: Phys=")
		case strings.HasPrefix(line, "H: Handlers="):
			current.Handlers = strings.Fields(strings.TrimPrefix(line, "H: Handlers="))
			for _, h := range current.Handlers {
				if strings.HasPrefix(h, "event") {
					current.Path = "/dev/input/" + h
				}
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("input: parse devices: %w", err)
	}
	return devices, nil
}

// FindDevice resolves match against devices: an absolute path is used as
// is, anything else is a case-insensitive substring of the device name.
func FindDevice(devices []Device, match string) (Device, error) {
	if strings.HasPrefix(match, "/") {
		for _, d := range devices {
			if d.Path == match {
				return d, nil
			}
		}
		return Device{Path: match}, nil
	}

	needle := strings.ToLower(match)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, match)
}
