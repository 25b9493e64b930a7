//go:build linux

package input

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// inputEvent matches the Linux input_event struct.
type inputEvent struct {
	Time  syscall.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

var eventSize = binary.Size(inputEvent{})

const (
	eviocgrab = 0x40044590 // _IOW('E', 0x90, int)
	nameLen   = 256
)

// eviocgname is _IOC(_IOC_READ, 'E', 0x06, len).
func eviocgname(n int) uintptr {
	return uintptr(0x80000000 | n<<16 | 0x45<<8 | 0x06)
}

// EvdevConfig describes one evdev input.
type EvdevConfig struct {
	// Name labels the source in logs.
	Name string

	// Remote is the profile name events are attributed to. Empty for a
	// receiver shared by several remotes.
	Remote string

	// Device is a /dev/input path or a substring of the device name.
	Device string

	Mode Mode

	// Grab takes the device exclusively so keys do not also reach the
	// console.
	Grab bool
}

// Evdev reads a Linux event device.
type Evdev struct {
	cfg  EvdevConfig
	mu   sync.Mutex
	file *os.File
	path string
	name string
}

// NewEvdev creates an evdev source. The device is not opened until Open.
func NewEvdev(cfg EvdevConfig) *Evdev {
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Device)
	}
	return &Evdev{cfg: cfg}
}

func (e *Evdev) Name() string { return e.cfg.Name }

// Path returns the resolved device node, once opened.
func (e *Evdev) Path() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.path
}

// DeviceName returns the kernel's name for the opened device.
func (e *Evdev) DeviceName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

func (e *Evdev) resolve() (string, error) {
	if strings.HasPrefix(e.cfg.Device, "/") {
		return e.cfg.Device, nil
	}
	devices, err := ListDevices()
	if err != nil {
		return "", err
	}
	d, err := FindDevice(devices, e.cfg.Device)
	if err != nil {
		return "", err
	}
	return d.Path, nil
}

// Open resolves and opens the device.
func (e *Evdev) Open() error {
	path, err := e.resolve()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, path)
		}
		return fmt.Errorf("open %s: %w", path, err)
	}

	name, err := deviceName(f)
	if err != nil {
		name = filepath.Base(path)
	}

	if e.cfg.Grab {
		if err := ioctlControl(f, func(fd int) error {
			return unix.IoctlSetInt(fd, eviocgrab, 1)
		}); err != nil {
			f.Close()
			return fmt.Errorf("grab %s: %w", path, err)
		}
	}

	e.mu.Lock()
	e.file, e.path, e.name = f, path, name
	e.mu.Unlock()
	return nil
}

// ioctlControl runs fn on the raw descriptor without switching the file to
// blocking mode, so Close still interrupts a pending Read.
func ioctlControl(f *os.File, fn func(fd int) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

func deviceName(f *os.File) (string, error) {
	buf := make([]byte, nameLen)
	err := ioctlControl(f, func(fd int) error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocgname(nameLen), uintptr(unsafe.Pointer(&buf[0])))
		if errno != 0 {
			return errno
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return unix.ByteSliceToString(buf), nil
}

// Run reads events until ctx is done or the device disappears.
func (e *Evdev) Run(ctx context.Context, sink Sink) error {
	e.mu.Lock()
	f := e.file
	e.mu.Unlock()
	if f == nil {
		return errors.New("input: evdev source not open")
	}

	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer func() {
		stop()
		f.Close()
		e.mu.Lock()
		e.file = nil
		e.mu.Unlock()
	}()

	buf := make([]byte, eventSize*64)
	for {
		n, err := f.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read %s: %w", e.Path(), err)
		}

		for off := 0; off+eventSize <= n; off += eventSize {
			code, ok := e.cfg.Mode.keycode(decodeEvent(buf[off : off+eventSize]))
			if !ok {
				continue
			}
			if err := sink.Submit(ctx, Event{Remote: e.cfg.Remote, Keycode: code}); err != nil {
				return err
			}
		}
	}
}

// WaitReady blocks until the device can be resolved, watching /dev/input
// with fsnotify and falling back to polling.
func (e *Evdev) WaitReady(ctx context.Context) error {
	ready := func() bool {
		path, err := e.resolve()
		if err != nil {
			return false
		}
		_, err = os.Stat(path)
		return err == nil
	}
	if ready() {
		return nil
	}

	var events <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add("/dev/input"); err == nil {
			events = watcher.Events
		}
	}

	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !strings.Contains(ev.Name, "event") || !ev.Has(fsnotify.Create) {
				continue
			}
			// udev sets permissions after the node appears.
			time.Sleep(100 * time.Millisecond)
		case <-poll.C:
		}
		if ready() {
			return nil
		}
	}
}
