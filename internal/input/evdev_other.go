//go:build !linux

package input

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by evdev sources off Linux.
var ErrUnsupported = errors.New("input: evdev is only available on linux")

// EvdevConfig describes one evdev input.
type EvdevConfig struct {
	Name   string
	Remote string
	Device string
	Mode   Mode
	Grab   bool
}

// Evdev is unavailable on this platform.
type Evdev struct {
	cfg EvdevConfig
}

// NewEvdev creates an evdev source whose Open always fails.
func NewEvdev(cfg EvdevConfig) *Evdev {
	return &Evdev{cfg: cfg}
}

func (e *Evdev) Name() string       { return e.cfg.Name }
func (e *Evdev) Path() string       { return e.cfg.Device }
func (e *Evdev) DeviceName() string { return "" }
func (e *Evdev) Open() error        { return ErrUnsupported }

func (e *Evdev) Run(ctx context.Context, sink Sink) error { return ErrUnsupported }

func (e *Evdev) WaitReady(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
