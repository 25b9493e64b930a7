package input

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Keycodes reported by the terminal source for ANSI arrow keys. Every other
// key is reported as its byte value.
const (
	TermUp    uint32 = 0x1b5b41 // ESC [ A
	TermDown  uint32 = 0x1b5b42
	TermRight uint32 = 0x1b5b43
	TermLeft  uint32 = 0x1b5b44
)

const ctrlC = 0x03

// Terminal reads keys from a terminal as a stand-in remote. Each key press
// is one hardware event; the terminal's own auto-repeat behaves like a
// remote's repeat frames.
type Terminal struct {
	name   string
	remote string
	in     io.Reader
	fd     int
	state  *term.State
}

// NewTerminal reads from in. When in is a terminal it is put in raw mode
// while Run is active. remote names the profile events belong to.
func NewTerminal(name, remote string, in io.Reader) *Terminal {
	if name == "" {
		name = "terminal"
	}
	t := &Terminal{name: name, remote: remote, in: in, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
	}
	return t
}

func (t *Terminal) Name() string { return t.name }

// Open puts the terminal in raw mode.
func (t *Terminal) Open() error {
	if t.fd < 0 || t.state != nil {
		return nil
	}
	state, err := term.MakeRaw(t.fd)
	if err != nil {
		return fmt.Errorf("terminal raw mode: %w", err)
	}
	t.state = state
	return nil
}

func (t *Terminal) restore() {
	if t.state != nil {
		term.Restore(t.fd, t.state)
		t.state = nil
	}
}

// Run submits keys until ctx is done, the reader ends, or Ctrl-C is read,
// which returns ErrQuit.
func (t *Terminal) Run(ctx context.Context, sink Sink) error {
	defer t.restore()

	chunks := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := t.in.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if err == io.EOF {
				return ErrQuit
			}
			return fmt.Errorf("read terminal: %w", err)
		case chunk := <-chunks:
			for _, code := range terminalKeys(chunk) {
				if code == ctrlC {
					return ErrQuit
				}
				if err := sink.Submit(ctx, Event{Remote: t.remote, Keycode: code}); err != nil {
					return err
				}
			}
		}
	}
}

// terminalKeys splits a read into keys, folding arrow escape sequences into
// a single code.
func terminalKeys(b []byte) []uint32 {
	var keys []uint32
	for i := 0; i < len(b); i++ {
		if b[i] == 0x1b && i+2 < len(b) && b[i+1] == '[' {
			switch b[i+2] {
			case 'A', 'B', 'C', 'D':
				keys = append(keys, 0x1b5b00|uint32(b[i+2]))
				i += 2
				continue
			}
		}
		keys = append(keys, uint32(b[i]))
	}
	return keys
}
