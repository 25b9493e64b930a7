// Package dispatch delivers resolved commands to the handlers bound to them.
//
// Dispatch is fire-and-forget. Handlers are invoked synchronously on the
// caller's goroutine and must not block; handlers that talk to the network
// wrap a Worker in an Async, which queues events for its own goroutine.
package dispatch

import (
	"time"

	"irbridge/internal/logging"
	"irbridge/internal/metrics"
)

// Kind distinguishes ordinary commands from side-channel signals.
type Kind int

const (
	// KindCommand is the effective command of a key press or repeat.
	KindCommand Kind = iota
	// KindSignal is an extra output, such as a secret code's escape output.
	KindSignal
)

func (k Kind) String() string {
	if k == KindSignal {
		return "signal"
	}
	return "command"
}

// Event is one resolved command.
type Event struct {
	Time    time.Time
	Command string
	Remote  string

	// Synthesized is true only for repeats produced by the repeat timer.
	Synthesized bool

	// Chain identifies the press that started a hold; repeats share it.
	Chain uint64

	Kind Kind

	// Code is the secret code whose state change produced this event.
	Code string
}

// Handler receives events for the commands it handles.
type Handler interface {
	Name() string
	Handles(command string) bool
	Dispatch(ev Event)
}

// Observer sees every event, bound or not. handled is the number of
// handlers that received it.
type Observer interface {
	Observe(ev Event, handled int)
}

// Dispatcher fans events out to handlers. It is owned by the controller
// goroutine; registration happens before the controller starts.
type Dispatcher struct {
	handlers  []Handler
	observers []Observer
	logger    *logging.Logger
	metrics   *metrics.BridgeMetrics
}

// New creates a Dispatcher. m may be nil.
func New(logger *logging.Logger, m *metrics.BridgeMetrics) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		logger:  logger.WithComponent("dispatch"),
		metrics: m,
	}
}

// Register adds a handler.
func (d *Dispatcher) Register(h Handler) {
	d.handlers = append(d.handlers, h)
}

// AddObserver adds an observer.
func (d *Dispatcher) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// Bound reports whether any handler handles command.
func (d *Dispatcher) Bound(command string) bool {
	for _, h := range d.handlers {
		if h.Handles(command) {
			return true
		}
	}
	return false
}

// Dispatch delivers ev to every handler that handles it and returns how
// many did. An event nobody handles is logged and dropped.
func (d *Dispatcher) Dispatch(ev Event) int {
	handled := 0
	for _, h := range d.handlers {
		if !h.Handles(ev.Command) {
			continue
		}
		h.Dispatch(ev)
		handled++
	}

	if handled == 0 {
		// Repeats of an unbound command would flood the log.
		if !ev.Synthesized {
			d.logger.Info("no handler bound to command",
				"command", ev.Command,
				"kind", ev.Kind,
				"remote", ev.Remote,
			)
		}
		if d.metrics != nil {
			d.metrics.UnhandledTotal.Inc()
		}
	} else {
		d.logger.Debug("dispatched",
			"command", ev.Command,
			"kind", ev.Kind,
			"synthesized", ev.Synthesized,
			"chain", ev.Chain,
			"handlers", handled,
		)
		if d.metrics != nil {
			d.metrics.DispatchedTotal.Inc()
		}
	}

	for _, o := range d.observers {
		o.Observe(ev, handled)
	}
	return handled
}

// Handlers returns the registered handler names.
func (d *Dispatcher) Handlers() []string {
	names := make([]string, len(d.handlers))
	for i, h := range d.handlers {
		names[i] = h.Name()
	}
	return names
}

// Func adapts a function into a Handler bound to a fixed command set. An
// empty set binds every command.
type Func struct {
	name     string
	commands map[string]struct{}
	fn       func(Event)
}

// NewFunc creates a Func handler.
func NewFunc(name string, fn func(Event), commands ...string) *Func {
	f := &Func{name: name, fn: fn, commands: make(map[string]struct{}, len(commands))}
	for _, c := range commands {
		f.commands[c] = struct{}{}
	}
	return f
}

func (f *Func) Name() string { return f.name }

func (f *Func) Handles(command string) bool {
	if len(f.commands) == 0 {
		return true
	}
	_, ok := f.commands[command]
	return ok
}

func (f *Func) Dispatch(ev Event) { f.fn(ev) }
