// Package bridge runs the input pipeline as a single actor: registry lookup,
// debounce and repeat, secret codes, then dispatch.
//
// Hardware events and repeat ticks arrive on channels and are handled one at
// a time on the goroutine that calls Run, so none of the core state is
// locked.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"irbridge/internal/dispatch"
	"irbridge/internal/input"
	"irbridge/internal/logging"
	"irbridge/internal/metrics"
	"irbridge/internal/remote"
	"irbridge/internal/repeat"
	"irbridge/internal/secret"
)

// ErrStopped is returned by Submit after Run has returned.
var ErrStopped = errors.New("bridge: controller stopped")

// Clock is the controller's only source of time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type stamped struct {
	ev input.Event
	at time.Time
}

// timerScheduler delivers ticks to the controller's tick channel.
type timerScheduler struct {
	ticks chan<- repeat.Tick
	done  <-chan struct{}
}

func (s timerScheduler) Schedule(d time.Duration, t repeat.Tick) repeat.Timer {
	return time.AfterFunc(d, func() {
		select {
		case s.ticks <- t:
		case <-s.done:
		}
	})
}

// Controller owns the normalizer and detector state.
type Controller struct {
	registry   *remote.Registry
	norm       *repeat.Normalizer
	detector   *secret.Detector
	dispatcher *dispatch.Dispatcher

	clock   Clock
	logger  *logging.Logger
	metrics *metrics.BridgeMetrics

	events   chan stamped
	ticks    chan repeat.Tick
	resets   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// The chain of the last accepted press and the command its repeats
	// carry. Repeats of a press that changed secret-code state are muted.
	chain        uint64
	chainCommand string
	chainRemote  string
	muted        bool
}

// Option configures a Controller.
type Option func(*Controller, *options)

type options struct {
	sched repeat.Scheduler
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(ctl *Controller, _ *options) { ctl.clock = c }
}

// WithScheduler replaces the timer-backed scheduler. Ticks from s must be
// fed to HandleTick by the caller.
func WithScheduler(s repeat.Scheduler) Option {
	return func(_ *Controller, o *options) { o.sched = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(ctl *Controller, _ *options) {
		if l != nil {
			ctl.logger = l
		}
	}
}

// WithMetrics records pipeline counters.
func WithMetrics(m *metrics.BridgeMetrics) Option {
	return func(ctl *Controller, _ *options) { ctl.metrics = m }
}

// New creates a controller. detector may be nil when no secret codes are
// configured.
func New(reg *remote.Registry, detector *secret.Detector, d *dispatch.Dispatcher, cfg repeat.Config, opts ...Option) *Controller {
	c := &Controller{
		registry:   reg,
		detector:   detector,
		dispatcher: d,
		clock:      systemClock{},
		logger:     logging.Default(),
		events:     make(chan stamped, 64),
		ticks:      make(chan repeat.Tick, 1),
		resets:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	var o options
	for _, opt := range opts {
		opt(c, &o)
	}
	c.logger = c.logger.WithComponent("bridge")

	if o.sched == nil {
		o.sched = timerScheduler{ticks: c.ticks, done: c.done}
	}
	c.norm = repeat.New(cfg, o.sched)
	return c
}

// Submit stamps ev with the current time and queues it for the actor. It
// blocks while the queue is full.
func (c *Controller) Submit(ctx context.Context, ev input.Event) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}

	s := stamped{ev: ev, at: c.clock.Now()}
	select {
	case c.events <- s:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset asks the actor to forget all press and secret-code state, as after
// an input source restart.
func (c *Controller) Reset() {
	select {
	case c.resets <- struct{}{}:
	default:
	}
}

// Run processes events and ticks until ctx is done. The pending repeat
// timer is cancelled on return.
func (c *Controller) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.done) })
	defer c.norm.Stop()

	c.logger.Info("controller started",
		"profiles", len(c.registry.Profiles()),
		"base_interval", c.norm.Config().BaseInterval,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped")
			return nil
		case s := <-c.events:
			c.HandleInput(s.ev, s.at)
		case t := <-c.ticks:
			c.HandleTick(t, c.clock.Now())
		case <-c.resets:
			c.reset()
		}
	}
}

// HandleInput runs one hardware event through the pipeline. It must only
// be called from the actor goroutine, or directly when Run is not used.
func (c *Controller) HandleInput(ev input.Event, at time.Time) {
	c.inc(func(m *metrics.BridgeMetrics) *metrics.Counter { return m.EventsTotal })

	command, profile, ok := c.registry.Lookup(ev.Remote, ev.Keycode)
	if !ok {
		if owners := c.registry.Ambiguous(ev.Keycode); owners != nil {
			c.logger.Debug("ambiguous keycode", "remote", ev.Remote, "keycode", ev.Keycode, "bound_on", owners)
		} else {
			c.logger.Debug("unknown keycode", "remote", ev.Remote, "keycode", ev.Keycode)
		}
		c.inc(func(m *metrics.BridgeMetrics) *metrics.Counter { return m.UnknownKeycodesTotal })
		return
	}

	dec := c.norm.OnGenuine(command, profile, at)
	if dec.Verdict == repeat.Suppressed {
		c.logger.Debug("press suppressed", "command", command, "remote", profile.Name)
		c.inc(func(m *metrics.BridgeMetrics) *metrics.Counter { return m.SuppressedTotal })
		return
	}
	c.inc(func(m *metrics.BridgeMetrics) *metrics.Counter { return m.AcceptedTotal })
	c.gauge()

	res := secret.Result{Command: command}
	if c.detector != nil {
		res = c.detector.Process(secret.Input{Command: command, At: at, Previous: dec.Previous})
	}

	c.chain = dec.Chain
	c.chainCommand = res.Command
	c.chainRemote = profile.Name
	c.muted = res.Transition != secret.None

	switch res.Transition {
	case secret.Activated:
		c.logger.Info("secret code activated", "secret_code", res.Code, "output", res.Command)
		c.inc(func(m *metrics.BridgeMetrics) *metrics.Counter { return m.ActivationsTotal })
	case secret.Escaped, secret.TimedOut:
		c.logger.Info("secret code deactivated", "secret_code", res.Code, "reason", res.Transition)
		c.inc(func(m *metrics.BridgeMetrics) *metrics.Counter { return m.DeactivationsTotal })
	}

	if res.Signal != "" {
		c.dispatcher.Dispatch(dispatch.Event{
			Time:    at,
			Command: res.Signal,
			Remote:  profile.Name,
			Chain:   dec.Chain,
			Kind:    dispatch.KindSignal,
			Code:    res.Code,
		})
	}
	c.dispatcher.Dispatch(dispatch.Event{
		Time:    at,
		Command: res.Command,
		Remote:  profile.Name,
		Chain:   dec.Chain,
		Kind:    dispatch.KindCommand,
		Code:    res.Code,
	})
}

// HandleTick handles a repeat timer firing. Ticks never reach the detector.
func (c *Controller) HandleTick(t repeat.Tick, now time.Time) {
	if !c.norm.Live(t) {
		c.logger.Debug("stale repeat tick dropped", "seq", t.Seq, "chain", t.Chain)
		c.inc(func(m *metrics.BridgeMetrics) *metrics.Counter { return m.StaleTicksTotal })
		return
	}
	if !c.norm.OnTick(t, now) {
		c.gauge()
		return
	}
	c.gauge()

	if t.Chain != c.chain || c.muted {
		return
	}
	c.inc(func(m *metrics.BridgeMetrics) *metrics.Counter { return m.RepeatsTotal })

	c.dispatcher.Dispatch(dispatch.Event{
		Time:        now,
		Command:     c.chainCommand,
		Remote:      c.chainRemote,
		Synthesized: true,
		Chain:       t.Chain,
		Kind:        dispatch.KindCommand,
	})
}

func (c *Controller) reset() {
	c.norm.Reset()
	if c.detector != nil {
		c.detector.Reset()
	}
	c.chain, c.chainCommand, c.chainRemote, c.muted = 0, "", "", false
	c.inc(func(m *metrics.BridgeMetrics) *metrics.Counter { return m.ResetsTotal })
	c.gauge()
	c.logger.Info("state reset")
}

func (c *Controller) inc(counter func(*metrics.BridgeMetrics) *metrics.Counter) {
	if c.metrics != nil {
		counter(c.metrics).Inc()
	}
}

func (c *Controller) gauge() {
	if c.metrics != nil {
		c.metrics.RepeatIntervalMs.Set(c.norm.CurrentInterval().Milliseconds())
	}
}

// Normalizer exposes the repeat state for inspection.
func (c *Controller) Normalizer() *repeat.Normalizer { return c.norm }
