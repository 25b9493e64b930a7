// Package repeat normalizes raw button presses into accepted presses and a
// uniform, internally timed stream of synthetic repeats.
//
// Remotes disagree about auto-repeat: some resend a code every 45ms while
// held, some every 110ms, some only once per press. The Normalizer treats
// the first press as authoritative, suppresses everything the hardware sends
// inside the repeat window, and drives its own repeat ticks for as long as
// the hardware keeps reporting the button.
//
// A Normalizer is not safe for concurrent use. It is owned by a single
// actor goroutine which also receives the ticks it schedules.
package repeat

import (
	"time"

	"irbridge/internal/remote"
)

// Verdict is the outcome of a genuine hardware press.
type Verdict int

const (
	// Accepted presses are forwarded to sequence detection and dispatch.
	Accepted Verdict = iota + 1
	// Suppressed presses fell inside the repeat window and produce nothing.
	Suppressed
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Config holds repeat timing.
type Config struct {
	// BaseInterval is both the debounce window and the steady repeat period.
	BaseInterval time.Duration

	// FloorInterval is the shortest period acceleration may reach.
	FloorInterval time.Duration

	// AccelerationFactor scales the interval on every repeat past
	// AccelerationAfter.
	AccelerationFactor float64

	// AccelerationAfter is the number of consecutive repeats before
	// acceleration starts.
	AccelerationAfter int
}

// DefaultConfig returns timing that suits NEC and Sony SIRC remotes.
func DefaultConfig() Config {
	return Config{
		BaseInterval:       200 * time.Millisecond,
		FloorInterval:      120 * time.Millisecond,
		AccelerationFactor: 0.7,
		AccelerationAfter:  10,
	}
}

// Tick is a scheduled repeat firing. Seq identifies the exact scheduling
// that produced it; Command and Profile are fixed for the whole chain.
type Tick struct {
	Seq     uint64
	Chain   uint64
	Command string
	Profile *remote.Profile
}

// Timer is a cancellable handle for a scheduled tick.
type Timer interface {
	Stop() bool
}

// Scheduler delivers t back to the owning actor after d.
type Scheduler interface {
	Schedule(d time.Duration, t Tick) Timer
}

// Decision describes how a genuine press was handled.
type Decision struct {
	Verdict Verdict

	// Chain is the repeat chain the press belongs to.
	Chain uint64

	// Previous is the time of the genuine press before this one, or the
	// zero time for the first press.
	Previous time.Time
}

// Normalizer is the debounce and repeat state machine.
type Normalizer struct {
	cfg   Config
	sched Scheduler

	lastTime    time.Time
	lastCommand string
	current     time.Duration
	repeats     int

	chain   uint64
	seq     uint64
	pending uint64
	timer   Timer
}

// New creates a Normalizer. Zero fields in cfg take their defaults.
func New(cfg Config, sched Scheduler) *Normalizer {
	def := DefaultConfig()
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = def.BaseInterval
	}
	if cfg.FloorInterval <= 0 || cfg.FloorInterval > cfg.BaseInterval {
		cfg.FloorInterval = cfg.BaseInterval
	}
	if cfg.AccelerationFactor <= 0 || cfg.AccelerationFactor >= 1 {
		cfg.AccelerationFactor = def.AccelerationFactor
	}
	if cfg.AccelerationAfter <= 0 {
		cfg.AccelerationAfter = def.AccelerationAfter
	}

	return &Normalizer{
		cfg:     cfg,
		sched:   sched,
		current: cfg.BaseInterval,
	}
}

// OnGenuine handles a press reported by hardware.
func (n *Normalizer) OnGenuine(command string, p *remote.Profile, now time.Time) Decision {
	prev := n.lastTime

	if !n.lastTime.IsZero() && now.Before(n.lastTime.Add(n.current)) {
		n.lastTime = now
		n.lastCommand = command
		return Decision{Verdict: Suppressed, Chain: n.chain, Previous: prev}
	}

	n.lastTime = now
	n.lastCommand = command
	n.repeats = 0
	n.current = n.cfg.BaseInterval
	n.chain++

	var delay time.Duration
	if p != nil {
		delay = p.RepeatInitiationDelay
	}
	n.schedule(n.current+delay, Tick{Chain: n.chain, Command: command, Profile: p})

	return Decision{Verdict: Accepted, Chain: n.chain, Previous: prev}
}

// OnTick handles a scheduled repeat firing. It reports whether the tick's
// command should be dispatched as a synthetic repeat.
func (n *Normalizer) OnTick(t Tick, now time.Time) bool {
	if !n.Live(t) {
		return false
	}
	n.pending = 0
	n.timer = nil

	if !n.holding(t, now) {
		n.repeats = 0
		n.current = n.cfg.BaseInterval
		return false
	}

	if n.repeats >= n.cfg.AccelerationAfter {
		next := time.Duration(float64(n.current) * n.cfg.AccelerationFactor)
		if next < n.cfg.FloorInterval {
			next = n.cfg.FloorInterval
		}
		n.current = next
	} else {
		n.current = n.cfg.BaseInterval
	}

	n.schedule(n.current, t)
	n.repeats++
	return true
}

// Live reports whether t is the most recently scheduled tick. Anything else
// is a late firing from a cancelled timer or a duplicate delivery.
func (n *Normalizer) Live(t Tick) bool {
	return t.Seq != 0 && t.Seq == n.pending
}

// holding reports whether the hardware is still reporting the chain's button.
func (n *Normalizer) holding(t Tick, now time.Time) bool {
	return t.Chain == n.chain &&
		t.Command == n.lastCommand &&
		now.Before(n.lastTime.Add(n.current))
}

func (n *Normalizer) schedule(d time.Duration, t Tick) {
	n.cancel()
	n.seq++
	t.Seq = n.seq
	n.pending = n.seq
	n.timer = n.sched.Schedule(d, t)
}

func (n *Normalizer) cancel() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.pending = 0
}

// Stop cancels any pending repeat tick.
func (n *Normalizer) Stop() {
	n.cancel()
}

// Reset cancels the pending tick and forgets all press history, as if the
// process had just started.
func (n *Normalizer) Reset() {
	n.cancel()
	n.lastTime = time.Time{}
	n.lastCommand = ""
	n.repeats = 0
	n.current = n.cfg.BaseInterval
}

// CurrentInterval returns the live repeat interval.
func (n *Normalizer) CurrentInterval() time.Duration {
	return n.current
}

// Repeats returns the number of consecutive synthetic repeats in the
// current hold.
func (n *Normalizer) Repeats() int {
	return n.repeats
}

// Pending reports whether a repeat tick is scheduled.
func (n *Normalizer) Pending() bool {
	return n.pending != 0
}

// Config returns the effective configuration.
func (n *Normalizer) Config() Config {
	return n.cfg
}
