package repeat

import (
	"testing"
	"time"

	"irbridge/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualScheduler records scheduled ticks; tests fire them explicitly.
type manualScheduler struct {
	now     *time.Time
	entries []*entry
}

type entry struct {
	due     time.Time
	delay   time.Duration
	tick    Tick
	stopped bool
	fired   bool
}

func (e *entry) Stop() bool {
	if e.stopped || e.fired {
		return false
	}
	e.stopped = true
	return true
}

func (s *manualScheduler) Schedule(d time.Duration, t Tick) Timer {
	e := &entry{due: s.now.Add(d), delay: d, tick: t}
	s.entries = append(s.entries, e)
	return e
}

// next returns the earliest live entry.
func (s *manualScheduler) next() *entry {
	var best *entry
	for _, e := range s.entries {
		if e.stopped || e.fired {
			continue
		}
		if best == nil || e.due.Before(best.due) {
			best = e
		}
	}
	return best
}

func (s *manualScheduler) live() int {
	n := 0
	for _, e := range s.entries {
		if !e.stopped && !e.fired {
			n++
		}
	}
	return n
}

type harness struct {
	now     time.Time
	sched   *manualScheduler
	n       *Normalizer
	profile *remote.Profile
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := remote.NewRegistry([]remote.Profile{{
		Name:                  "chromecast-denon",
		Keys:                  map[string]uint32{"volume_up": 1026, "volume_down": 1027},
		RepeatInitiationDelay: 300 * time.Millisecond,
	}})
	require.NoError(t, err)
	p, _ := reg.Profile("chromecast-denon")

	h := &harness{now: time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC), profile: p}
	h.sched = &manualScheduler{now: &h.now}
	h.n = New(DefaultConfig(), h.sched)
	return h
}

func (h *harness) press(cmd string, at time.Duration, start time.Time) Decision {
	h.now = start.Add(at)
	return h.n.OnGenuine(cmd, h.profile, h.now)
}

func (h *harness) fire(e *entry) bool {
	h.now = e.due
	e.fired = true
	return h.n.OnTick(e.tick, h.now)
}

// hold simulates hardware resending cmd every period until end, firing
// repeat ticks in time order. It returns the interval in effect after each
// synthetic repeat.
func (h *harness) hold(cmd string, period time.Duration, end time.Time) []time.Duration {
	var intervals []time.Duration
	nextNative := h.now.Add(period)
	for {
		e := h.sched.next()
		nativeDue := nextNative.Before(end)
		switch {
		case nativeDue && (e == nil || !e.due.Before(nextNative)):
			h.now = nextNative
			h.n.OnGenuine(cmd, h.profile, h.now)
			nextNative = nextNative.Add(period)
		case e != nil:
			if h.fire(e) {
				intervals = append(intervals, h.n.CurrentInterval())
			}
		default:
			return intervals
		}
	}
}

func TestSecondPressInsideWindowIsSuppressed(t *testing.T) {
	h := newHarness(t)
	start := h.now

	d1 := h.press("volume_up", 0, start)
	assert.Equal(t, Accepted, d1.Verdict)
	assert.True(t, d1.Previous.IsZero())

	d2 := h.press("volume_up", 50*time.Millisecond, start)
	assert.Equal(t, Suppressed, d2.Verdict)
	assert.Equal(t, start, d2.Previous)
	assert.Equal(t, d1.Chain, d2.Chain)

	// The suppressed press moved the window: 230ms after the first press is
	// only 180ms after the second.
	d3 := h.press("volume_up", 230*time.Millisecond, start)
	assert.Equal(t, Suppressed, d3.Verdict)

	d4 := h.press("volume_up", 431*time.Millisecond, start)
	assert.Equal(t, Accepted, d4.Verdict)
	assert.Greater(t, d4.Chain, d1.Chain)
}

func TestAcceptSchedulesSingleTickWithInitiationDelay(t *testing.T) {
	h := newHarness(t)
	h.press("volume_up", 0, h.now)

	require.Equal(t, 1, h.sched.live())
	assert.Equal(t, 500*time.Millisecond, h.sched.next().delay)
	assert.True(t, h.n.Pending())
}

func TestShortPressEndsChainWithoutRepeat(t *testing.T) {
	h := newHarness(t)
	h.press("volume_up", 0, h.now)

	emitted := h.fire(h.sched.next())
	assert.False(t, emitted)
	assert.False(t, h.n.Pending())
	assert.Equal(t, 0, h.sched.live())
	assert.Equal(t, 0, h.n.Repeats())
}

func TestHoldAcceleratesAfterTenRepeats(t *testing.T) {
	h := newHarness(t)
	start := h.now
	h.press("volume_up", 0, start)

	intervals := h.hold("volume_up", 100*time.Millisecond, start.Add(3*time.Second))
	require.Len(t, intervals, 15)

	for i := 0; i < 10; i++ {
		assert.Equal(t, 200*time.Millisecond, intervals[i], "repeat %d", i+1)
	}
	assert.InDelta(t, float64(140*time.Millisecond), float64(intervals[10]), float64(time.Microsecond))
	assert.Less(t, intervals[10], intervals[9])
	assert.Less(t, intervals[11], intervals[10])
	for _, iv := range intervals[11:] {
		assert.Equal(t, 120*time.Millisecond, iv, "floor clamp")
	}

	// The hold ended once hardware stopped resending.
	assert.False(t, h.n.Pending())
	assert.Equal(t, 0, h.n.Repeats())
	assert.Equal(t, 200*time.Millisecond, h.n.CurrentInterval())
}

func TestNextGenuinePressResetsAcceleratedInterval(t *testing.T) {
	h := newHarness(t)
	start := h.now
	h.press("volume_up", 0, start)

	// Stop mid-hold while the interval is accelerated.
	for h.n.Repeats() < 12 {
		h.now = h.now.Add(100 * time.Millisecond)
		h.n.OnGenuine("volume_up", h.profile, h.now)
		if e := h.sched.next(); e != nil && !e.due.After(h.now.Add(50*time.Millisecond)) {
			h.fire(e)
		}
	}
	require.Less(t, h.n.CurrentInterval(), 200*time.Millisecond)

	d := h.press("volume_down", h.now.Sub(start)+time.Second, start)
	assert.Equal(t, Accepted, d.Verdict)
	assert.Equal(t, 200*time.Millisecond, h.n.CurrentInterval())
	assert.Equal(t, 0, h.n.Repeats())
}

func TestDuplicateTickIsDropped(t *testing.T) {
	h := newHarness(t)
	start := h.now
	h.press("volume_up", 0, start)
	h.press("volume_up", 150*time.Millisecond, start)
	h.press("volume_up", 300*time.Millisecond, start)
	h.press("volume_up", 450*time.Millisecond, start)

	e := h.sched.next()
	require.True(t, h.fire(e))
	interval, repeats := h.n.CurrentInterval(), h.n.Repeats()
	live := h.sched.live()

	// Same tick delivered again: no side effects.
	assert.False(t, h.n.OnTick(e.tick, h.now))
	assert.Equal(t, interval, h.n.CurrentInterval())
	assert.Equal(t, repeats, h.n.Repeats())
	assert.Equal(t, live, h.sched.live())
	assert.True(t, h.n.Pending())
}

func TestStaleTickFromSupersededChainIsDropped(t *testing.T) {
	h := newHarness(t)
	start := h.now
	h.press("volume_up", 0, start)
	stale := h.sched.next()

	h.press("volume_down", 600*time.Millisecond, start)
	assert.True(t, stale.stopped, "accepting a new press cancels the old timer")

	assert.False(t, h.n.OnTick(stale.tick, h.now))
	assert.True(t, h.n.Pending(), "new chain's tick is still live")
	assert.Equal(t, 1, h.sched.live())
}

func TestDifferentButtonEndsHold(t *testing.T) {
	h := newHarness(t)
	start := h.now
	h.press("volume_up", 0, start)
	h.press("volume_up", 100*time.Millisecond, start)
	h.press("volume_up", 200*time.Millisecond, start)
	h.press("volume_up", 300*time.Millisecond, start)
	// A different button inside the window is suppressed but supersedes the
	// held one.
	d := h.press("volume_down", 400*time.Millisecond, start)
	require.Equal(t, Suppressed, d.Verdict)

	assert.False(t, h.fire(h.sched.next()))
	assert.False(t, h.n.Pending())
}

func TestResetCancelsPendingTick(t *testing.T) {
	h := newHarness(t)
	h.press("volume_up", 0, h.now)
	e := h.sched.next()

	h.n.Reset()
	assert.True(t, e.stopped)
	assert.False(t, h.n.Pending())

	d := h.press("volume_up", 10*time.Millisecond, h.now)
	assert.Equal(t, Accepted, d.Verdict, "reset forgets the previous press")
}

func TestNewAppliesDefaults(t *testing.T) {
	n := New(Config{FloorInterval: time.Second}, &manualScheduler{now: new(time.Time)})
	cfg := n.Config()
	assert.Equal(t, 200*time.Millisecond, cfg.BaseInterval)
	assert.Equal(t, cfg.BaseInterval, cfg.FloorInterval, "floor cannot exceed base")
	assert.Equal(t, 0.7, cfg.AccelerationFactor)
	assert.Equal(t, 10, cfg.AccelerationAfter)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "suppressed", Suppressed.String())
	assert.Equal(t, "unknown", Verdict(0).String())
}
