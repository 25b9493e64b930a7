package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"irbridge/internal/logging"
	"irbridge/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	events  []Event
	handled []int
}

func (o *recordingObserver) Observe(ev Event, handled int) {
	o.events = append(o.events, ev)
	o.handled = append(o.handled, handled)
}

func TestDispatchToBoundHandlers(t *testing.T) {
	m := metrics.NewBridgeMetrics(nil)
	d := New(logging.Discard(), m)

	var volume, all []string
	d.Register(NewFunc("receiver", func(ev Event) { volume = append(volume, ev.Command) }, "volume_up", "volume_down", "mute"))
	d.Register(NewFunc("tap", func(ev Event) { all = append(all, ev.Command) }))

	assert.Equal(t, 2, d.Dispatch(Event{Command: "volume_up"}))
	assert.Equal(t, 1, d.Dispatch(Event{Command: "left"}))

	assert.Equal(t, []string{"volume_up"}, volume)
	assert.Equal(t, []string{"volume_up", "left"}, all)
	assert.Equal(t, uint64(2), m.DispatchedTotal.Value())
	assert.Equal(t, []string{"receiver", "tap"}, d.Handlers())
}

func TestUnknownCommandDropped(t *testing.T) {
	m := metrics.NewBridgeMetrics(nil)
	d := New(logging.Discard(), m)
	obs := &recordingObserver{}
	d.AddObserver(obs)

	called := false
	d.Register(NewFunc("receiver", func(Event) { called = true }, "mute"))

	assert.False(t, d.Bound("power"))
	assert.Equal(t, 0, d.Dispatch(Event{Command: "power"}))
	assert.False(t, called)
	assert.Equal(t, uint64(1), m.UnhandledTotal.Value())

	require.Len(t, obs.events, 1)
	assert.Equal(t, "power", obs.events[0].Command)
	assert.Equal(t, 0, obs.handled[0])
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "command", KindCommand.String())
	assert.Equal(t, "signal", KindSignal.String())
}

type testWorker struct {
	mu      sync.Mutex
	got     []string
	block   chan struct{}
	fail    bool
	panicOn string
}

func (w *testWorker) Name() string             { return "test" }
func (w *testWorker) Handles(cmd string) bool { return true }

func (w *testWorker) Handle(ctx context.Context, ev Event) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ev.Command == w.panicOn {
		panic("worker panic")
	}
	w.mu.Lock()
	w.got = append(w.got, ev.Command)
	w.mu.Unlock()
	if w.fail {
		return errors.New("receiver offline")
	}
	return nil
}

func (w *testWorker) commands() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.got...)
}

func TestAsyncDeliversInOrder(t *testing.T) {
	w := &testWorker{}
	a := NewAsync(w, WithLogger(logging.Discard()))
	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyRunning)

	for _, c := range []string{"volume_up", "volume_up", "mute"} {
		a.Dispatch(Event{Command: c})
	}
	require.NoError(t, a.Stop(context.Background()))

	assert.Equal(t, []string{"volume_up", "volume_up", "mute"}, w.commands())
	assert.Equal(t, uint64(3), a.Stats().Processed)
	assert.ErrorIs(t, a.Stop(context.Background()), ErrNotRunning)
}

func TestAsyncDispatchNeverBlocks(t *testing.T) {
	w := &testWorker{block: make(chan struct{})}
	m := metrics.NewBridgeMetrics(nil)
	a := NewAsync(w, WithQueueSize(2), WithLogger(logging.Discard()), WithMetrics(m))
	require.NoError(t, a.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Dispatch(Event{Command: "volume_up"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a stuck worker")
	}

	// One in flight, two queued, the rest dropped.
	assert.GreaterOrEqual(t, a.Stats().Dropped, uint64(7))
	assert.Equal(t, a.Stats().Dropped, m.HandlerDropped("test").Value())

	close(w.block)
	require.NoError(t, a.Stop(context.Background()))
}

func TestAsyncFailuresAreCounted(t *testing.T) {
	w := &testWorker{fail: true}
	m := metrics.NewBridgeMetrics(nil)
	a := NewAsync(w, WithLogger(logging.Discard()), WithMetrics(m))
	require.NoError(t, a.Start(context.Background()))

	a.Dispatch(Event{Command: "mute"})
	require.NoError(t, a.Stop(context.Background()))

	assert.Equal(t, uint64(1), a.Stats().Failed)
	assert.Equal(t, uint64(1), m.HandlerErrors("test").Value())
	assert.Equal(t, uint64(1), m.HandlerDuration("test").Count())
}

func TestAsyncRecoversPanics(t *testing.T) {
	w := &testWorker{panicOn: "power"}
	var crashes int
	crash := logging.NewCrashHandler(logging.CrashHandlerConfig{
		Logger:  logging.Discard(),
		OnCrash: func(logging.CrashReport) { crashes++ },
	})
	a := NewAsync(w, WithLogger(logging.Discard()), WithCrashHandler(crash))
	require.NoError(t, a.Start(context.Background()))

	a.Dispatch(Event{Command: "power"})
	a.Dispatch(Event{Command: "mute"})
	require.NoError(t, a.Stop(context.Background()))

	assert.Equal(t, 1, crashes)
	assert.Equal(t, []string{"mute"}, w.commands(), "worker keeps running after a panic")
}

func TestAsyncStopCancelsInFlight(t *testing.T) {
	w := &testWorker{block: make(chan struct{})}
	a := NewAsync(w, WithLogger(logging.Discard()), WithTimeout(0))
	require.NoError(t, a.Start(context.Background()))
	a.Dispatch(Event{Command: "volume_up"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Stop(ctx), context.DeadlineExceeded)
	assert.Empty(t, w.commands())
}

func TestAsyncDropsWhenStopped(t *testing.T) {
	a := NewAsync(&testWorker{}, WithLogger(logging.Discard()))
	assert.ErrorIs(t, a.Enqueue(Event{Command: "mute"}), ErrNotRunning)
	a.Dispatch(Event{Command: "mute"})
	assert.Equal(t, uint64(1), a.Stats().Dropped)
}
