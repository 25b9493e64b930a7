package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"irbridge/internal/logging"
	"irbridge/internal/metrics"
)

// Worker performs the blocking work for a handler. Handle runs on the
// Async's goroutine, one event at a time, in dispatch order.
type Worker interface {
	Name() string
	Handles(command string) bool
	Handle(ctx context.Context, ev Event) error
}

// Async is a Handler that queues events for a Worker. A full queue drops
// the event; the controller never waits on a downstream call.
type Async struct {
	worker Worker

	queueSize int
	timeout   time.Duration
	logger    *logging.Logger
	crash     *logging.CrashHandler

	errors   *metrics.Counter
	dropped  *metrics.Counter
	duration *metrics.Histogram

	mu      sync.Mutex // protects queue creation/destruction
	queue   chan Event
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	drops     atomic.Uint64
}

// AsyncOption configures an Async.
type AsyncOption func(*Async)

// WithQueueSize sets the queue capacity.
func WithQueueSize(size int) AsyncOption {
	return func(a *Async) {
		if size > 0 {
			a.queueSize = size
		}
	}
}

// WithTimeout bounds each Handle call.
func WithTimeout(timeout time.Duration) AsyncOption {
	return func(a *Async) {
		a.timeout = timeout
	}
}

// WithLogger sets the logger failures are reported to.
func WithLogger(l *logging.Logger) AsyncOption {
	return func(a *Async) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithCrashHandler recovers worker panics through h.
func WithCrashHandler(h *logging.CrashHandler) AsyncOption {
	return func(a *Async) {
		a.crash = h
	}
}

// WithMetrics records failures, drops and latency per worker.
func WithMetrics(m *metrics.BridgeMetrics) AsyncOption {
	return func(a *Async) {
		if m == nil {
			return
		}
		name := a.worker.Name()
		a.errors = m.HandlerErrors(name)
		a.dropped = m.HandlerDropped(name)
		a.duration = m.HandlerDuration(name)
	}
}

// NewAsync wraps w. Start must be called before events are delivered.
func NewAsync(w Worker, opts ...AsyncOption) *Async {
	a := &Async{
		worker:    w,
		queueSize: 32,
		timeout:   5 * time.Second,
		logger:    logging.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithComponent(w.Name())
	return a
}

func (a *Async) Name() string { return a.worker.Name() }

func (a *Async) Handles(command string) bool { return a.worker.Handles(command) }

// Start launches the worker goroutine. Handle calls get contexts derived
// from ctx.
func (a *Async) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running.Load() {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.queue = make(chan Event, a.queueSize)
	a.running.Store(true)

	a.wg.Add(1)
	go a.run(runCtx, a.queue)
	return nil
}

// Stop drains the queue and waits for the worker, or until ctx is done, in
// which case the in-flight call is cancelled.
func (a *Async) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running.Load() {
		a.mu.Unlock()
		return ErrNotRunning
	}
	a.running.Store(false)
	close(a.queue)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}

// Dispatch enqueues ev without blocking.
func (a *Async) Dispatch(ev Event) {
	if err := a.Enqueue(ev); err != nil {
		a.drops.Add(1)
		if a.dropped != nil {
			a.dropped.Inc()
		}
		a.logger.Warn("event dropped", "command", ev.Command, "error", err)
	}
}

// Enqueue adds ev to the queue or returns ErrQueueFull or ErrNotRunning.
func (a *Async) Enqueue(ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running.Load() {
		return ErrNotRunning
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run(ctx context.Context, queue <-chan Event) {
	defer a.wg.Done()
	for ev := range queue {
		a.execute(ctx, ev)
	}
}

func (a *Async) execute(ctx context.Context, ev Event) {
	if a.crash != nil {
		defer a.crash.Recover(a.worker.Name(), map[string]any{"command": ev.Command})
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	err := a.worker.Handle(ctx, ev)
	if a.duration != nil {
		a.duration.Since(start)
	}
	a.processed.Add(1)

	if err != nil {
		a.failed.Add(1)
		if a.errors != nil {
			a.errors.Inc()
		}
		a.logger.Warn("handler failed",
			"command", ev.Command,
			"synthesized", ev.Synthesized,
			"error", err,
		)
	}
}

// QueueDepth returns the number of queued events.
func (a *Async) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running.Load() {
		return 0
	}
	return len(a.queue)
}

// AsyncStats contains counters for one Async.
type AsyncStats struct {
	Processed uint64
	Failed    uint64
	Dropped   uint64
}

// Stats returns the worker counters.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Processed: a.processed.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.drops.Load(),
	}
}
