package input

import (
	"context"
	"errors"
	"sync"
	"time"

	"irbridge/internal/logging"
	"irbridge/internal/metrics"
)

// Waiter is implemented by sources that can wait for their device to
// reappear.
type Waiter interface {
	WaitReady(ctx context.Context) error
}

// Supervisor runs sources and restarts them when their device fails.
type Supervisor struct {
	sources    []Source
	logger     *logging.Logger
	metrics    *metrics.BridgeMetrics
	crash      *logging.CrashHandler
	minBackoff time.Duration
	maxBackoff time.Duration
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBackoff bounds the delay between restart attempts of a source that
// cannot wait for its device.
func WithBackoff(min, max time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if min > 0 {
			s.minBackoff = min
		}
		if max >= s.minBackoff {
			s.maxBackoff = max
		}
	}
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(l *logging.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSupervisorMetrics records restarts and live sources.
func WithSupervisorMetrics(m *metrics.BridgeMetrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithSupervisorCrashHandler recovers panics in source readers.
func WithSupervisorCrashHandler(h *logging.CrashHandler) SupervisorOption {
	return func(s *Supervisor) { s.crash = h }
}

// NewSupervisor creates a Supervisor for sources.
func NewSupervisor(sources []Source, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		sources:    sources,
		logger:     logging.Default().WithComponent("input"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run opens every source and feeds sink until ctx is done or a source
// returns ErrQuit. Sources that fail to open at startup are retried in the
// background, but at least one must open.
func (s *Supervisor) Run(ctx context.Context, sink Sink) error {
	opened := make([]bool, len(s.sources))
	count := 0
	for i, src := range s.sources {
		if err := src.Open(); err != nil {
			s.logger.Warn("input source unavailable", "source", src.Name(), "error", err)
			continue
		}
		s.logger.Info("input source opened", "source", src.Name())
		opened[i] = true
		count++
	}
	if count == 0 {
		return ErrNoSources
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		quitErr error
		once    sync.Once
	)
	for i, src := range s.sources {
		wg.Add(1)
		go func(src Source, open bool) {
			defer wg.Done()
			if err := s.supervise(ctx, src, sink, open); errors.Is(err, ErrQuit) {
				once.Do(func() { quitErr = err })
				cancel()
			}
		}(src, opened[i])
	}
	wg.Wait()
	return quitErr
}

func (s *Supervisor) supervise(ctx context.Context, src Source, sink Sink, open bool) error {
	backoff := s.minBackoff
	for {
		if !open {
			if err := s.wait(ctx, src, backoff); err != nil {
				return err
			}
			if err := src.Open(); err != nil {
				s.logger.Debug("reopen failed", "source", src.Name(), "error", err)
				if err := sleep(ctx, backoff); err != nil {
					return err
				}
				backoff = min(backoff*2, s.maxBackoff)
				continue
			}
			s.logger.Info("input source reopened", "source", src.Name())
			backoff = s.minBackoff
		}

		err := s.run(ctx, src, sink)
		open = false
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrQuit) {
			return err
		}

		s.logger.Warn("input source failed", "source", src.Name(), "error", err)
		sink.Reset()
		if s.metrics != nil {
			s.metrics.SourceRestartsTotal.Inc()
		}
	}
}

func (s *Supervisor) run(ctx context.Context, src Source, sink Sink) (err error) {
	if s.metrics != nil {
		s.metrics.SourcesUp.Inc()
		defer s.metrics.SourcesUp.Dec()
	}
	if s.crash != nil {
		defer func() {
			if r := recover(); r != nil {
				s.crash.HandlePanic(r, "input", map[string]any{"source": src.Name()})
				err = errors.New("input: source panicked")
			}
		}()
	}
	return src.Run(ctx, sink)
}

func (s *Supervisor) wait(ctx context.Context, src Source, backoff time.Duration) error {
	if w, ok := src.(Waiter); ok {
		return w.WaitReady(ctx)
	}
	return sleep(ctx, backoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
