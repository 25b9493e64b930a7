package journal

import (
	"context"
	"sync/atomic"
	"time"

	"irbridge/internal/dispatch"
	"irbridge/internal/logging"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	SessionID     string
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration

	// Retention is how long entries are kept; zero keeps them forever.
	Retention     time.Duration
	PruneInterval time.Duration

	Logger *logging.Logger
}

// Recorder is a dispatch.Observer that writes events to the journal on its
// own goroutine. Observe never blocks; a full queue drops the event.
type Recorder struct {
	j      *Journal
	cfg    RecorderConfig
	logger *logging.Logger
	queue  chan Entry

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder creates a recorder for the session.
func NewRecorder(j *Journal, cfg RecorderConfig) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Recorder{
		j:      j,
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("journal"),
		queue:  make(chan Entry, cfg.QueueSize),
	}
}

// Observe implements dispatch.Observer.
func (r *Recorder) Observe(ev dispatch.Event, handled int) {
	e := Entry{
		SessionID:   r.cfg.SessionID,
		Time:        ev.Time,
		Command:     ev.Command,
		Remote:      ev.Remote,
		Kind:        ev.Kind.String(),
		Synthesized: ev.Synthesized,
		Chain:       ev.Chain,
		Code:        ev.Code,
		Handled:     handled,
	}
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("journal queue full, dropping entries")
		}
	}
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	flush := time.NewTicker(r.cfg.FlushInterval)
	defer flush.Stop()

	var prune <-chan time.Time
	if r.cfg.Retention > 0 {
		r.prune(ctx)
		t := time.NewTicker(r.cfg.PruneInterval)
		defer t.Stop()
		prune = t.C
	}

	batch := make([]Entry, 0, r.cfg.BatchSize)
	write := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.j.Append(ctx, batch); err != nil {
			r.logger.Error("write journal", "entries", len(batch), "error", err)
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					batch = append(batch, e)
				default:
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					write(shutdown)
					cancel()
					return
				}
			}
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				write(ctx)
			}
		case <-flush.C:
			write(ctx)
		case <-prune:
			r.prune(ctx)
		}
	}
}

func (r *Recorder) prune(ctx context.Context) {
	n, err := r.j.Prune(ctx, time.Now().Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Warn("prune journal", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned journal", "entries", n, "retention", r.cfg.Retention)
	}
}

// Written returns the number of entries stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Dropped returns the number of entries lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }
