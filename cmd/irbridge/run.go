package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"irbridge/internal/bridge"
	"irbridge/internal/config"
	"irbridge/internal/dispatch"
	"irbridge/internal/health"
	"irbridge/internal/input"
	"irbridge/internal/journal"
	"irbridge/internal/logging"
	"irbridge/internal/metrics"
	"irbridge/internal/notify"
	"irbridge/internal/receiver"
	"irbridge/internal/remote"
	"irbridge/internal/secret"
	"irbridge/internal/security"
	"irbridge/internal/tv"
)

const shutdownTimeout = 5 * time.Second

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	terminal := fs.Bool("terminal", false, "Also read keys from this terminal")
	debug := fs.Bool("debug", false, "Log at debug level")
	fs.Parse(os.Args[2:])

	loader, cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer loader.Close()
	if *debug {
		cfg.Logging.Level = "debug"
	}

	// Two bridges would fight over the same devices and key presses.
	lock, err := security.AcquireLock(lockPath())
	if errors.Is(err, security.ErrLocked) {
		fmt.Fprintf(os.Stderr, "irbridge is already running (%s)\n", lockPath())
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &daemon{cfg: cfg, loader: loader, terminal: *terminal, stdin: os.Stdin}
	if err := d.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// daemon owns the components of one bridge run.
type daemon struct {
	cfg      *config.Config
	loader   *config.Loader
	terminal bool
	stdin    io.Reader

	logger  *logging.Logger
	crash   *logging.CrashHandler
	metrics *metrics.BridgeMetrics
	health  *health.Checker
	journal *journal.Journal
	session string
	workers []*dispatch.Async
}

func (d *daemon) run(ctx context.Context) error {
	logCfg, err := d.cfg.LoggerSettings()
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	d.logger = logger

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.metrics = metrics.NewBridgeMetrics(nil)
	d.health = health.NewChecker()

	d.session = uuid.NewString()
	if d.cfg.Journal.Enabled {
		if err := d.openJournal(ctx); err != nil {
			// History is optional; the bridge runs without it.
			logger.Warn("journal disabled", "path", d.cfg.Journal.Path, "error", err)
		}
	}
	if d.journal != nil {
		defer d.journal.Close()
	}
	d.logger = logger.WithSession(d.session)

	d.crash = logging.NewCrashHandler(logging.CrashHandlerConfig{
		Dir:       d.cfg.Logging.CrashDir,
		Version:   version,
		SessionID: d.session,
		Logger:    d.logger,
	})
	d.pruneCrashReports()

	reg, err := remote.NewRegistry(d.cfg.Profiles())
	if err != nil {
		return fmt.Errorf("remotes: %w", err)
	}
	detector, err := secret.NewDetector(d.cfg.Codes())
	if err != nil {
		return fmt.Errorf("secret codes: %w", err)
	}

	dispatcher := dispatch.New(d.logger, d.metrics)
	if err := d.startWorkers(ctx, dispatcher); err != nil {
		return err
	}
	defer d.stopWorkers()

	var wg sync.WaitGroup
	defer wg.Wait()
	// Cancel before waiting on the background goroutines.
	defer cancel()

	if d.journal != nil {
		rec := journal.NewRecorder(d.journal, journal.RecorderConfig{
			SessionID: d.session,
			Retention: time.Duration(d.cfg.Journal.RetentionDays) * 24 * time.Hour,
			Logger:    d.logger,
		})
		dispatcher.AddObserver(rec)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Run(ctx)
		}()
	}

	controller := bridge.New(reg, detector, dispatcher, d.cfg.RepeatSettings(),
		bridge.WithLogger(d.logger),
		bridge.WithMetrics(d.metrics),
	)

	sources, err := d.buildSources()
	if err != nil {
		return err
	}
	supervisor := input.NewSupervisor(sources,
		input.WithSupervisorLogger(d.logger),
		input.WithSupervisorMetrics(d.metrics),
		input.WithSupervisorCrashHandler(d.crash),
	)

	d.watchConfig(ctx, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.monitorHealth(ctx)
	}()

	if d.cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.exportMetrics(ctx)
		}()
	}

	controllerDone := make(chan error, 1)
	go func() {
		controllerDone <- controller.Run(ctx)
	}()

	d.logger.Info("irbridge started",
		"version", version,
		"inputs", len(sources),
		"remotes", len(reg.Profiles()),
		"codes", detector.Len(),
		"handlers", strings.Join(dispatcher.Handlers(), ","),
	)

	err = supervisor.Run(ctx, controller)
	interrupted := ctx.Err() != nil
	cancel()
	<-controllerDone

	switch {
	case errors.Is(err, input.ErrQuit):
		d.logger.Info("quit requested")
	case err != nil && !interrupted:
		return err
	}
	d.logger.Info("irbridge stopped", snapshotArgs(d.metrics.Snapshot())...)
	return nil
}

// pruneCrashReports drops reports older than the log retention and
// mentions the ones left from earlier runs.
func (d *daemon) pruneCrashReports() {
	if d.cfg.Logging.CrashDir == "" {
		return
	}
	if days := d.cfg.Logging.MaxAgeDays; days > 0 {
		if err := d.crash.Cleanup(time.Duration(days) * 24 * time.Hour); err != nil {
			d.logger.Debug("prune crash reports", "dir", d.cfg.Logging.CrashDir, "error", err)
		}
	}
	reports, err := d.crash.Reports()
	if err == nil && len(reports) > 0 {
		last := reports[0]
		for _, r := range reports[1:] {
			if r.Timestamp.After(last.Timestamp) {
				last = r
			}
		}
		d.logger.Warn("crash reports from earlier runs",
			"count", len(reports),
			"dir", d.cfg.Logging.CrashDir,
			"last_component", last.Component,
			"last_at", last.Timestamp,
		)
	}
}

// snapshotArgs flattens a metrics snapshot into sorted key/value log args.
func snapshotArgs(snap map[string]any) []any {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, snap[k])
	}
	return args
}

func (d *daemon) openJournal(ctx context.Context) error {
	j, err := journal.Open(d.cfg.Journal.Path)
	if err != nil {
		return err
	}
	s, err := j.StartSession(ctx, version)
	if err != nil {
		j.Close()
		return err
	}
	d.journal = j
	d.session = s.ID
	d.health.RegisterFunc("journal", false, health.PingCheck("journal", j.Ping))
	return nil
}

// startWorkers registers one Async worker per enabled collaborator.
func (d *daemon) startWorkers(ctx context.Context, dispatcher *dispatch.Dispatcher) error {
	cfg := d.cfg

	if cfg.Receiver.Enabled {
		timeout := time.Duration(cfg.Receiver.TimeoutMs) * time.Millisecond
		client, err := receiver.NewClient(cfg.Receiver.URL, timeout)
		if err != nil {
			return fmt.Errorf("receiver: %w", err)
		}
		h := receiver.NewHandler(client, receiver.Commands{
			VolumeUp:   cfg.Receiver.VolumeUp,
			VolumeDown: cfg.Receiver.VolumeDown,
			Mute:       cfg.Receiver.Mute,
		}, cfg.Receiver.StepDB)
		d.health.RegisterFunc("receiver", false, health.PingCheck("receiver "+client.URL(), client.Ping))
		d.addWorker(ctx, dispatcher, h, cfg.Receiver.QueueSize, timeout)
	}

	if cfg.TV.Enabled {
		client, err := d.tvClient()
		if err != nil {
			return err
		}
		h := tv.NewHandler(client, cfg.TV.Keys)
		d.health.RegisterFunc("tv", false, health.ConnectedCheck("tv", client.Connected))
		d.addWorker(ctx, dispatcher, h, cfg.TV.QueueSize, time.Duration(cfg.TV.TimeoutMs)*time.Millisecond)
	}

	if cfg.Notify.Enabled {
		n := notify.NewDBus("irbridge", int32(cfg.Notify.TimeoutMs))
		h := notify.NewHandler(n, cfg.Notify.Messages)
		d.addWorker(ctx, dispatcher, h, 0, 2*time.Second)
	}
	return nil
}

func (d *daemon) addWorker(ctx context.Context, dispatcher *dispatch.Dispatcher, w dispatch.Worker, queue int, timeout time.Duration) {
	opts := []dispatch.AsyncOption{
		dispatch.WithLogger(d.logger),
		dispatch.WithCrashHandler(d.crash),
		dispatch.WithMetrics(d.metrics),
	}
	if queue > 0 {
		opts = append(opts, dispatch.WithQueueSize(queue))
	}
	if timeout > 0 {
		opts = append(opts, dispatch.WithTimeout(timeout))
	}

	a := dispatch.NewAsync(w, opts...)
	if err := a.Start(ctx); err != nil {
		d.logger.Error("start handler", "handler", w.Name(), "error", err)
		return
	}
	dispatcher.Register(a)
	d.workers = append(d.workers, a)
}

func (d *daemon) stopWorkers() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, a := range d.workers {
		if err := a.Stop(ctx); err != nil {
			d.logger.Warn("handler did not drain", "handler", a.Name(), "error", err)
		}
		stats := a.Stats()
		d.logger.Debug("handler stopped", "handler", a.Name(), "processed", stats.Processed, "failed", stats.Failed, "dropped", stats.Dropped)
	}
}

func (d *daemon) tvClient() (*tv.Client, error) {
	cfg := d.cfg.TV
	key := cfg.ClientKey
	if key == "" && cfg.ClientKeyPath != "" {
		stored, err := readClientKey(cfg.ClientKeyPath)
		if err != nil {
			d.logger.Warn("read tv client key", "path", cfg.ClientKeyPath, "error", err)
		}
		key = stored
	}

	client, err := tv.NewClient(tv.Config{
		Address:        cfg.Address,
		ClientKey:      key,
		Timeout:        time.Duration(cfg.TimeoutMs) * time.Millisecond,
		PairingTimeout: time.Duration(cfg.PairingTimeoutSec) * time.Second,
		Logger:         d.logger,
		OnClientKey: func(newKey string) {
			if cfg.ClientKeyPath == "" {
				d.logger.Warn("tv issued a client key but client_key_path is empty; pairing will repeat on restart")
				return
			}
			if err := writeClientKey(cfg.ClientKeyPath, newKey); err != nil {
				d.logger.Error("save tv client key", "path", cfg.ClientKeyPath, "error", err)
				return
			}
			d.logger.Info("saved tv client key", "path", cfg.ClientKeyPath)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tv: %w", err)
	}
	return client, nil
}

// buildSources creates the configured input sources and registers a health
// check for each evdev node.
func (d *daemon) buildSources() ([]input.Source, error) {
	var (
		sources  []input.Source
		terminal bool
	)
	for _, in := range d.cfg.Inputs {
		switch in.Type {
		case "evdev":
			ec, err := in.EvdevSettings()
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", in.Name, err)
			}
			src := input.NewEvdev(ec)
			d.health.RegisterFunc("input:"+in.Name, true, func(ctx context.Context) health.CheckResult {
				path := src.Path()
				if path == "" {
					path = in.Device
				}
				return health.FileExistsCheck(path)(ctx)
			})
			sources = append(sources, src)
		case "terminal":
			sources = append(sources, input.NewTerminal(in.Name, terminalRemote(in.Remote), d.stdin))
			terminal = true
		}
	}
	if d.terminal && !terminal {
		sources = append(sources, input.NewTerminal("terminal", config.TerminalRemote, d.stdin))
	}
	if len(sources) == 0 {
		return nil, input.ErrNoSources
	}
	return sources, nil
}

func terminalRemote(name string) string {
	if name == "" {
		return config.TerminalRemote
	}
	return name
}

// watchConfig applies log level changes and reports everything else as
// needing a restart.
func (d *daemon) watchConfig(ctx context.Context, wg *sync.WaitGroup) {
	if d.loader == nil {
		return
	}
	d.loader.OnChange(func(old, next *config.Config) {
		if level, err := logging.ParseLevel(next.Logging.Level); err == nil && level != d.logger.GetLevel() {
			prev := d.logger.GetLevel()
			d.logger.SetLevel(level)
			d.logger.Info("log level changed", "from", logging.LevelString(prev), "to", logging.LevelString(level))
		}
		if changed := config.RestartRequired(old, next); len(changed) > 0 {
			d.logger.Warn("config changed; restart to apply", "sections", strings.Join(changed, ","))
		}
	})
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config watch unavailable", "path", d.loader.Path(), "error", err)
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-d.loader.Errors():
				d.logger.Warn("config reload rejected", "error", err)
			}
		}
	}()
}

func (d *daemon) monitorHealth(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	trigger := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				select {
				case trigger <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	interval := time.Duration(d.cfg.Health.IntervalSec) * time.Second
	d.health.Monitor(ctx, interval, trigger, d.logger.WithComponent("health"))
}

func (d *daemon) exportMetrics(ctx context.Context) {
	path := d.cfg.Metrics.TextfilePath
	ticker := time.NewTicker(time.Duration(d.cfg.Metrics.IntervalSec) * time.Second)
	defer ticker.Stop()

	write := func() {
		d.metrics.UpdateUptime()
		if err := d.metrics.Registry().WriteTextfile(path); err != nil {
			d.logger.Warn("write metrics", "path", path, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}

func readClientKey(path string) (string, error) {
	data, err := security.ReadSecretFile(path, 4096)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func writeClientKey(path, key string) error {
	return security.WriteSecretFile(path, []byte(key+"\n"))
}

// lockPath is in the runtime dir when there is one, so a stale file from
// a previous boot is gone.
func lockPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "irbridge.lock")
	}
	return filepath.Join(logging.StateDir(), "irbridge.lock")
}

func printEntries(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No dispatched commands.")
		return
	}
	// Oldest first reads like a log.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		line := fmt.Sprintf("%s  %-8s %-14s %-12s", e.Time.Local().Format("2006-01-02 15:04:05.000"), e.Kind, e.Command, e.Remote)
		if e.Synthesized {
			line += " repeat"
		}
		if e.Code != "" {
			line += " code=" + e.Code
		}
		if e.Handled == 0 {
			line += " unhandled"
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}
