package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irbridge/internal/config"
	"irbridge/internal/health"
	"irbridge/internal/input"
	"irbridge/internal/journal"
	"irbridge/internal/logging"
)

func TestClientKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tv-client-key")

	key, err := readClientKey(path)
	require.NoError(t, err)
	assert.Empty(t, key, "missing file means not paired")

	require.NoError(t, writeClientKey(path, "c0ffee"))
	key, err = readClientKey(path)
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", key)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestPrintEntries(t *testing.T) {
	at := time.Date(2024, 3, 1, 20, 0, 0, 0, time.Local)
	entries := []journal.Entry{
		{Time: at.Add(time.Second), Kind: "signal", Command: "nav_mode_on", Remote: "chromecast", Code: "nav", Handled: 1},
		{Time: at, Kind: "command", Command: "volume_up", Remote: "chromecast", Synthesized: true, Handled: 0},
	}

	var buf bytes.Buffer
	printEntries(&buf, entries)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "volume_up")
	assert.True(t, strings.HasSuffix(lines[0], "repeat unhandled"))
	assert.True(t, strings.HasSuffix(lines[1], "code=nav"))

	buf.Reset()
	printEntries(&buf, nil)
	assert.Equal(t, "No dispatched commands.\n", buf.String())
}

func testDaemon(cfg *config.Config) *daemon {
	return &daemon{
		cfg:    cfg,
		stdin:  strings.NewReader(""),
		logger: logging.Discard(),
		health: health.NewChecker(),
	}
}

func TestBuildSources(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Inputs = []config.InputConfig{
		{Name: "ir0", Type: "evdev", Device: filepath.Join(t.TempDir(), "event9")},
		{Name: "keys", Type: "terminal"},
	}

	d := testDaemon(cfg)
	d.terminal = true
	sources, err := d.buildSources()
	require.NoError(t, err)
	require.Len(t, sources, 2, "-terminal does not add a second reader of stdin")
	assert.Equal(t, "ir0", sources[0].Name())
	assert.Equal(t, "keys", sources[1].Name())

	results := d.health.Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, results["input:ir0"].Status)
}

func TestBuildSourcesTerminalFlag(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Inputs = nil

	d := testDaemon(cfg)
	_, err := d.buildSources()
	assert.ErrorIs(t, err, input.ErrNoSources)

	d.terminal = true
	sources, err := d.buildSources()
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "terminal", sources[0].Name())
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "/tmp/x.toml", resolveConfigPath("/tmp/x.toml"))

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "irbridge", "config.toml"), resolveConfigPath(""))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "irbridge"), 0700))
	yaml := filepath.Join(dir, "irbridge", "config.yaml")
	require.NoError(t, os.WriteFile(yaml, []byte("version: 1\n"), 0600))
	assert.Equal(t, yaml, resolveConfigPath(""))
}

func TestTerminalRemote(t *testing.T) {
	assert.Equal(t, config.TerminalRemote, terminalRemote(""))
	assert.Equal(t, "sony", terminalRemote("sony"))
}

func TestPruneCrashReports(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Logging.CrashDir = dir
	cfg.Logging.MaxAgeDays = 7

	old := filepath.Join(dir, "crash-tv-20240101-000000.000000.json")
	fresh := filepath.Join(dir, "crash-receiver-20240301-000000.000000.json")
	require.NoError(t, os.WriteFile(old, []byte(`{"component":"tv"}`), 0640))
	require.NoError(t, os.WriteFile(fresh, []byte(`{"component":"receiver"}`), 0640))
	stale := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	var buf bytes.Buffer
	logger, err := logging.New(&logging.Config{Level: logging.LevelInfo, Writer: &buf})
	require.NoError(t, err)

	d := testDaemon(cfg)
	d.logger = logger
	d.crash = logging.NewCrashHandler(logging.CrashHandlerConfig{Dir: dir, Logger: logging.Discard()})
	d.pruneCrashReports()

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.Contains(t, buf.String(), "crash reports from earlier runs")
	assert.Contains(t, buf.String(), "last_component=receiver")
}

func TestSnapshotArgsSorted(t *testing.T) {
	args := snapshotArgs(map[string]any{"repeats": uint64(4), "events": uint64(9), "accepted": uint64(3)})
	assert.Equal(t, []any{"accepted", uint64(3), "events", uint64(9), "repeats", uint64(4)}, args)
}
