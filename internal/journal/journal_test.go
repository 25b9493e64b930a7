package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irbridge/internal/dispatch"
	"irbridge/internal/logging"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	v, err := schemaVersion(j.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestAppendAndRecent(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	s, err := j.StartSession(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Len(t, s.ID, 36)

	base := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	require.NoError(t, j.Append(ctx, []Entry{
		{SessionID: s.ID, Time: base, Command: "volume_up", Remote: "denon", Kind: "command", Chain: 1, Handled: 1},
		{SessionID: s.ID, Time: base.Add(200 * time.Millisecond), Command: "volume_up", Remote: "denon", Kind: "command", Synthesized: true, Chain: 1, Handled: 1},
		{SessionID: s.ID, Time: base.Add(time.Second), Command: "nav_on", Remote: "lg", Kind: "command", Chain: 2, Code: "nav"},
	}))

	entries, err := j.Recent(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "nav_on", entries[0].Command)
	assert.Equal(t, "nav", entries[0].Code)
	assert.Equal(t, 0, entries[0].Handled)
	assert.True(t, entries[1].Time.Equal(base))

	entries, err = j.Recent(ctx, 10, true)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.True(t, entries[1].Synthesized)
	assert.Equal(t, uint64(1), entries[1].Chain)

	sessions, err := j.Sessions(ctx, 5)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "1.0.0", sessions[0].Version)
}

func TestPrune(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	s, err := j.StartSession(ctx, "dev")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, j.Append(ctx, []Entry{
		{SessionID: s.ID, Time: now.Add(-48 * time.Hour), Command: "mute", Kind: "command"},
		{SessionID: s.ID, Time: now, Command: "mute", Kind: "command"},
	}))

	n, err := j.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	sessions, err := j.Sessions(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestRecorderWritesOnShutdown(t *testing.T) {
	j := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := j.StartSession(ctx, "dev")
	require.NoError(t, err)

	r := NewRecorder(j, RecorderConfig{
		SessionID:     s.ID,
		FlushInterval: time.Hour,
		Logger:        logging.Discard(),
	})
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Observe(dispatch.Event{Time: time.Now(), Command: "mute", Remote: "sony", Chain: 3}, 1)
	r.Observe(dispatch.Event{Time: time.Now(), Command: "nav_off", Kind: dispatch.KindSignal, Code: "nav"}, 0)

	cancel()
	<-done

	assert.Equal(t, uint64(2), r.Written())
	entries, err := j.Recent(context.Background(), 10, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	kinds := []string{entries[0].Kind, entries[1].Kind}
	assert.ElementsMatch(t, []string{"command", "signal"}, kinds)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	j := openTest(t)
	r := NewRecorder(j, RecorderConfig{QueueSize: 2, Logger: logging.Discard()})

	for i := 0; i < 5; i++ {
		r.Observe(dispatch.Event{Command: "up"}, 1)
	}
	assert.Equal(t, uint64(3), r.Dropped())
}
