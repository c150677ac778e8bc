package logwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dtrunner/pkg/failure"
	"dtrunner/pkg/sink"
)

var testDay = time.Date(2026, time.March, 5, 9, 0, 0, 0, time.UTC)

func testConfig(base string) Config {
	cfg := DefaultConfig(base)
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Now = func() time.Time { return testDay }
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestWatcher_NoLogFolder(t *testing.T) {
	ring := sink.NewRing(10)
	w := New(testConfig(t.TempDir()), ring, zap.NewNop())

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsConfiguration(err))
	assert.Equal(t, StateStopped, w.State())

	select {
	case <-w.Done():
	default:
		t.Fatal("watcher should be done after a failed start")
	}
	assert.Equal(t, []string{StoppedNotice}, ring.Lines())
}

func TestWatcher_MissingBaseDir(t *testing.T) {
	w := New(testConfig(""), nil, zap.NewNop())
	assert.True(t, failure.IsConfiguration(w.Start(context.Background())))
}

func TestWatcher_PicksFirstFolder(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "00DB0000000bbbb"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(base, "00DA0000000aaaa"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "stray.txt"), nil, 0o644))

	w := New(testConfig(base), nil, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, filepath.Join(base, "00DA0000000aaaa", "DemandToolsLog_Mar052026.txt"), w.Path())
}

func TestWatcher_StopWhileWaitingNeverOpensFile(t *testing.T) {
	base := t.TempDir()
	cfg := testConfig(base)
	cfg.OrganizationID = "org"

	ring := sink.NewRing(10)
	w := New(cfg, ring, zap.NewNop())
	var opens atomic.Int32
	w.open = func(name string) (*os.File, error) {
		opens.Add(1)
		return os.Open(name)
	}

	require.NoError(t, w.Start(context.Background()))
	waitFor(t, func() bool { return w.State() == StateWaitingForFile })

	w.Stop()
	w.Stop()

	select {
	case <-w.Done():
	case <-time.After(cfg.PollInterval + 50*time.Millisecond):
		t.Fatal("watcher did not stop within one poll interval")
	}
	assert.Equal(t, StateStopped, w.State())
	assert.Zero(t, opens.Load())

	lines := ring.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "DemandTools LogWatcher initialized. Watching")
	assert.Equal(t, StoppedNotice, lines[1])
}

func TestWatcher_TailsNewLinesOnly(t *testing.T) {
	base := t.TempDir()
	org := filepath.Join(base, "org")
	require.NoError(t, os.Mkdir(org, 0o755))
	path := filepath.Join(org, LogFileName("", testDay))
	require.NoError(t, os.WriteFile(path, []byte("old,line that must be skipped\n"), 0o644))

	cfg := testConfig(base)
	cfg.MaxLineLength = 15
	ring := sink.NewRing(20)
	w := New(cfg, ring, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	waitFor(t, func() bool { return w.State() == StateTailing })

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("09:00:01,\"Starting\",,,\"dedupe\"\n\n")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(ring.Lines()) == 2 })

	// A partial line is held back until its newline arrives.
	_, err = f.WriteString("09:00:02,half a li")
	require.NoError(t, err)
	time.Sleep(3 * cfg.PollInterval)
	assert.Len(t, ring.Lines(), 2)

	_, err = f.WriteString("ne that is much too long\n")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(ring.Lines()) == 3 })

	w.Stop()
	w.Wait()

	assert.Equal(t, []string{
		`DemandTools LogWatcher initialized. Watching "` + path + `" for changes`,
		"DTLog>>> Starting|dedupe",
		"DTLog>>> half a line tha",
		StoppedNotice,
	}, ring.Lines())
}

func TestWatcher_ContextCancelStops(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.OrganizationID = "org"
	w := New(cfg, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher ignored context cancellation")
	}
}

func TestWatcher_StartTwice(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.OrganizationID = "org"
	w := New(cfg, nil, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Error(t, w.Start(context.Background()))
}
