// Package logwatch tails the engine's dated log file and forwards normalized
// lines to a sink.
package logwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dtrunner/pkg/failure"
	"dtrunner/pkg/logger"
	"dtrunner/pkg/metrics"
	"dtrunner/pkg/sink"
)

const (
	// LinePrefix marks forwarded engine log lines.
	LinePrefix = "DTLog>>> "

	StoppedNotice = "DemandTools LogWatcher stopped."

	DefaultMaxLineLength = 120
	DefaultPollInterval  = time.Second
)

// State of a Watcher.
type State int32

const (
	StateInitializing State = iota
	StateWaitingForFile
	StateTailing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateWaitingForFile:
		return "waiting_for_file"
	case StateTailing:
		return "tailing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls which file is watched and how lines are shaped.
type Config struct {
	// BaseDir holds one log folder per organization.
	BaseDir string
	// OrganizationID picks the folder; empty means the first one found.
	OrganizationID string
	MaxLineLength  int
	PollInterval   time.Duration
	Prefix         string
	Now            func() time.Time
}

func DefaultConfig(baseDir string) Config {
	return Config{
		BaseDir:       baseDir,
		MaxLineLength: DefaultMaxLineLength,
		PollInterval:  DefaultPollInterval,
		Prefix:        DefaultPrefix,
		Now:           time.Now,
	}
}

// Watcher follows one log file from its end. Start it once; Stop may be
// called any number of times from any goroutine.
type Watcher struct {
	cfg    Config
	sink   sink.Sink
	logger *zap.Logger
	open   func(name string) (*os.File, error)

	state   atomic.Int32
	started atomic.Bool
	path    atomic.Value

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(cfg Config, s sink.Sink, l *zap.Logger) *Watcher {
	if cfg.MaxLineLength == 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Watcher{
		cfg:    cfg,
		sink:   sink.OrDiscard(s),
		logger: logger.OrGlobal(l).With(zap.String("component", "logwatch")),
		open:   os.Open,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start resolves the log file and begins watching in the background. A
// missing log folder is reported here, before any goroutine starts.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("log watcher already started")
	}

	dir, err := w.resolveDir()
	if err != nil {
		w.finish()
		return err
	}

	path := filepath.Join(dir, LogFileName(w.cfg.Prefix, w.cfg.Now()))
	w.path.Store(path)
	w.sink.Emit(fmt.Sprintf("DemandTools LogWatcher initialized. Watching %q for changes", path))
	w.logger.Info("log watcher started", zap.String("path", path))

	w.setState(StateWaitingForFile)
	go w.run(ctx, path)
	return nil
}

// Stop asks the watcher to finish. It returns immediately; use Wait or Done
// to observe termination.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) Wait() {
	<-w.done
}

func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Path is the watched file, empty until Start succeeds.
func (w *Watcher) Path() string {
	p, _ := w.path.Load().(string)
	return p
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Watcher) resolveDir() (string, error) {
	if w.cfg.BaseDir == "" {
		return "", failure.Configf("log base directory is not set")
	}
	if w.cfg.OrganizationID != "" {
		return filepath.Join(w.cfg.BaseDir, w.cfg.OrganizationID), nil
	}

	entries, err := os.ReadDir(w.cfg.BaseDir)
	if err != nil {
		return "", failure.Configf("cannot read log directory %s: %v", w.cfg.BaseDir, err)
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			candidates = append(candidates, e.Name())
		}
	}
	if len(candidates) == 0 {
		return "", failure.Configf("no log folders found in %s", w.cfg.BaseDir)
	}
	if len(candidates) > 1 {
		w.logger.Warn("several organization log folders found; watching the first",
			zap.String("chosen", candidates[0]),
			zap.Strings("candidates", candidates))
	}
	return filepath.Join(w.cfg.BaseDir, candidates[0]), nil
}

func (w *Watcher) stopped(ctx context.Context) bool {
	select {
	case <-w.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits one poll interval; false means the watcher was stopped.
func (w *Watcher) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Watcher) finish() {
	w.setState(StateStopped)
	w.sink.Emit(StoppedNotice)
	close(w.done)
}

func (w *Watcher) run(ctx context.Context, path string) {
	defer w.finish()

	for {
		if w.stopped(ctx) {
			return
		}
		_, err := os.Stat(path)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Error("cannot stat log file", zap.String("path", path), zap.Error(err))
			return
		}
		if !w.sleep(ctx) {
			return
		}
	}

	f, err := w.open(path)
	if err != nil {
		w.logger.Error("cannot open log file", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	if err := w.tail(ctx, f); err != nil {
		w.logger.Error("log tailing failed", zap.String("path", path), zap.Error(err))
	}
}

// tail forwards complete lines appended after the current end of f.
func (w *Watcher) tail(ctx context.Context, f *os.File) error {
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	w.setState(StateTailing)
	reader := bufio.NewReader(f)

	for {
		if w.stopped(ctx) {
			return nil
		}

		line, err := reader.ReadString('\n')
		switch {
		case err == nil:
			offset += int64(len(line))
			w.forward(line)
		case errors.Is(err, io.EOF):
			// Leave any partial line for the next read.
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			reader.Reset(f)
			if !w.sleep(ctx) {
				return nil
			}
		default:
			return err
		}
	}
}

func (w *Watcher) forward(raw string) {
	if strings.TrimRight(raw, "\r\n") == "" {
		return
	}
	w.sink.Emit(LinePrefix + Normalize(raw, w.cfg.MaxLineLength))
	metrics.LogLinesForwarded.Inc()
}
