package intake

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drblury/flowrunner/internal/runtime/ids"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/metadata"
)

// Subdirectories that receive handled files.
const (
	ProcessedDir = "processed"
	ErrorDir     = "error"
)

// DirectoryOptions configure a DirectoryListener.
type DirectoryOptions struct {
	Heartbeat time.Duration
	Logger    logging.ServiceLogger
}

// DirectoryListener feeds every regular file that appears in a directory to
// the receiver and then moves it to processed/ or error/. Producers should
// write elsewhere and rename into the directory so files are complete when
// they appear.
type DirectoryListener struct {
	dir       string
	heartbeat time.Duration
	logger    logging.ServiceLogger

	mu      sync.Mutex
	handler listener.Handler
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDirectoryListener returns a listener for dir.
func NewDirectoryListener(dir string, opts DirectoryOptions) (*DirectoryListener, error) {
	if dir == "" {
		return nil, errors.New("flowrunner: directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &DirectoryListener{
		dir:       dir,
		heartbeat: heartbeat,
		logger:    logger.With(logging.LogFields{"directory": dir}),
	}, nil
}

func (l *DirectoryListener) Dir() string { return l.dir }

func (l *DirectoryListener) SetHandler(h listener.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Open creates the directories, starts watching and then handles the files
// already present.
func (l *DirectoryListener) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler == nil {
		return errNoHandler
	}
	if l.cancel != nil {
		return nil
	}

	for _, d := range []string{l.dir, filepath.Join(l.dir, ProcessedDir), filepath.Join(l.dir, ErrorDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.watcher = watcher
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, watcher, l.handler, l.done)
	return nil
}

// Close stops watching and waits for the file being handled, up to ctx.
func (l *DirectoryListener) Close(ctx context.Context) error {
	l.mu.Lock()
	cancel, done, watcher := l.cancel, l.done, l.watcher
	l.cancel, l.done, l.watcher = nil, nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	closeErr := watcher.Close()
	select {
	case <-done:
		return closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *DirectoryListener) run(ctx context.Context, watcher *fsnotify.Watcher, h listener.Handler, done chan struct{}) {
	defer close(done)

	l.drainExisting(ctx, h)

	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ReportPoll(time.Now())
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			l.handleFile(ctx, event.Name, h)
			h.ReportPoll(time.Now())
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Directory watcher error", logging.LogFields{"error": err.Error()})
		}
	}
}

func (l *DirectoryListener) drainExisting(ctx context.Context, h listener.Handler) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.logger.Error("Listing directory failed", err, nil)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		l.handleFile(ctx, filepath.Join(l.dir, name), h)
	}
	h.ReportPoll(time.Now())
}

func (l *DirectoryListener) handleFile(ctx context.Context, path string, h listener.Handler) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		// moved away or not a plain file
		return
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Error("Reading file failed", err, logging.LogFields{"file": name})
		}
		return
	}

	raw := &listener.RawMessage{
		ID:         ids.MessageID(),
		Payload:    payload,
		Metadata:   metadata.New(metadata.KeySourceFile, name),
		ReceivedAt: time.Now(),
	}
	res := h.Handle(ctx, "", raw)

	target := ProcessedDir
	if !res.OK() {
		target = ErrorDir
	}
	dest := filepath.Join(l.dir, target, name)
	if err := os.Rename(path, dest); err != nil {
		l.logger.Error("Moving handled file failed", err, logging.LogFields{"file": name, "target": target})
		return
	}
	l.logger.Debug("File handled", logging.LogFields{
		"file":           name,
		"target":         target,
		"correlation_id": res.CorrelationID,
	})
}
