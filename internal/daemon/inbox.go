package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tasklane/tasklane/internal/pubsub"
	"github.com/tasklane/tasklane/internal/snapshot"
)

const (
	inboxExt     = ".jsonl"
	processedDir = "processed"
	failedDir    = "failed"
)

// InboxConfig holds configuration for the inbox watcher.
type InboxConfig struct {
	// Debounce is how long a file must stay unchanged before it is imported.
	// Writers appending line by line produce many events; this batches them.
	Debounce time.Duration
}

// DefaultInboxConfig returns sensible defaults.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{Debounce: 500 * time.Millisecond}
}

// InboxResult reports one processed inbox file.
type InboxResult struct {
	// Path is where the file was moved after processing.
	Path   string
	Result *snapshot.ImportResult
	Err    error
}

// Inbox imports JSONL files dropped into a directory. Each file is imported
// with overwrite semantics and then moved to processed/, or to failed/ when
// the import could not complete.
type Inbox struct {
	dir     string
	store   snapshot.Store
	config  InboxConfig
	logger  *zap.Logger
	results *pubsub.Broker[InboxResult]

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex
}

// NewInbox creates an inbox over dir. The directory is created by Run.
func NewInbox(dir string, st snapshot.Store, config InboxConfig, logger *zap.Logger) *Inbox {
	if config.Debounce <= 0 {
		config.Debounce = DefaultInboxConfig().Debounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		dir:         dir,
		store:       st,
		config:      config,
		logger:      logger.With(zap.String("component", "inbox")),
		results:     pubsub.New[InboxResult](),
		changeQueue: make(map[string]time.Time),
	}
}

// Results returns the broker announcing processed files.
func (in *Inbox) Results() *pubsub.Broker[InboxResult] {
	return in.results
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// Run imports files already waiting in the inbox and then watches it until
// ctx is done.
func (in *Inbox) Run(ctx context.Context) error {
	for _, sub := range []string{in.dir, filepath.Join(in.dir, processedDir), filepath.Join(in.dir, failedDir)} {
		if err := os.MkdirAll(sub, 0750); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", in.dir, err)
	}
	in.logger.Info("watching inbox", zap.String("dir", in.dir))

	// Files that arrived while the daemon was down.
	pending, err := in.scan()
	if err != nil {
		return err
	}
	for _, path := range pending {
		in.ProcessFile(ctx, path)
	}

	ticker := time.NewTicker(in.config.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isInboxFile(event.Name) {
				continue
			}
			in.queueChange(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("watcher error", zap.Error(err))

		case <-ticker.C:
			in.processPendingChanges(ctx)
		}
	}
}

func (in *Inbox) scan() ([]string, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && isInboxFile(e.Name()) {
			paths = append(paths, filepath.Join(in.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (in *Inbox) queueChange(path string) {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()
	in.changeQueue[path] = time.Now()
}

// processPendingChanges imports files that have been quiet for Debounce.
func (in *Inbox) processPendingChanges(ctx context.Context) {
	now := time.Now()

	in.changeQueueMu.Lock()
	var ready []string
	for path, queuedAt := range in.changeQueue {
		if now.Sub(queuedAt) < in.config.Debounce {
			continue
		}
		ready = append(ready, path)
		delete(in.changeQueue, path)
	}
	in.changeQueueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		if _, err := os.Stat(path); err != nil {
			// Already processed or removed by its writer.
			continue
		}
		in.ProcessFile(ctx, path)
	}
}

// ProcessFile imports one file and moves it out of the inbox.
func (in *Inbox) ProcessFile(ctx context.Context, path string) InboxResult {
	res, err := snapshot.ImportFile(ctx, in.store, path, snapshot.ImportOptions{Overwrite: true})

	dest := processedDir
	if err != nil {
		dest = failedDir
		in.logger.Error("inbox import failed", zap.String("file", path), zap.Error(err))
	} else {
		in.logger.Info("inbox file imported",
			zap.String("file", filepath.Base(path)),
			zap.Int("imported", res.Imported),
			zap.Int("deleted", res.Deleted),
			zap.Int("unchanged", res.Unchanged),
			zap.Int("errors", len(res.Errors)))
		for _, msg := range res.Errors {
			in.logger.Warn("skipped inbox record", zap.String("file", filepath.Base(path)), zap.String("error", msg))
		}
	}

	out := InboxResult{Path: path, Result: res, Err: err}
	target := filepath.Join(in.dir, dest, time.Now().UTC().Format("20060102T150405.000000000")+"-"+filepath.Base(path))
	if mvErr := os.Rename(path, target); mvErr != nil {
		in.logger.Error("failed to move inbox file", zap.String("file", path), zap.Error(mvErr))
	} else {
		out.Path = target
	}

	in.results.Publish(out)
	return out
}

func isInboxFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, inboxExt) && !strings.HasPrefix(base, ".")
}
