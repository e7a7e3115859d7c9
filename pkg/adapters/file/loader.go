// Package file loads agent definitions from YAML files in a directory and
// watches the directory for changes.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
)

// DefaultDebounce coalesces bursts of events on the same file.
const DefaultDebounce = 100 * time.Millisecond

var extensions = []string{".yaml", ".yml"}

// Loader implements ports.DefinitionLoader and ports.Watchable.
// An agent id is the file name without its extension.
type Loader struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// Option configures the Loader.
type Option func(*Loader)

// WithLogger sets the logger used by Watch.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// WithDebounce sets the delay used to coalesce change events.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) { l.debounce = d }
}

// NewLoader creates a loader reading from dir.
func NewLoader(dir string, opts ...Option) *Loader {
	l := &Loader{
		dir:      dir,
		debounce: DefaultDebounce,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the watched directory.
func (l *Loader) Dir() string { return l.dir }

// Load reads the definition of an agent.
func (l *Loader) Load(ctx context.Context, id string) ([]byte, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: invalid id %q", domain.ErrAgentNotFound, id)
	}
	for _, ext := range extensions {
		data, err := os.ReadFile(filepath.Join(l.dir, id+ext))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read definition %s: %w", id, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
}

// List returns the ids of every definition file, sorted.
func (l *Loader) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	seen := make(map[string]bool)
	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := idOf(entry.Name())
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Watch reports the id of every definition file written, created, renamed
// or removed. The channel is closed when ctx is done.
func (l *Loader) Watch(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	l.logger.Info("Watching definitions", "dir", l.dir)

	out := make(chan string, 16)
	go l.watchLoop(ctx, watcher, out)
	return out, nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan string) {
	var (
		mu      sync.Mutex
		timers  = make(map[string]*time.Timer)
		pending sync.WaitGroup
		closed  bool
		done    = make(chan struct{})
	)
	defer func() {
		_ = watcher.Close()
		mu.Lock()
		for id, t := range timers {
			if t.Stop() {
				pending.Done()
			}
			delete(timers, id)
		}
		closed = true
		mu.Unlock()
		close(done)
		pending.Wait()
		close(out)
	}()

	notify := func(id string) {
		mu.Lock()
		if t, ok := timers[id]; ok && t.Stop() {
			pending.Done()
		}
		pending.Add(1)
		timers[id] = time.AfterFunc(l.debounce, func() {
			defer pending.Done()
			mu.Lock()
			delete(timers, id)
			stop := closed
			mu.Unlock()
			if stop {
				return
			}
			select {
			case out <- id:
			case <-ctx.Done():
			case <-done:
			}
		})
		mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			id, ok := idOf(filepath.Base(event.Name))
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug("Definition changed", "agent_id", id, "op", event.Op.String())
			notify(id)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("File watcher error", "err", err)
		}
	}
}

func idOf(name string) (string, bool) {
	ext := filepath.Ext(name)
	for _, e := range extensions {
		if ext == e {
			id := strings.TrimSuffix(name, ext)
			return id, id != "" && !strings.HasPrefix(id, ".")
		}
	}
	return "", false
}
