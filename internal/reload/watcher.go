// Package reload watches configuration source files and reports debounced
// change batches.
package reload

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/config"
)

// DefaultDebounce is the quiet period after the last event before a batch is reported.
const DefaultDebounce = 250 * time.Millisecond

// Option configures a watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger.With().Str("component", "reload").Logger()
	}
}

// Watcher keeps track of configuration source files and reports modifications.
// Directories are watched instead of files so editors that replace a file by
// rename are still noticed.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	files    map[string]struct{}
	rootDirs map[string]struct{}
	watched  map[string]struct{}

	changes   chan []string
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWatcher builds a watcher for the files that make up cfg. root is the
// path the configuration was loaded from; when it is a directory, YAML files
// created in it later also count as changes.
func NewWatcher(root string, cfg *config.Config, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:       fsw,
		debounce: DefaultDebounce,
		logger:   zerolog.Nop(),
		files:    make(map[string]struct{}),
		rootDirs: make(map[string]struct{}),
		watched:  make(map[string]struct{}),
		changes:  make(chan []string, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if err := w.Update(root, cfg); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Update rebuilds the tracked file list from the provided configuration.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := config.SourceFiles(cfg)
	rootDirs := make(map[string]struct{})
	if root = strings.TrimSpace(root); root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			if info, err := os.Stat(abs); err == nil {
				if info.IsDir() {
					rootDirs[abs] = struct{}{}
				} else {
					paths = append(paths, abs)
				}
			}
		}
	}

	files := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for dir := range rootDirs {
		dirs[dir] = struct{}{}
	}
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		files[path] = struct{}{}
		dirs[filepath.Dir(path)] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.watched {
		if _, keep := dirs[dir]; keep {
			continue
		}
		_ = w.fs.Remove(dir)
		delete(w.watched, dir)
	}
	for dir := range dirs {
		if _, ok := w.watched[dir]; ok {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.watched[dir] = struct{}{}
	}
	w.files = files
	w.rootDirs = rootDirs
	return nil
}

// Files returns the tracked files in sorted order.
func (w *Watcher) Files() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	files := make([]string, 0, len(w.files))
	for file := range w.files {
		files = append(files, file)
	}
	sort.Strings(files)
	return files
}

// Changes delivers sorted batches of changed files. A nil watcher returns a
// nil channel, which blocks forever in a select.
func (w *Watcher) Changes() <-chan []string {
	if w == nil {
		return nil
	}
	return w.changes
}

// Close stops watching. The Changes channel is closed afterwards.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
		close(w.changes)
	})
	return err
}

func (w *Watcher) relevant(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return "", false
	}
	path := filepath.Clean(event.Name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; ok {
		return path, true
	}
	if _, ok := w.rootDirs[filepath.Dir(path)]; ok {
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			return path, true
		}
	}
	return "", false
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			path, ok := w.relevant(event)
			if !ok {
				continue
			}
			w.logger.Debug().Str("file", path).Str("op", event.Op.String()).Msg("configuration file event")
			pending[path] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("configuration watcher error")
		case <-fire:
			fire = nil
			batch := make([]string, 0, len(pending))
			for path := range pending {
				batch = append(batch, path)
			}
			sort.Strings(batch)
			pending = make(map[string]struct{})
			select {
			case w.changes <- batch:
			case <-w.done:
				return
			}
		}
	}
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		path = filepath.Clean(path)
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
