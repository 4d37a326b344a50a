// SPDX-License-Identifier: MPL-2.0

// Package watch re-runs provisioning when local inputs change.
//
// A Watcher follows two kinds of input: explicit files, such as the
// provisioner's --path file and the machine file, whose parent directories
// are watched so editors that save by rename are still seen, and doublestar
// patterns resolved against a base directory, which is watched recursively.
// Events inside the debounce window are coalesced into one callback.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is the quiet period after the last event before the
// callback fires. Editors often write then rename a temp file.
const defaultDebounce = 500 * time.Millisecond

// defaultIgnores are never reported, whatever the patterns say.
var defaultIgnores = []string{
	"**/.git/**",
	"**/result/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.#*",
	"**/4913",
}

// ErrNothingToWatch is returned by New when neither files nor patterns are set.
var ErrNothingToWatch = errors.New("watch: no files or patterns to watch")

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Files are local paths whose changes trigger the callback.
		Files []string

		// Patterns are doublestar globs relative to BaseDir, such as
		// "nix/**/*.nix".
		Patterns []string

		// BaseDir anchors Patterns. Defaults to the working directory.
		BaseDir string

		// Debounce falls back to defaultDebounce when zero or negative.
		Debounce time.Duration

		// OnChange receives the sorted changed paths, relative to BaseDir
		// when they lie under it. It runs on the watcher's goroutine, so a
		// slow callback delays the next one instead of overlapping it.
		OnChange func(ctx context.Context, changed []string) error

		Logger *log.Logger
	}

	// Watcher monitors the configured inputs. Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		files    map[string]struct{}
		baseDir  string
		debounce time.Duration
		logger   *log.Logger
		started  atomic.Bool
	}
)

// New validates cfg and registers the directories to watch.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Files) == 0 && len(cfg.Patterns) == 0 {
		return nil, ErrNothingToWatch
	}
	for _, pat := range cfg.Patterns {
		if !doublestar.ValidatePattern(filepath.ToSlash(pat)) {
			return nil, fmt.Errorf("watch: invalid pattern %q", pat)
		}
	}

	baseDir := cfg.BaseDir
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("watch: determine working directory: %w", err)
		}
		baseDir = wd
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve base directory: %w", err)
	}

	files := make(map[string]struct{}, len(cfg.Files))
	for _, f := range cfg.Files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve %q: %w", f, err)
		}
		files[abs] = struct{}{}
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		files:    files,
		baseDir:  absBase,
		debounce: debounce,
		logger:   logger,
	}
	if err := w.addDirectories(); err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			logger.Warn("close watcher after init failure", "err", closeErr)
		}
		return nil, err
	}
	return w, nil
}

// Run blocks until ctx is canceled, dispatching debounced callbacks. It
// returns nil on cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watch: Run called more than once")
	}
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close fsnotify", "err", err)
		}
	}()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if evt.Has(fsnotify.Chmod) && !evt.Has(fsnotify.Write) {
				continue
			}
			if evt.Has(fsnotify.Create) && len(w.cfg.Patterns) > 0 {
				w.maybeAddDir(evt.Name)
			}
			rel, ok := w.match(evt.Name)
			if !ok {
				continue
			}
			w.logger.Debug("input changed", "path", rel, "op", evt.Op.String())
			pending[rel] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			slices.Sort(changed)
			clear(pending)
			if w.cfg.OnChange != nil {
				if err := w.cfg.OnChange(ctx, changed); err != nil {
					w.logger.Error("change handler failed", "err", err)
				}
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn("fsnotify error", "err", err)
		}
	}
}

// addDirectories watches the parent of every file, plus the whole tree
// under BaseDir when patterns are set.
func (w *Watcher) addDirectories() error {
	dirs := make(map[string]struct{})
	for f := range w.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", dir, err)
		}
	}
	if len(w.cfg.Patterns) == 0 {
		return nil
	}

	walkErr := filepath.WalkDir(w.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping inaccessible path", "path", path, "err", err)
			return nil //nolint:nilerr // an unreadable subtree must not stop the walk
		}
		if !d.IsDir() {
			return nil
		}
		if w.isIgnored(w.rel(path) + "/") {
			return filepath.SkipDir
		}
		if _, seen := dirs[path]; seen {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("watch: walk directory tree: %w", walkErr)
	}
	return nil
}

// maybeAddDir extends the recursive watch to directories created after New.
func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	rel := w.rel(path)
	if strings.HasPrefix(rel, "..") || w.isIgnored(rel+"/") {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		w.logger.Warn("add new directory", "path", path, "err", err)
	}
}

// match reports whether path is a watched input and returns the name the
// callback receives for it.
func (w *Watcher) match(path string) (string, bool) {
	abs := filepath.Clean(path)
	rel := w.rel(abs)
	if _, ok := w.files[abs]; ok {
		if strings.HasPrefix(rel, "..") {
			return abs, true
		}
		return rel, true
	}
	if strings.HasPrefix(rel, "..") || w.isIgnored(rel) {
		return "", false
	}
	slashed := filepath.ToSlash(rel)
	for _, pat := range w.cfg.Patterns {
		if ok, err := doublestar.Match(filepath.ToSlash(pat), slashed); err == nil && ok {
			return rel, true
		}
	}
	return "", false
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.baseDir, path)
	if err != nil {
		return path
	}
	return rel
}

func (w *Watcher) isIgnored(rel string) bool {
	return isIgnored(filepath.ToSlash(rel))
}

func isIgnored(slashed string) bool {
	for _, pat := range defaultIgnores {
		if ok, err := doublestar.Match(pat, slashed); err == nil && ok {
			return true
		}
	}
	return false
}
