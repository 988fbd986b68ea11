package agents

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

//go:embed prompts/*.md
var builtinPrompts embed.FS

// PromptStore serves the system prompt of each stage. Files named
// <stage>.md in the override directory replace the built-in prompt; they are
// re-read on change when watching is enabled.
type PromptStore struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	builtin   map[Stage]string
	overrides map[Stage]string

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
	debounce    time.Duration
}

// NewPromptStore loads the built-in prompts and any overrides in dir.
// An empty dir disables overrides.
func NewPromptStore(dir string, logger *slog.Logger) (*PromptStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PromptStore{
		dir:       dir,
		logger:    logger.With("component", "prompts"),
		builtin:   make(map[Stage]string),
		overrides: make(map[Stage]string),
		debounce:  250 * time.Millisecond,
	}
	for _, stage := range Stages() {
		data, err := fs.ReadFile(builtinPrompts, "prompts/"+stage.String()+".md")
		if err != nil {
			return nil, fmt.Errorf("load built-in %s prompt: %w", stage, err)
		}
		s.builtin[stage] = strings.TrimSpace(string(data))
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Prompt returns the active prompt for stage.
func (s *PromptStore) Prompt(stage Stage) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.overrides[stage]; ok {
		return p
	}
	return s.builtin[stage]
}

// Overridden reports whether stage is using a file from the override directory.
func (s *PromptStore) Overridden(stage Stage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.overrides[stage]
	return ok
}

// Reload re-reads the override directory. Missing and empty files fall back
// to the built-in prompt.
func (s *PromptStore) Reload() error {
	if s.dir == "" {
		return nil
	}
	overrides := make(map[Stage]string)
	for _, stage := range Stages() {
		path := filepath.Join(s.dir, stage.String()+".md")
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read prompt override %s: %w", path, err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			overrides[stage] = text
		}
	}

	s.mu.Lock()
	s.overrides = overrides
	s.mu.Unlock()
	s.logger.Debug("prompt overrides loaded", "dir", s.dir, "count", len(overrides))
	return nil
}

// StartWatching reloads overrides whenever files in the override directory
// change. It is a no-op without an override directory or when already watching.
func (s *PromptStore) StartWatching(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch prompt dir %s: %w", s.dir, err)
	}
	s.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops watching.
func (s *PromptStore) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.watchWg.Wait()
	return nil
}

func (s *PromptStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.watchWg.Done()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, func() {
			if err := s.Reload(); err != nil {
				s.logger.Warn("prompt reload failed", "error", err)
				return
			}
			s.logger.Info("prompt overrides reloaded")
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("prompt watch error", "error", err)
		}
	}
}
