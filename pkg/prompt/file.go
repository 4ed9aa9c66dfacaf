package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileProvider serves the contents of a prompt file. With watching enabled
// it re-reads on change so edits show up in the next generation without a
// restart.
type FileProvider struct {
	base
	path      string
	variables map[string]string

	mu      sync.RWMutex
	content string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ Provider = (*FileProvider)(nil)

func NewFileProvider(id string, priority int, enabled bool, path string, variables map[string]string, watch bool) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve prompt file path: %w", err)
	}

	p := &FileProvider{
		path:      absPath,
		variables: variables,
	}
	p.init(id, priority, enabled)

	if err := p.reload(); err != nil {
		return nil, err
	}

	if watch {
		if err := p.startWatching(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *FileProvider) Content(_ context.Context, _ *Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.content, nil
}

// reload reads the file and swaps the served content. After the initial
// load, failures keep the previous content.
func (p *FileProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read prompt file %s: %w", p.path, err)
	}

	content := substituteVariables(string(data), p.variables)

	p.mu.Lock()
	p.content = content
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) startWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory containing the file
	// (some systems don't support watching files directly)
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	p.watcher = watcher
	p.done = make(chan struct{})

	go p.watchLoop(watcher, filepath.Base(p.path))

	slog.Debug("Watching prompt file", "provider", p.id, "path", p.path)
	return nil
}

func (p *FileProvider) watchLoop(watcher *fsnotify.Watcher, fileName string) {
	// Debounce timer to coalesce rapid changes
	var debounceTimer *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-p.done:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := p.reload(); err != nil {
						slog.Warn("Failed to reload prompt file, keeping previous content",
							"provider", p.id, "path", p.path, "error", err)
						return
					}
					slog.Debug("Prompt file reloaded", "provider", p.id, "path", p.path)
				})
			} else if event.Op&fsnotify.Remove == fsnotify.Remove {
				slog.Warn("Prompt file was deleted, keeping previous content",
					"provider", p.id, "path", p.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Prompt file watcher error", "provider", p.id, "error", err)
		}
	}
}

// Close stops the watcher if one is running.
func (p *FileProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	close(p.done)
	err := p.watcher.Close()
	p.watcher = nil
	return err
}
