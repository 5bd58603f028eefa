// SPDX-License-Identifier: Apache-2.0

// Package file reads office snapshots written to disk by an external
// snapshot builder.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adiadia/agent-office/internal/domain"
	"github.com/fsnotify/fsnotify"
)

// Source reads a JSON-encoded domain.Snapshot from a single file.
type Source struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func New(path string, logger *slog.Logger) (*Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("snapshot file path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{
		path:   filepath.Clean(path),
		logger: logger,
	}, nil
}

func (s *Source) Path() string {
	return s.path
}

// Snapshot reads and validates the current snapshot file.
func (s *Source) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read snapshot file %s: %w", s.path, err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidSnapshot, s.path, err)
	}
	if err := snap.Validate(); err != nil {
		return domain.Snapshot{}, err
	}

	return snap, nil
}

// Check reports whether the snapshot file exists.
func (s *Source) Check(ctx context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("snapshot file %s does not exist", s.path)
		}
		return err
	}
	return nil
}

// Watch calls onChange whenever the snapshot file is written, created or
// renamed into place. The parent directory is watched because builders
// usually replace the file atomically.
func (s *Source) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	s.logger.Info("watching snapshot file for changes", "path", s.path)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("snapshot watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				s.logger.Debug("snapshot file changed", "path", event.Name, "op", event.Op.String())
				onChange()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("snapshot watch error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops watching the snapshot file.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}
