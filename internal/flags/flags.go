package flags

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Flags change classifier behavior without a deployment.
// They are read once per classification call.
type Flags struct {
	ClassifierDisabled bool   `yaml:"classifier_disabled"`
	TextModel          string `yaml:"text_model"`
	ImageModel         string `yaml:"image_model"`
}

// Source provides the flags currently in effect
type Source interface {
	Current() Flags
}

// Static is a fixed set of flags
type Static Flags

// Current implements Source
func (s Static) Current() Flags {
	return Flags(s)
}

// FileSource serves flags from a YAML file and reloads them whenever the file changes.
// Fields missing from the file fall back to the defaults it was created with.
type FileSource struct {
	path     string
	defaults Flags
	current  atomic.Pointer[Flags]
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
}

// Watch loads path and starts watching it until ctx is done.
// A missing file is not an error: defaults apply until it appears.
func Watch(ctx context.Context, path string, defaults Flags, logger *zap.Logger) (*FileSource, error) {
	s := &FileSource{
		path:     filepath.Clean(path),
		defaults: defaults,
		logger:   logger,
	}
	s.current.Store(&defaults)

	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create flags watcher: %w", err)
	}
	// Watch the directory: editors and config management replace files by rename.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch flags directory: %w", err)
	}
	s.watcher = watcher

	go s.loop(ctx)

	logger.Info("Watching classifier flags",
		zap.String("path", s.path),
		zap.Bool("classifier_disabled", s.Current().ClassifierDisabled))

	return s, nil
}

// Current implements Source
func (s *FileSource) Current() Flags {
	return *s.current.Load()
}

func (s *FileSource) loop(ctx context.Context) {
	defer s.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				s.logger.Warn("Failed to reload classifier flags, keeping previous values",
					zap.String("path", s.path), zap.Error(err))
				continue
			}
			f := s.Current()
			s.logger.Info("Classifier flags reloaded",
				zap.Bool("classifier_disabled", f.ClassifierDisabled),
				zap.String("text_model", f.TextModel),
				zap.String("image_model", f.ImageModel))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Flags watcher error", zap.Error(err))
		}
	}
}

func (s *FileSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	// Writers truncate before writing; an empty read is a partial write, not a config.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	f := s.defaults
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to decode flags file: %w", err)
	}
	if f.TextModel == "" {
		f.TextModel = s.defaults.TextModel
	}
	if f.ImageModel == "" {
		f.ImageModel = s.defaults.ImageModel
	}

	s.current.Store(&f)
	return nil
}
