package calibration

import (
	"context"
	"path/filepath"
	"sync"

	"airquality-cloud/internal/instruments/registry"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader reads artifacts from a directory and caches parsed models.
type Loader struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*LinearModel
}

// NewLoader constructs a loader over dir.
func NewLoader(dir string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{dir: dir, logger: logger, cache: make(map[string]*LinearModel)}
}

// Load returns the predictor of an artifact file name.
func (l *Loader) Load(filename string) (registry.Predictor, error) {
	name, err := cleanName(filename)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	model, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return model, nil
	}

	model, err = ReadArtifact(filepath.Join(l.dir, name))
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache[name] = model
	l.mu.Unlock()
	return model, nil
}

// Invalidate drops a cached artifact.
func (l *Loader) Invalidate(filename string) {
	l.mu.Lock()
	delete(l.cache, filepath.Base(filename))
	l.mu.Unlock()
}

// Cached reports whether an artifact is cached.
func (l *Loader) Cached(filename string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.cache[filepath.Base(filename)]
	return ok
}

// Watch invalidates cached artifacts when their files change. It runs until
// ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return err
	}
	l.logger.Info("calibration: watching models", zap.String("dir", l.dir))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			l.Invalidate(event.Name)
			l.logger.Info("calibration: artifact changed", zap.String("file", filepath.Base(event.Name)))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("calibration: watcher error", zap.Error(err))
		}
	}
}
