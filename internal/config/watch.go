package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher re-reads the config file when it changes on disk and republishes
// the interview tuning knobs. Only interview tuning is hot-reloadable;
// everything else requires a restart.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu      sync.RWMutex
	tuning  InterviewConfig
	started bool
}

// NewWatcher creates a watcher seeded with the currently loaded tuning.
func NewWatcher(path string, initial InterviewConfig, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		stopCh:  make(chan struct{}),
		tuning:  initial,
	}, nil
}

// Interview returns the current interview tuning snapshot.
func (w *Watcher) Interview() InterviewConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tuning
}

// Start begins watching the config file's directory. Watching the directory
// rather than the file survives editors that replace via rename.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	w.logger.Info("Config watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.stopCh)
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Small delay to handle rapid successive writes
			time.Sleep(50 * time.Millisecond)
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("Config reload rejected, keeping previous tuning",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	old := w.tuning
	w.tuning = cfg.Interview
	w.mu.Unlock()

	if old != cfg.Interview {
		w.logger.Info("Interview tuning reloaded",
			zap.Int("total_time_s", cfg.Interview.TotalTimeS),
			zap.Int("wrap_up_threshold_s", cfg.Interview.WrapUpThreshold),
			zap.Int("max_topics", cfg.Interview.MaxTopics),
			zap.Int("max_follow_ups", cfg.Interview.MaxFollowUps),
		)
	}
}
