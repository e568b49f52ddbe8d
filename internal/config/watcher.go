package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes a change under a watched directory
type ChangeEvent struct {
	Dir       string    `json:"dir"`
	File      string    `json:"file"`
	Action    string    `json:"action"` // create, modify, delete, rename
	Timestamp time.Time `json:"timestamp"`
}

// ChangeHandler reacts to a change. Returned errors are logged.
type ChangeHandler func(event ChangeEvent) error

// DirWatcher watches a directory of YAML files, such as mission template
// overrides, and calls handlers after a short settle delay
type DirWatcher struct {
	dir      string
	settle   time.Duration
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	handlers []ChangeHandler

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDirWatcher creates a watcher for dir
func NewDirWatcher(dir string, logger *zap.Logger) (*DirWatcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("watch directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &DirWatcher{
		dir:     dir,
		settle:  50 * time.Millisecond,
		watcher: w,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// OnChange registers a handler. Must be called before Start.
func (d *DirWatcher) OnChange(h ChangeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Start begins watching
func (d *DirWatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if err := d.watcher.Add(d.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", d.dir, err)
	}
	d.started = true
	go d.loop()
	d.logger.Info("Directory watcher started", zap.String("dir", d.dir))
	return nil
}

// Stop ends watching and waits for the loop to exit
func (d *DirWatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return d.watcher.Close()
	}
	d.started = false
	close(d.stopCh)
	d.mu.Unlock()

	err := d.watcher.Close()
	<-d.doneCh
	d.logger.Info("Directory watcher stopped", zap.String("dir", d.dir))
	return err
}

func (d *DirWatcher) loop() {
	defer close(d.doneCh)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-d.stopCh:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handle(event)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (d *DirWatcher) handle(event fsnotify.Event) {
	if !isYAMLFile(event.Name) {
		return
	}
	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	default:
		// chmod
		return
	}
	if action == "create" || action == "modify" {
		// rapid successive writes
		time.Sleep(d.settle)
	}

	d.mu.Lock()
	handlers := make([]ChangeHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	ev := ChangeEvent{Dir: d.dir, File: filepath.Base(event.Name), Action: action, Timestamp: time.Now()}
	for _, h := range handlers {
		if err := h(ev); err != nil {
			d.logger.Error("Change handler failed",
				zap.String("file", ev.File),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
}

func isYAMLFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
