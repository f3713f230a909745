package rules

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/winspan/dnsguard/pkg/logger"
)

const reloadDelay = 200 * time.Millisecond

// Watcher reloads the built-in list files into an Engine when they change.
type Watcher struct {
	engine      *Engine
	generalPath string
	childPath   string
	log         *logger.Logger

	fw   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directories holding the given files. Empty paths
// are ignored.
func NewWatcher(engine *Engine, generalPath, childPath string, log *logger.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	dirs := map[string]struct{}{}
	for _, p := range []string{generalPath, childPath} {
		if p != "" {
			dirs[filepath.Dir(p)] = struct{}{}
		}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w := &Watcher{
		engine:      engine,
		generalPath: filepath.Clean(generalPath),
		childPath:   filepath.Clean(childPath),
		log:         log,
		fw:          fw,
		done:        make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(ev.Name)
			if name != w.generalPath && name != w.childPath {
				continue
			}
			w.schedule()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("list watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// schedule coalesces bursts of events (editors write in several steps).
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDelay, w.Reload)
}

// Reload reads both files and swaps them into the engine. On a parse error
// the previous lists stay active.
func (w *Watcher) Reload() {
	general, child, err := LoadBuiltinFiles(pathOrEmpty(w.generalPath), pathOrEmpty(w.childPath))
	if err != nil {
		w.log.Error("reload lists: %v", err)
		return
	}
	w.engine.LoadBuiltins(general, child)
	w.log.Info("reloaded built-in lists: %d general, %d child", len(general), len(child))
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fw.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

// filepath.Clean("") is "."
func pathOrEmpty(p string) string {
	if p == "." {
		return ""
	}
	return p
}
