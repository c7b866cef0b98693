package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mcpgate/mcpgate/internal/logx"
)

// Reloader watches the config file and re-applies it on changes. Each reload
// overlays the file onto the startup config, so removing a key reverts the
// value to its flag or default. It reacts to fsnotify write events and to
// SIGHUP (Unix only, registered in reload_signal.go).
type Reloader struct {
	mu        sync.RWMutex
	base      Config
	current   *Config
	path      string
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewReloader creates a Reloader for the given config file path. startup is
// the fully resolved config the process booted with.
func NewReloader(path string, startup *Config) *Reloader {
	return &Reloader{
		base:    *startup,
		current: startup,
		path:    path,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback invoked with the new config after a
// successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file and listening for SIGHUP. Must be
// called once after NewReloader.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logx.Log.Error().Err(err).Msg("config watcher unavailable")
		return
	}
	r.watcher = watcher

	if err := watcher.Add(r.path); err != nil {
		logx.Log.Error().Err(err).Str("path", r.path).Msg("watch config file")
		_ = watcher.Close()
		r.watcher = nil
		return
	}
	logx.Log.Info().Str("path", r.path).Msg("config file watcher started")

	go r.watchLoop()
	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
}

// Reload re-reads the config file, overlays it onto the startup config, and
// if valid swaps it in and notifies callbacks. Returns true on success.
// Exported so signal handlers and tests can call it.
func (r *Reloader) Reload() bool {
	f, err := ParseFile(r.path)
	if err != nil {
		logx.Log.Error().Err(err).Str("path", r.path).Msg("config reload failed, keeping current")
		return false
	}
	next := r.base
	if err := next.Apply(f); err != nil {
		logx.Log.Error().Err(err).Str("path", r.path).Msg("config reload failed, keeping current")
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = &next
	callbacks := append([]func(*Config){}, r.callbacks...)
	r.mu.Unlock()

	r.logChanges(old, &next)
	for _, cb := range callbacks {
		cb(&next)
	}
	logx.Log.Info().Str("path", r.path).Msg("configuration reloaded")
	return true
}

// watchLoop processes fsnotify events with debouncing. Editors often emit
// several write events per save.
func (r *Reloader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					r.Reload()
				})
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logx.Log.Error().Err(err).Msg("config watcher error")
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (r *Reloader) logChanges(old, next *Config) {
	if old.LogLevel != next.LogLevel || old.LogFormat != next.LogFormat {
		logx.Log.Info().
			Str("old_level", old.LogLevel).Str("new_level", next.LogLevel).
			Str("old_format", old.LogFormat).Str("new_format", next.LogFormat).
			Msg("log config changed")
	}
	if old.CacheTTL != next.CacheTTL || len(old.CacheMethods) != len(next.CacheMethods) {
		logx.Log.Info().
			Dur("old_ttl", old.CacheTTL).Dur("new_ttl", next.CacheTTL).
			Strs("methods", next.CacheMethods).
			Msg("cache policy changed")
	}
	if old.RequestsPerSecond != next.RequestsPerSecond || old.Burst != next.Burst {
		logx.Log.Info().
			Float64("old_rps", old.RequestsPerSecond).Float64("new_rps", next.RequestsPerSecond).
			Int("old_burst", old.Burst).Int("new_burst", next.Burst).
			Msg("rate limit changed")
	}
}
