//go:build windows

package config

// registerSignalHandler is a no-op on Windows, which has no SIGHUP. The
// fsnotify watcher still covers file edits.
func (r *Reloader) registerSignalHandler() {}
