package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeFunc receives the settings before and after a config file edit.
type ChangeFunc func(old, next Settings)

// Watch re-decodes v whenever its config file is written and calls fn with
// the previous and new settings. Invalid edits are logged and skipped, so the
// last good settings stay in effect. current is the starting point.
func Watch(v *viper.Viper, current Settings, fn ChangeFunc, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if v.ConfigFileUsed() == "" {
		return
	}
	var mu sync.Mutex
	last := current
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := Decode(v)
		if err != nil {
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		mu.Lock()
		old := last
		last = next
		mu.Unlock()
		logger.Info("config file changed", "file", e.Name, "restart_required", old.RestartRequired(next))
		fn(old, next)
	})
	v.WatchConfig()
}
