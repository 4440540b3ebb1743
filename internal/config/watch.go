package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// WatchLogging re-reads the logging section whenever the config file changes
// and passes valid results to apply. Only levels are expected to change at
// runtime; format and output changes take effect on restart.
func WatchLogging(v *viper.Viper, apply func(LoggingConfig)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var lc LoggingConfig
		if err := v.UnmarshalKey("logging", &lc); err != nil {
			slog.Warn("config reload: failed to decode logging section", "file", e.Name, "error", err)
			return
		}
		if err := lc.Validate(); err != nil {
			slog.Warn("config reload: rejected logging section", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reload: logging levels updated", "file", e.Name, "level", lc.Level)
		apply(lc)
	})
	v.WatchConfig()
}
