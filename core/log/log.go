// Package log initializes the process-wide logrus instance used by every
// bus, gateway and tool component.
package log

import (
	"github.com/evergreen-oss/osrfgo/core/config"
	log "github.com/sirupsen/logrus"
	loki "github.com/yukitsune/lokirus"
)

// Initialize configures the standard logrus logger's level, formatter and
// optional Loki hook from cfg. Invalid levels are logged and ignored,
// leaving the previous level in place; this is never fatal, matching the
// teacher's proxy/main.go initLogging.
func Initialize(cfg config.LogConfig) {
	if cfg.Level != "" {
		if level, err := log.ParseLevel(cfg.Level); err == nil {
			log.SetLevel(level)
		} else {
			log.WithField("level", cfg.Level).Warn("unknown log level, leaving current level in place")
		}
	}

	if cfg.Formatter == "json" {
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.Loki.Address == "" {
		return
	}

	opts := loki.NewLokiHookOptions().
		WithLevelMap(loki.LevelMap{log.PanicLevel: "critical"}).
		WithFormatter(&log.JSONFormatter{})

	if len(cfg.Loki.Labels) > 0 {
		labels := make(loki.Labels, len(cfg.Loki.Labels))
		for k, v := range cfg.Loki.Labels {
			labels[k] = v
		}
		opts = opts.WithStaticLabels(labels)
	}

	hook := loki.NewLokiHookWithOpts(
		cfg.Loki.Address,
		opts,
		log.InfoLevel,
		log.WarnLevel,
		log.ErrorLevel,
		log.FatalLevel,
	)

	log.AddHook(hook)
}
