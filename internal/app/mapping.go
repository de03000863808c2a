package app

import (
	"fmt"
	"strings"
	"time"

	"tickd/internal/config"
	"tickd/internal/debugsrv"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.History == nil {
		return storage.Config{}, false, nil
	}
	hc := cfg.History
	driver := strings.ToLower(strings.TrimSpace(hc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(hc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("history.path is required when history.driver=sqlite")
		}
		busy, err := config.ParseDurationField("history.busy_timeout", hc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		if busy == 0 {
			busy = time.Second
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown history.driver: %s", hc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	if cfg == nil || cfg.Debug == nil {
		return debugsrv.Config{}
	}
	d := cfg.Debug
	return debugsrv.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                d.Token,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}
