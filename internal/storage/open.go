package storage

import (
	"fmt"
	"strings"

	"newswatch/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, nil
	case "memory":
		return newMemStore(cfg), nil
	case "sqlite":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
