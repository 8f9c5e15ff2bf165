// Package store persists workflow requests and checkpoints of their shared
// state.
package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/config"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// DefaultPath is the SQLite database used when none is configured.
const DefaultPath = ".deepinsight/requests.db"

// New creates the request store selected by cfg.Backend.
func New(cfg config.StoreConfig) (core.RequestStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		path := cfg.Path
		if strings.TrimSpace(path) == "" {
			path = DefaultPath
		}
		if !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

var (
	_ core.RequestStore = (*Memory)(nil)
	_ core.RequestStore = (*SQLite)(nil)
)
