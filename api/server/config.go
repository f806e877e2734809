package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/statbase/cube/api/builds"
	"github.com/statbase/cube/api/handlers"
	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
)

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       handlers.VersionInfo

	// AllowedOrigins is handed to the CORS middleware. Empty allows none.
	AllowedOrigins []string

	Store  *meta.Store
	Files  filestore.Store
	Builds *builds.Service

	// Per-IP limit on the preview, export and cube download endpoints,
	// which open artifacts and run queries per request.
	QueryRatePerMinute int
	QueryRateBurst     int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Store == nil {
		return errors.New("metadata store is required")
	}
	if cfg.Files == nil {
		return errors.New("file store is required")
	}
	if cfg.Builds == nil {
		return errors.New("build service is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.QueryRatePerMinute <= 0 {
		cfg.QueryRatePerMinute = 120
	}
	if cfg.QueryRateBurst <= 0 {
		cfg.QueryRateBurst = 30
	}
	return nil
}
