package api

import (
	"errors"
	"log/slog"
	"time"
)

// HTTPServerConfig configures the recovery API listener.
type HTTPServerConfig struct {
	ListenAddr  string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /readyz reports not-ready before shutdown
	// proceeds, so load balancers stop routing first.
	DrainDuration time.Duration
	// GracefulShutdownDuration bounds how long in-flight requests may run
	// once shutdown starts.
	GracefulShutdownDuration time.Duration

	ReadTimeout time.Duration
	// WriteTimeout must cover a recovery completion, which rebuilds a key
	// inside the request.
	WriteTimeout time.Duration
}

// NewHTTPServerConfig returns a config with the production timeouts.
func NewHTTPServerConfig(listenAddr string, log *slog.Logger) *HTTPServerConfig {
	return &HTTPServerConfig{
		ListenAddr:               listenAddr,
		Log:                      log,
		DrainDuration:            45 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

func (c *HTTPServerConfig) Validate() error {
	if c.Log == nil {
		return errors.New("server logger is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.DrainDuration < 0 || c.GracefulShutdownDuration < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("server durations must not be negative")
	}
	return nil
}
