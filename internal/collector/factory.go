package collector

import (
	"fmt"
	"time"

	"github.com/apiscope/apiscope/internal/config"
	"github.com/apiscope/apiscope/internal/storage"
	"github.com/apiscope/apiscope/internal/transport"
)

// BuildTransport constructs the transport named by cfg.TransportType. The
// config has already been validated, but an unknown type is still rejected
// here for callers assembling configs by hand.
func BuildTransport(cfg config.CollectorConfig) (transport.Transport, error) {
	switch cfg.TransportType {
	case config.TransportMemory:
		return transport.NewMemory(0), nil
	case config.TransportFile:
		return transport.NewFile(cfg.FilePath, cfg.Compression)
	case config.TransportHTTP:
		return transport.NewHTTP(cfg.Endpoint, 0), nil
	case config.TransportSQLite:
		return storage.Open(storage.Config{
			DBPath:            cfg.DBPath,
			RetentionDays:     cfg.RetentionDays,
			RetentionInterval: time.Hour,
		})
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.TransportType)
	}
}

// NewFromConfig builds the transport from the config and returns a collector
// that owns it; Stop closes the transport after the final flush.
func NewFromConfig(cfg config.CollectorConfig) (*Collector, error) {
	tr, err := BuildTransport(cfg)
	if err != nil {
		return nil, err
	}
	c := New(cfg, tr)
	c.ownsTransport = true
	return c, nil
}
