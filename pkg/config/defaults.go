package config

import (
	"strings"
	"time"

	"github.com/marmos91/vdodedupe/internal/bytesize"
	"github.com/marmos91/vdodedupe/pkg/packer"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Called after loading from file and environment so that missing
// values fall back to sensible defaults rather than zero values.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyZonesDefaults(&cfg.Zones)
	applyDeviceDefaults(&cfg.Device)
	applyJournalDefaults(&cfg.Journal)
	applyDedupeDefaults(&cfg.Dedupe)
	applyPackerDefaults(&cfg.Packer)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{"cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines"}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyZonesDefaults mirrors zone.DefaultConfig()'s layout: four zones
// per partitioned kind, two cpu zones, and a 4096-deep queue.
func applyZonesDefaults(cfg *ZonesConfig) {
	if cfg.Logical == 0 {
		cfg.Logical = 4
	}
	if cfg.Physical == 0 {
		cfg.Physical = 4
	}
	if cfg.Hash == 0 {
		cfg.Hash = 4
	}
	if cfg.CPU == 0 {
		cfg.CPU = 2
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 4096
	}
}

func applyDeviceDefaults(cfg *DeviceConfig) {
	if cfg.Path == "" {
		cfg.Path = "/var/lib/vdodedupe/device.img"
	}
	if cfg.Size == 0 {
		cfg.Size = bytesize.ByteSize(10 * bytesize.GiB)
	}
}

func applyJournalDefaults(cfg *JournalConfig) {
	if cfg.Path == "" {
		cfg.Path = "/var/lib/vdodedupe/journal"
	}
}

func applyDedupeDefaults(cfg *DedupeConfig) {
	if cfg.Path == "" {
		cfg.Path = "/var/lib/vdodedupe/dedupe-index"
	}
}

func applyPackerDefaults(cfg *PackerConfig) {
	if cfg.MaxOpenBins == 0 {
		cfg.MaxOpenBins = packer.DefaultMaxOpenBins
	}
}

// GetDefaultConfig returns a Config with all default values applied,
// useful for generating a sample configuration file or for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
