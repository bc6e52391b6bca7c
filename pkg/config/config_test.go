package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGetDefaultConfigIsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestApplyDefaultsFillsZoneCounts(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Zones.Logical == 0 || cfg.Zones.Physical == 0 || cfg.Zones.Hash == 0 || cfg.Zones.CPU == 0 {
		t.Fatalf("expected non-zero zone counts, got %+v", cfg.Zones)
	}
	if cfg.Zones.QueueDepth != 4096 {
		t.Errorf("expected default queue depth 4096, got %d", cfg.Zones.QueueDepth)
	}
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Zones.Logical = 8
	cfg.Device.Path = "/custom/path"
	ApplyDefaults(cfg)

	if cfg.Zones.Logical != 8 {
		t.Errorf("expected explicit logical zone count preserved, got %d", cfg.Zones.Logical)
	}
	if cfg.Device.Path != "/custom/path" {
		t.Errorf("expected explicit device path preserved, got %q", cfg.Device.Path)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "NOPE"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
}

func TestValidateRejectsZeroZoneCount(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Zones.Hash = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for zero hash zone count")
	}
}

func TestValidateRejectsMissingDevicePath(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Device.Path = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing device path")
	}
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Device.Path = filepath.Join(dir, "device.img")
	cfg.Logging.Level = "DEBUG"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Logging.Level != "DEBUG" {
		t.Errorf("expected logging level DEBUG, got %q", loaded.Logging.Level)
	}
	if loaded.Device.Path != cfg.Device.Path {
		t.Errorf("expected device path %q, got %q", cfg.Device.Path, loaded.Device.Path)
	}
}

func TestMustLoadReportsMissingConfig(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist.yaml")

	_, err := MustLoad(missing)
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' in error, got: %v", err)
	}
}
