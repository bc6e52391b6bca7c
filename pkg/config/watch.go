package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// WatchConfig re-reads configPath on every change and calls onChange with
// the newly decoded and validated Config. A change that fails to decode or
// validate is logged to onError instead of invoked, so a bad edit never
// tears down the running device with a half-applied config. Returns once
// the watch is installed; the watch itself runs for the life of the
// process (viper.WatchConfig never stops on its own).
func WatchConfig(configPath string, onChange func(*Config), onError func(error)) error {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		ApplyDefaults(&cfg)
		if err := Validate(&cfg); err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return nil
}
