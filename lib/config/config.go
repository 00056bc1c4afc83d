// Package config loads and caches this module's configuration using viper,
// following the same load-once-and-cache, hot-reload-on-change shape as the
// teacher's lib/config, trimmed to the much smaller surface spec.md §6
// enumerates: ingest retries/policy, key-package lifetime, storage path,
// logging, and the default relay set.
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/HORNET-Storage/nostr-mls/lib/types"
)

var (
	cachedConfig    atomic.Value // *types.Config
	configLoadOnce  sync.Once
	configLoadError error

	writeMutex sync.Mutex

	debounceTimer *time.Timer
	debounceMutex sync.Mutex
)

// recognizedKeys is the complete, closed configuration surface. Any key in
// the config file outside this set is rejected, per spec.md §6 ("No other
// tunables are recognized; unknown fields are rejected.").
var recognizedKeys = map[string]bool{
	"ingest.max_retries":                   true,
	"ingest.on_unverifiable_commit":        true,
	"ingest.key_package_lifetime_seconds":  true,
	"storage.data_path":                    true,
	"logging.level":                        true,
	"logging.output":                       true,
	"default_relays":                       true,
}

// Init loads configuration from ./config.yaml (or the given path), applying
// spec.md §6 defaults for anything unset, and begins watching the file for
// changes.
func Init(configPath string) error {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("NOSTR_MLS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file: defaults only, nothing to write back.
	}

	if err := rejectUnknownKeys(); err != nil {
		return err
	}

	if err := reloadConfigCache(); err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		debounceMutex.Lock()
		defer debounceMutex.Unlock()

		if debounceTimer != nil {
			debounceTimer.Stop()
		}

		debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
			log.Printf("config file changed (debounced): %s", e.Name)
			writeMutex.Lock()
			defer writeMutex.Unlock()

			if err := reloadConfigCache(); err != nil {
				log.Printf("error reloading config cache after file change: %v", err)
			}
		})
	})

	return nil
}

func setDefaults() {
	d := types.DefaultConfig()
	viper.SetDefault("ingest.max_retries", d.Ingest.MaxRetries)
	viper.SetDefault("ingest.on_unverifiable_commit", string(d.Ingest.OnUnverifiableCommit))
	viper.SetDefault("ingest.key_package_lifetime_seconds", d.Ingest.KeyPackageLifetimeSeconds)
	viper.SetDefault("storage.data_path", d.Storage.DataPath)
	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.output", d.Logging.Output)
}

func rejectUnknownKeys() error {
	for _, key := range viper.AllKeys() {
		if !recognizedKeys[key] {
			return fmt.Errorf("unrecognized configuration key %q", key)
		}
	}
	return nil
}

func reloadConfigCache() error {
	cfg := &types.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Ingest.OnUnverifiableCommit != types.UnverifiableReject && cfg.Ingest.OnUnverifiableCommit != types.UnverifiableAccept {
		return fmt.Errorf("invalid ingest.on_unverifiable_commit: %q", cfg.Ingest.OnUnverifiableCommit)
	}
	cachedConfig.Store(cfg)
	return nil
}

// Get returns the cached configuration, loading defaults if Init was never
// called (so library consumers that don't need file-based config still get
// spec.md §6 defaults).
func Get() *types.Config {
	if cfg := cachedConfig.Load(); cfg != nil {
		return cfg.(*types.Config)
	}

	configLoadOnce.Do(func() {
		setDefaults()
		configLoadError = reloadConfigCache()
	})

	if configLoadError != nil {
		return types.DefaultConfig()
	}

	if cfg := cachedConfig.Load(); cfg != nil {
		return cfg.(*types.Config)
	}
	return types.DefaultConfig()
}

// DataDir returns the directory under which bbolt-backed stores are created.
func DataDir() string {
	return Get().Storage.DataPath
}

// DataPath joins a relative path under DataDir.
func DataPath(sub string) string {
	return filepath.Join(DataDir(), sub)
}

// Refresh forces a reload of the configuration cache from the currently
// loaded viper state.
func Refresh() error {
	writeMutex.Lock()
	defer writeMutex.Unlock()
	return reloadConfigCache()
}
