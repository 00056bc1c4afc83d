// Package types holds configuration and error-taxonomy types shared across
// the module, mirroring the teacher's lib/types layout.
package types

// UnverifiableCommitPolicy controls how the admin policy (lib/admin) treats
// a commit whose sender leaf cannot be resolved to an identity.
type UnverifiableCommitPolicy string

const (
	UnverifiableReject UnverifiableCommitPolicy = "reject"
	UnverifiableAccept UnverifiableCommitPolicy = "accept"
)

// Config is the complete configuration surface recognized by this module.
// Unknown keys are rejected by lib/config.Load.
type Config struct {
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Relays  []string      `mapstructure:"default_relays"`
}

// IngestConfig matches spec.md §6's enumerated configuration surface.
type IngestConfig struct {
	MaxRetries                uint32                   `mapstructure:"max_retries"`
	OnUnverifiableCommit      UnverifiableCommitPolicy `mapstructure:"on_unverifiable_commit"`
	KeyPackageLifetimeSeconds uint64                   `mapstructure:"key_package_lifetime_seconds"`
}

// StorageConfig controls where the bbolt-backed stores live on disk.
type StorageConfig struct {
	DataPath string `mapstructure:"data_path"`
}

// LoggingConfig holds logging configuration, trimmed to the fields
// lib/logging actually consumes.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// DefaultConfig returns the configuration defaults named in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		Ingest: IngestConfig{
			MaxRetries:                3,
			OnUnverifiableCommit:      UnverifiableReject,
			KeyPackageLifetimeSeconds: 7_776_000,
		},
		Storage: StorageConfig{
			DataPath: "./data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}
