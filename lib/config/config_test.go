package config

import (
	"testing"

	"github.com/spf13/viper"

	"github.com/HORNET-Storage/nostr-mls/lib/types"
)

func TestGetReturnsDefaultsWithoutInit(t *testing.T) {
	cfg := Get()
	if cfg.Ingest.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Ingest.MaxRetries)
	}
	if cfg.Ingest.OnUnverifiableCommit != types.UnverifiableReject {
		t.Errorf("OnUnverifiableCommit = %v, want reject", cfg.Ingest.OnUnverifiableCommit)
	}
	if cfg.Ingest.KeyPackageLifetimeSeconds != 7_776_000 {
		t.Errorf("KeyPackageLifetimeSeconds = %d, want 7776000", cfg.Ingest.KeyPackageLifetimeSeconds)
	}
}

func TestRejectUnknownKeys(t *testing.T) {
	viper.Set("unknown.field", "x")
	defer viper.Set("unknown.field", nil)

	if err := rejectUnknownKeys(); err == nil {
		t.Fatal("expected error for unrecognized key")
	}
}
