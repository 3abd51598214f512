package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "master.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
catalog_dsn: "postgres://user@localhost/pkgforge"
slave_driver_addr: "tcp://0.0.0.0:5555"
file_queue_addr: "tcp://0.0.0.0:5556"
admin_addr: "tcp://0.0.0.0:5557"
output_dir: "/srv/pkgforge"
upstream_base_url: "https://pypi.example.org/simple/"
poll_interval: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OutputDir != "/srv/pkgforge" {
		t.Errorf("OutputDir = %q, want /srv/pkgforge", cfg.OutputDir)
	}
	// Unset keys keep Default()'s values.
	if cfg.MetricsAddr != Default().MetricsAddr {
		t.Errorf("MetricsAddr = %q, want default %q", cfg.MetricsAddr, Default().MetricsAddr)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
catalog_dsn: "postgres://user@localhost/pkgforge"
slave_driver_addr: "tcp://0.0.0.0:5555"
file_queue_addr: "tcp://0.0.0.0:5556"
admin_addr: "tcp://0.0.0.0:5557"
output_dir: "/srv/pkgforge"
upstream_base_url: "https://pypi.example.org/simple/"
totally_unknown_key: "oops"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: expected an error for an unknown config key, got nil")
	}
}

func TestLoadRejectsMissingRequiredKey(t *testing.T) {
	path := writeConfig(t, `
catalog_dsn: "postgres://user@localhost/pkgforge"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: expected an error for missing required keys, got nil")
	}
}

func TestValidateRequiresAllMandatoryKeys(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate: expected an error since Default() never sets catalog_dsn/upstream_base_url")
	}
}
