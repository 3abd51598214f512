// Package config loads the master's YAML configuration, grounded on
// giantswarm-muster's internal/config loader but tightened so unknown keys
// are an error: decoding uses yaml.v3's strict mode instead of a plain
// Unmarshal, so a typo'd key fails fast at startup rather than being
// silently ignored.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master's full set of wiring addresses and tunables. Every
// address is a zmq endpoint string (e.g. "tcp://0.0.0.0:5555").
type Config struct {
	CatalogDSN string `yaml:"catalog_dsn"`

	PlannerAddr          string `yaml:"planner_addr"`
	SlaveDriverAddr      string `yaml:"slave_driver_addr"`
	FileQueueAddr        string `yaml:"file_queue_addr"`
	ReceiverControlAddr  string `yaml:"receiver_control_addr"`
	AdminAddr            string `yaml:"admin_addr"`
	IntControlAddr       string `yaml:"int_control_addr"`
	ExtControlAddr       string `yaml:"ext_control_addr"`
	IntStatusAddr        string `yaml:"int_status_addr"`
	ExtStatusAddr        string `yaml:"ext_status_addr"`
	MetricsAddr          string `yaml:"metrics_addr"`

	OutputDir       string        `yaml:"output_dir"`
	UpstreamBaseURL string        `yaml:"upstream_base_url"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
}

// Default returns a Config with every queue address, the output path and
// every tunable set to a default, leaving only catalog_dsn and
// upstream_base_url for the operator to supply.
func Default() Config {
	// Every internal-only queue binds to loopback TCP, so it is reachable
	// only from this host.
	return Config{
		PlannerAddr:         "tcp://127.0.0.1:5550",
		SlaveDriverAddr:     "tcp://0.0.0.0:5555",
		FileQueueAddr:       "tcp://0.0.0.0:5556",
		ReceiverControlAddr: "tcp://127.0.0.1:5561",
		AdminAddr:           "tcp://0.0.0.0:5557",
		IntControlAddr:      "tcp://127.0.0.1:5562",
		ExtControlAddr:      "tcp://0.0.0.0:5558",
		IntStatusAddr:       "tcp://127.0.0.1:5563",
		ExtStatusAddr:       "tcp://0.0.0.0:5559",
		MetricsAddr:         ":9090",
		OutputDir:           "/var/www",
		PollInterval:        5 * time.Minute,
		StatsInterval:       30 * time.Second,
	}
}

// Load reads and strictly decodes the YAML file at path over top of
// Default(), then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects a configuration missing the addresses every task needs
// to bind or dial.
func (c Config) Validate() error {
	required := map[string]string{
		"catalog_dsn":        c.CatalogDSN,
		"slave_driver_addr":  c.SlaveDriverAddr,
		"file_queue_addr":    c.FileQueueAddr,
		"admin_addr":         c.AdminAddr,
		"output_dir":         c.OutputDir,
		"upstream_base_url":  c.UpstreamBaseURL,
	}
	for key, val := range required {
		if val == "" {
			return fmt.Errorf("missing required key %q", key)
		}
	}
	return nil
}
