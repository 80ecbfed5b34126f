// Package config loads the hub configuration from a YAML file, filling
// unset fields with defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// StorageConfig selects and parameterizes the persistent store backend.
type StorageConfig struct {
	Backend          string        `yaml:"backend" default:"memory"` // memory | mongo
	URI              string        `yaml:"uri" default:"mongodb://localhost:27017"`
	Database         string        `yaml:"database" default:"webbt"`
	Collection       string        `yaml:"collection" default:"origin_devices"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"5s"`
}

// Config is the full hub configuration.
type Config struct {
	// HostPath is the native BLE host binary spawned on demand.
	HostPath string `yaml:"host_path" default:"bleserver"`
	// Socket is the unix socket sessions connect to.
	Socket   string `yaml:"socket" default:"/tmp/webbt-hub.sock"`
	LogLevel string `yaml:"log_level" default:"info"`
	// HostAPIVersion is the protocol version required from the host's
	// startup announcement.
	HostAPIVersion int `yaml:"host_api_version" default:"1"`
	// RecommendedServerVersion, when set, triggers a non-fatal update
	// advisory for older-but-compatible host builds.
	RecommendedServerVersion string        `yaml:"recommended_server_version"`
	Storage                  StorageConfig `yaml:"storage"`
}

// Load reads the config file at path. A missing file yields the defaults; an
// unreadable or invalid file is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s is not valid YAML: %w", path, err)
	}

	switch cfg.Storage.Backend {
	case "memory", "mongo":
	default:
		return nil, fmt.Errorf("unknown storage backend %q (must be memory or mongo)", cfg.Storage.Backend)
	}
	return cfg, nil
}
