// Package config loads the application configuration from a YAML file
// and supplies sane defaults for anything left unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/tierswap/pkg/logger"
	"github.com/sushant-115/tierswap/pkg/telemetry"
)

// EngineConfig tunes the copy backend and the orchestration policy.
type EngineConfig struct {
	// CopyWorkers bounds the workers of one multithreaded copy.
	CopyWorkers int `yaml:"copy_workers"`
	// BatchSize bounds pairs moved per manage round.
	BatchSize int `yaml:"batch_size"`
	// PutbackHeadroom is the fast-node free reserve, in batches.
	PutbackHeadroom int `yaml:"putback_headroom"`
	// AllowSharedPages permits moving multiply-mapped pages.
	AllowSharedPages bool `yaml:"allow_shared_pages"`
	// MigrateRate throttles movement in base pages per second; zero
	// means unlimited.
	MigrateRate float64 `yaml:"migrate_rate"`
	// MigrateBurst is the limiter burst in base pages.
	MigrateBurst int `yaml:"migrate_burst"`
	// Concurrent selects the phased batch engine over the serialized
	// one.
	Concurrent bool `yaml:"concurrent"`
	// Multithread enables the chunked worker pool for content copies.
	Multithread bool `yaml:"multithread"`
}

// Config is the full application configuration.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Engine    EngineConfig     `yaml:"engine"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "tierswap",
			PrometheusPort: 2112,
		},
		Engine: EngineConfig{
			CopyWorkers:     4,
			BatchSize:       16,
			PutbackHeadroom: 2,
			Multithread:     true,
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
