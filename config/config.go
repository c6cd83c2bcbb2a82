// Package config loads the buffer manager's YAML configuration: the
// pool's size parameters plus its logging and telemetry setup. The
// Pool/Frame core itself takes plain constructor arguments — this package
// is the outer wiring a cmd/ entrypoint uses to build those arguments.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Egbertjing/buffer-manager/logging"
	"github.com/Egbertjing/buffer-manager/telemetry"
)

// Pool holds the Pool construction parameters.
type Pool struct {
	// PageSize is the fixed byte size of every page.
	PageSize int `yaml:"page_size"`
	// PageCount is the maximum number of resident Frames.
	PageCount int `yaml:"page_count"`
	// DataDir is the directory segment files are created under.
	DataDir string `yaml:"data_dir"`
}

// Config is the top-level configuration file shape.
type Config struct {
	Pool      Pool              `yaml:"pool"`
	Logging   logging.Config    `yaml:"logging"`
	Telemetry telemetry.Config  `yaml:"telemetry"`
}

// Default returns a Config with reasonable standalone defaults.
func Default() Config {
	return Config{
		Pool: Pool{
			PageSize:  4096,
			PageCount: 256,
			DataDir:   "data",
		},
		Logging: logging.Config{
			Level:       "info",
			Format:      "console",
			OutputFile:  "stdout",
			SampleDebug: true,
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "buffer-manager",
			PrometheusPort:   9090,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads and parses a YAML configuration file at path, starting from
// Default() so a partial file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Pool.PageSize <= 0 {
		return Config{}, fmt.Errorf("config: pool.page_size must be positive, got %d", cfg.Pool.PageSize)
	}
	if cfg.Pool.PageCount <= 0 {
		return Config{}, fmt.Errorf("config: pool.page_count must be positive, got %d", cfg.Pool.PageCount)
	}
	return cfg, nil
}
