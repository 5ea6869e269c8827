// Package config holds the engine configuration and its YAML loader.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/bptdb/core/storage/page"
	"github.com/sushant-115/bptdb/pkg/logger"
	"github.com/sushant-115/bptdb/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete engine configuration.
type Config struct {
	// DataDir holds the table files, the catalog and, unless LogFile says
	// otherwise, the write-ahead log.
	DataDir string `yaml:"data_dir"`
	// LogFile is the write-ahead log path. Relative paths are resolved
	// against DataDir.
	LogFile string `yaml:"log_file"`
	// BufferPoolSize is the number of 4096-byte frames shared by all tables.
	BufferPoolSize int `yaml:"buffer_pool_size"`
	MaxTables      int `yaml:"max_tables"`
	// Tree orders for tables created from now on. Existing tables keep the
	// orders recorded in their files.
	LeafOrder     int `yaml:"leaf_order"`
	InternalOrder int `yaml:"internal_order"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:        "bptdb_data",
		LogFile:        "bptdb.wal",
		BufferPoolSize: 16,
		MaxTables:      10,
		LeafOrder:      page.DefaultLeafOrder,
		InternalOrder:  page.DefaultInternalOrder,
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "bptdb",
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %w", ErrInvalidConfig, path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("%w: data_dir is empty", ErrInvalidConfig)
	case c.LogFile == "":
		return fmt.Errorf("%w: log_file is empty", ErrInvalidConfig)
	case c.BufferPoolSize < 4:
		return fmt.Errorf("%w: buffer_pool_size %d is below 4", ErrInvalidConfig, c.BufferPoolSize)
	case c.MaxTables < 1:
		return fmt.Errorf("%w: max_tables %d is below 1", ErrInvalidConfig, c.MaxTables)
	case c.LeafOrder < 3 || c.LeafOrder > page.DefaultLeafOrder:
		return fmt.Errorf("%w: leaf_order %d not in [3, %d]", ErrInvalidConfig, c.LeafOrder, page.DefaultLeafOrder)
	case c.InternalOrder < 4 || c.InternalOrder > page.DefaultInternalOrder:
		return fmt.Errorf("%w: internal_order %d not in [4, %d]", ErrInvalidConfig, c.InternalOrder, page.DefaultInternalOrder)
	}
	return nil
}
