package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds the tunables that size memory-budgeted operators: the
// block size and default buffer budgets for merge-sort, hash join, and
// block nested loop join. There is no separate setting for grouped
// aggregation.
type Config struct {
	Engine  EngineConfig  `toml:"engine"`
	Storage StorageConfig `toml:"storage"`
}

// EngineConfig controls the byte quantum operators budget against and
// the default fan-in/recursion limits for sort, BNLJ, and hash join.
type EngineConfig struct {
	BlockSize            int `toml:"block_size"`
	DefaultSortBuffer     int `toml:"default_sort_buffer"`
	DefaultBNLJBuffer     int `toml:"default_bnlj_buffer"`
	DefaultHashBuffer     int `toml:"default_hash_buffer"`
	DefaultHashMaxDepth   int `toml:"default_hash_max_depth"`
}

// StorageConfig points at where heap files and temp files live.
type StorageConfig struct {
	DataDirectory string `toml:"data_directory"`
	TempDirectory string `toml:"temp_directory"`
}

// Default returns a configuration with sensible defaults: a 4KB block
// quantum and buffer sizes generous enough to exercise multi-pass
// behavior on modest inputs.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			BlockSize:           4096,
			DefaultSortBuffer:   8,
			DefaultBNLJBuffer:   8,
			DefaultHashBuffer:   8,
			DefaultHashMaxDepth: 6,
		},
		Storage: StorageConfig{
			DataDirectory: "./data",
			TempDirectory: "./data/tmp",
		},
	}
}

// Load reads a TOML config file on top of Default, then applies any
// DBX_-prefixed environment overrides. A missing file is not an error;
// defaults (plus env overrides) are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "loading config from %s", path)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DBX_BLOCK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.BlockSize = n
		}
	}
	if v := os.Getenv("DBX_SORT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.DefaultSortBuffer = n
		}
	}
	if v := os.Getenv("DBX_BNLJ_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.DefaultBNLJBuffer = n
		}
	}
	if v := os.Getenv("DBX_HASH_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.DefaultHashBuffer = n
		}
	}
	if v := os.Getenv("DBX_HASH_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.DefaultHashMaxDepth = n
		}
	}
	if v := os.Getenv("DBX_DATA_DIRECTORY"); v != "" {
		c.Storage.DataDirectory = v
	}
	if v := os.Getenv("DBX_TEMP_DIRECTORY"); v != "" {
		c.Storage.TempDirectory = v
	}
}

// Validate rejects buffer budgets too small for the operators that
// consume them: merge-sort and hash join both require more than two
// blocks to make progress.
func (c *Config) Validate() error {
	if c.Engine.BlockSize <= 0 {
		return errors.Errorf("block size must be positive: %d", c.Engine.BlockSize)
	}
	if c.Engine.DefaultSortBuffer <= 2 {
		return errors.Errorf("sort buffer must exceed 2 blocks: %d", c.Engine.DefaultSortBuffer)
	}
	if c.Engine.DefaultBNLJBuffer <= 0 {
		return errors.Errorf("BNLJ buffer must be positive: %d", c.Engine.DefaultBNLJBuffer)
	}
	if c.Engine.DefaultHashBuffer <= 2 {
		return errors.Errorf("hash join buffer must exceed 2 blocks: %d", c.Engine.DefaultHashBuffer)
	}
	if c.Engine.DefaultHashMaxDepth <= 0 {
		return errors.Errorf("hash max depth must be positive: %d", c.Engine.DefaultHashMaxDepth)
	}
	return nil
}
