// Config loading for the funnel CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	cfgKeyStagingDSN       = "staging_dsn"
	cfgKeyCheckpointDB     = "checkpoint_db"
	cfgKeyArtifactsDir     = "artifacts_dir"
	cfgKeyBatchMaxRows     = "batch_max_rows"
	cfgKeyBatchMaxBytes    = "batch_max_bytes"
	cfgKeyBucketCount      = "bucket_count"
	cfgKeyMaxMemoryParents = "max_memory_parents"
	cfgKeyMaxMemoryOrphans = "max_memory_orphans"
)

// defaultConfigYAML is the content written to config.yaml on first run.
const defaultConfigYAML = `# Funnel CLI configuration

# Postgres DSN for the staging tables (overridable by FUNNEL_STAGING_DSN env)
# staging_dsn: postgres://localhost/funnel

# Checkpoint database path (default: <artifacts_dir>/checkpoints.db)
# checkpoint_db:

# Artifact directory (optional; overridable by --artifacts-dir flag)
# artifacts_dir:

# Batch flush thresholds
# batch_max_rows: 500
# batch_max_bytes: 4194304

# Stitching memory limits
# bucket_count: 256
# max_memory_parents: 50000
# max_memory_orphans: 50000
`

// config is the subset of config.yaml the CLI consumes. Zero values fall
// through to package defaults downstream.
type config struct {
	StagingDSN       string
	CheckpointDB     string
	ArtifactsDir     string
	BatchMaxRows     int
	BatchMaxBytes    int
	BucketCount      int
	MaxMemoryParents int
	MaxMemoryOrphans int
}

// loadConfig reads config.yaml from the resolved config directory using
// Viper, creating the directory and a commented default file on first run.
// A missing config.yaml is not an error. Every key is also overridable via a
// FUNNEL_-prefixed environment variable (e.g. FUNNEL_STAGING_DSN).
func loadConfig(configDir string) (*config, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}

	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("FUNNEL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return &config{
		StagingDSN:       v.GetString(cfgKeyStagingDSN),
		CheckpointDB:     v.GetString(cfgKeyCheckpointDB),
		ArtifactsDir:     v.GetString(cfgKeyArtifactsDir),
		BatchMaxRows:     v.GetInt(cfgKeyBatchMaxRows),
		BatchMaxBytes:    v.GetInt(cfgKeyBatchMaxBytes),
		BucketCount:      v.GetInt(cfgKeyBucketCount),
		MaxMemoryParents: v.GetInt(cfgKeyMaxMemoryParents),
		MaxMemoryOrphans: v.GetInt(cfgKeyMaxMemoryOrphans),
	}, nil
}

// ensureDefaultConfigFile creates a commented config.yaml if none exists.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
