package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FirstRunWritesDefaultFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "funnel")

	got, err := loadConfig(dir)
	require.NoError(t, err)

	assert.Empty(t, got.StagingDSN)
	assert.Zero(t, got.BatchMaxRows)

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "staging_dsn")
}

func TestLoadConfig_ReadsValues(t *testing.T) {
	dir := t.TempDir()
	yaml := `staging_dsn: postgres://localhost/test
batch_max_rows: 250
bucket_count: 64
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	got, err := loadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/test", got.StagingDSN)
	assert.Equal(t, 250, got.BatchMaxRows)
	assert.Equal(t, 64, got.BucketCount)
	assert.Zero(t, got.MaxMemoryOrphans, "unset keys stay zero and defer to package defaults")
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("FUNNEL_STAGING_DSN", "postgres://env/override")

	got, err := loadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/override", got.StagingDSN)
}
