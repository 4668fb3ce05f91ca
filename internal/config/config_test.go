package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pointstore.bin", cfg.CacheFilePath)
	assert.GreaterOrEqual(t, cfg.WorkerPoolSize, 1)
	assert.Equal(t, 20000, cfg.ReaderBatchSize)
	assert.Equal(t, uint64(1<<20), cfg.ReadSortByteBudget)
	assert.Equal(t, uint32(8192), cfg.NodeLimit)
	assert.Equal(t, 8, cfg.LODStrideDivisor)
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("PTSTORE_CACHE_FILE_PATH", "/tmp/custom.bin")
	os.Setenv("PTSTORE_WORKER_POOL_SIZE", "7")
	os.Setenv("PTSTORE_NODE_LIMIT", "256")
	defer func() {
		os.Unsetenv("PTSTORE_CACHE_FILE_PATH")
		os.Unsetenv("PTSTORE_WORKER_POOL_SIZE")
		os.Unsetenv("PTSTORE_NODE_LIMIT")
	}()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.bin", cfg.CacheFilePath)
	assert.Equal(t, 7, cfg.WorkerPoolSize)
	assert.Equal(t, uint32(256), cfg.NodeLimit)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero worker pool", Config{WorkerPoolSize: 0, ReaderBatchSize: 1, NodeLimit: 1, LODStrideDivisor: 2}},
		{"zero reader batch size", Config{WorkerPoolSize: 1, ReaderBatchSize: 0, NodeLimit: 1, LODStrideDivisor: 2}},
		{"zero node limit", Config{WorkerPoolSize: 1, ReaderBatchSize: 1, NodeLimit: 0, LODStrideDivisor: 2}},
		{"stride divisor under 2", Config{WorkerPoolSize: 1, ReaderBatchSize: 1, NodeLimit: 1, LODStrideDivisor: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.validate())
		})
	}
}

func TestDefaultWorkerPoolSizeRoundsUp(t *testing.T) {
	assert.GreaterOrEqual(t, defaultWorkerPoolSize(), 1)
}
