package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/config"
)

func TestLoadAppliesDefaultsWithNoEnvFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 8192, cfg.PageSize)
	require.EqualValues(t, 1024, cfg.PoolSize)
	require.Equal(t, 5*time.Second, cfg.DiscardInterval)
	require.Equal(t, 100*time.Millisecond, cfg.WorkerMinBackoff)
}

func TestLoadReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("ZHEAP_PAGE_SIZE", "4096")
	t.Setenv("ZHEAP_PEERS", "node-a@127.0.0.1:7001,node-b@127.0.0.1:7002")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 4096, cfg.PageSize)
	require.Equal(t, []string{"node-a@127.0.0.1:7001", "node-b@127.0.0.1:7002"}, cfg.Peers)
}

func TestLoadMissingEnvFileIsNotAnError(t *testing.T) {
	_, err := config.Load("/nonexistent/.env")
	require.NoError(t, err)
}
