// Package config binds the engine's tunables from the process environment,
// following the teacher's mustLoadEnv/envVars pattern (src/app/start.go):
// a .env file loaded by godotenv, then struct fields bound by envconfig.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config names every tunable this repo's ambient and domain stacks read at
// startup. Field defaults mirror the per-package DefaultXxx constants they
// override (internal/page, internal/bufferpool, internal/undo,
// internal/wal, internal/rollback, internal/discard, internal/replication),
// so a deployment that sets no environment variables at all gets back the
// same behavior those packages ship with out of the box.
type Config struct {
	// DataDir is where relation files, undo segments, and the WAL live.
	DataDir string `envconfig:"ZHEAP_DATA_DIR" default:"./data"`

	// PageSize and TxnSlotCount size every on-disk page.
	PageSize     int `envconfig:"ZHEAP_PAGE_SIZE" default:"8192"`
	TxnSlotCount int `envconfig:"ZHEAP_TXN_SLOT_COUNT" default:"4"`

	// PoolSize is the buffer pool's frame count.
	PoolSize uint64 `envconfig:"ZHEAP_POOL_SIZE" default:"1024"`

	// UndoSegmentSize and WALSegmentSize bound how large one on-disk
	// segment file grows before rolling to the next.
	UndoSegmentSize int64 `envconfig:"ZHEAP_UNDO_SEGMENT_SIZE" default:"16777216"`
	WALSegmentSize  int64 `envconfig:"ZHEAP_WAL_SEGMENT_SIZE" default:"16777216"`

	// RollbackForegroundThreshold is the undo volume (bytes) above which
	// an abort hands its rollback to the background worker instead of
	// applying it in-process (spec section 4.8).
	RollbackForegroundThreshold int64 `envconfig:"ZHEAP_ROLLBACK_FOREGROUND_THRESHOLD" default:"8388608"`

	// WorkerConcurrency bounds the background undo worker's in-flight
	// rollback count; MinBackoff/MaxBackoff bound its idle poll interval.
	WorkerConcurrency int           `envconfig:"ZHEAP_WORKER_CONCURRENCY" default:"4"`
	WorkerMinBackoff  time.Duration `envconfig:"ZHEAP_WORKER_MIN_BACKOFF" default:"100ms"`
	WorkerMaxBackoff  time.Duration `envconfig:"ZHEAP_WORKER_MAX_BACKOFF" default:"10s"`

	// DiscardInterval is how often the discard scheduler sweeps every
	// open undo log for a horizon advance (spec section 4.9).
	DiscardInterval time.Duration `envconfig:"ZHEAP_DISCARD_INTERVAL" default:"5s"`

	// MaxConcurrentTransactions bounds internal/engine's undo-log-writer
	// free list, and so the number of transactions that may be open at once.
	MaxConcurrentTransactions int `envconfig:"ZHEAP_MAX_CONCURRENT_TRANSACTIONS" default:"256"`

	// ListenAddr is this node's own raft+gRPC replication address.
	// ReplicationID is its raft server ID, and Peers (if non-empty) are
	// the cluster this node bootstraps on first start, as "id@addr" pairs.
	ListenAddr    string   `envconfig:"ZHEAP_LISTEN_ADDR" default:"127.0.0.1:7000"`
	ReplicationID string   `envconfig:"ZHEAP_NODE_ID"`
	Peers         []string `envconfig:"ZHEAP_PEERS"`

	// Dev toggles zap.NewDevelopment over zap.NewProduction, matching
	// src/app/start.go's logger setup.
	Dev bool `envconfig:"ZHEAP_DEV" default:"false"`
}

// Load reads envFile (if it exists — a missing .env is not an error, the
// same way the teacher's mustLoadEnv tolerates a deployment that configures
// purely through real environment variables) and binds Config from the
// resulting environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !isNotExist(err) {
			return Config{}, fmt.Errorf("config: loading %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: binding environment: %w", err)
	}
	return cfg, nil
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
