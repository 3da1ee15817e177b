package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	hraft "github.com/hashicorp/raft"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/zheap/internal/bufferpool"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/config"
	"github.com/Blackdeer1524/zheap/internal/disk"
	"github.com/Blackdeer1524/zheap/internal/discard"
	"github.com/Blackdeer1524/zheap/internal/engine"
	"github.com/Blackdeer1524/zheap/internal/replication"
	"github.com/Blackdeer1524/zheap/internal/rollback"
	"github.com/Blackdeer1524/zheap/internal/txn"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the engine, its undo worker, discard sweeper, and replication node",
	RunE:  runServe,
}

// runServe wires every ambient and domain component this repo owns into
// one running process, in the manner of the teacher's src/app/start.go:
// load config, build a logger, construct every layer (WAL, disk, pool,
// undo, slots, txns, rollback, engine, discard, replication), and block
// until interrupted.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	var logger *zap.Logger
	if cfg.Dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("serve: building logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	fs := afero.NewOsFs()

	walLog := wal.NewLog(fs, cfg.DataDir+"/wal", cfg.WALSegmentSize, sugar)
	if err := walLog.RestoreFromReplay(); err != nil {
		return fmt.Errorf("serve: replaying WAL: %w", err)
	}

	diskMgr := disk.New(fs, map[common.FileID]string{
		1: cfg.DataDir + "/main.rel",
	})
	diskMgr.SetLogger(walLog) // enforces WAL-before-buffer: a dirty page can't be written past walLog.Durable()

	pool := bufferpool.New(cfg.PoolSize, bufferpool.NewLRUReplacer(), diskMgr, sugar)

	undoStore := undo.NewStore(fs, cfg.DataDir+"/undo", cfg.UndoSegmentSize, sugar)
	if err := restoreUndoInsertPoints(walLog, undoStore); err != nil {
		return fmt.Errorf("serve: restoring undo insertion points: %w", err)
	}

	slots := txnslot.New(undoStore)
	txns := txn.New()
	locks := txn.NewLocker()

	rb := rollback.New(pool, undoStore, walLog, txns, locks, sugar)
	worker, err := rollback.NewWorker(rb, cfg.WorkerConcurrency, sugar)
	if err != nil {
		return fmt.Errorf("serve: starting rollback worker: %w", err)
	}

	eng := engine.New(pool, diskMgr, undoStore, walLog, slots, txns, locks, rb, worker, cfg.MaxConcurrentTransactions, cfg.RollbackForegroundThreshold, sugar)

	sweeper := discard.New(pool, walLog, txns, sugar)
	scheduler := discard.NewScheduler(sweeper, undoStore, cfg.DiscardInterval)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Errorw("rollback worker stopped", "error", err)
		}
	}()
	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Errorw("discard scheduler stopped", "error", err)
		}
	}()

	nodeID := cfg.ReplicationID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	fsm := replication.NewFSM(walLog, undoStore, replication.NewConflictTracker(), nil, sugar)
	node, err := replication.Start(replication.Config{
		ID:     nodeID,
		Addr:   cfg.ListenAddr,
		Peers:  parsePeers(cfg.Peers),
		Logger: sugar,
	}, fsm)
	if err != nil {
		return fmt.Errorf("serve: starting replication node: %w", err)
	}
	defer node.Close()

	_ = eng
	sugar.Infow("zheap node started", "id", nodeID, "addr", cfg.ListenAddr)

	<-ctx.Done()
	sugar.Infow("zheap node shutting down")
	return nil
}

// restoreUndoInsertPoints replays walLog for every ZHEAP_UNDOMETA record and
// restores each undo log's insertion point from the last one observed per
// log number (spec section 4.1's crash-safe bootstrap) — undoStore.Log(n)
// would otherwise start every log's insertion point at zero after a
// restart, silently discarding whatever that log already held on disk.
func restoreUndoInsertPoints(walLog *wal.Log, undoStore *undo.Store) error {
	latest := make(map[common.LogNumber]wal.UndoMetaPayload)
	err := walLog.Replay(func(rec wal.Record) error {
		if rec.Type == wal.RecUndoMeta {
			p := wal.UnmarshalUndoMetaPayload(rec.Payload)
			latest[p.Log] = p
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range latest {
		undoStore.Log(p.Log).RestoreInsertPoint(p.InsertPoint, p.Xid)
	}
	return nil
}

// parsePeers turns "id@addr" strings (ZHEAP_PEERS) into the raft server
// list BootstrapCluster expects. A malformed entry is skipped rather than
// failing the whole start, since a typo in one peer shouldn't prevent a
// single-node start from coming up at all.
func parsePeers(raw []string) []hraft.Server {
	var servers []hraft.Server
	for _, p := range raw {
		id, addr, ok := strings.Cut(p, "@")
		if !ok {
			continue
		}
		servers = append(servers, hraft.Server{
			Suffrage: hraft.Voter,
			ID:       hraft.ServerID(id),
			Address:  hraft.ServerAddress(addr),
		})
	}
	return servers
}
