// Package replication generalizes the teacher's graph-action raft node
// (src/raft/node.go, src/raft/fsm.go) into spec section 4.9's standby
// replication path: a leader's WAL records are shipped through a real raft
// log instead of a stub, so a standby's discard horizon and recovery-
// conflict check are driven by actual consensus ("On a standby, discard is
// driven by WAL replay of discard records; replay raises a recovery
// conflict if a running query would need the region being discarded").
package replication

import (
	"fmt"
	"net"
	"time"

	"github.com/Jille/raft-grpc-leader-rpc/leaderhealth"
	transport "github.com/Jille/raft-grpc-transport"
	hraft "github.com/hashicorp/raft"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Blackdeer1524/zheap/internal/wal"
)

// DefaultApplyTimeout bounds how long a leader's Propose waits for the
// raft log entry it appended to be committed and applied.
const DefaultApplyTimeout = 5 * time.Second

// ServiceName is advertised to leaderhealth so a load balancer's gRPC
// health check can route only to the current raft leader.
const ServiceName = "zheap"

// Config names the one local node and the peers it should bootstrap a
// cluster with (empty on every node but the one joining first).
type Config struct {
	ID     string
	Addr   string
	Peers  []hraft.Server
	Logger *zap.SugaredLogger
	Apply  time.Duration // defaults to DefaultApplyTimeout
}

// Node owns one raft participant: the consensus state machine (backed by
// fsm), the gRPC transport hraft uses to ship log entries between peers,
// and the health-check endpoint leaderhealth exposes for it. Unlike the
// teacher's StartNode, which passes a nil FSM into hraft.NewRaft, Node
// always wires its fsm so Apply/Snapshot/Restore actually run.
type Node struct {
	id     string
	addr   string
	raft   *hraft.Raft
	grpc   *grpc.Server
	fsm    *FSM
	logger *zap.SugaredLogger
	apply  time.Duration
}

// Start brings up one raft node bound to cfg.Addr, replicating through
// fsm. If cfg.Peers is non-empty, this node bootstraps the cluster with
// them; a node joining an already-running cluster should pass no peers
// and instead be added via an existing leader's AddVoter.
func Start(cfg Config, fsm *FSM) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	applyTimeout := cfg.Apply
	if applyTimeout <= 0 {
		applyTimeout = DefaultApplyTimeout
	}

	raftCfg := hraft.DefaultConfig()
	raftCfg.LocalID = hraft.ServerID(cfg.ID)

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("replication: listening on %s: %w", cfg.Addr, err)
	}

	tr := transport.New(hraft.ServerAddress(cfg.Addr), []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	})

	logStore := hraft.NewInmemStore()
	stableStore := hraft.NewInmemStore()
	snapStore := hraft.NewInmemSnapshotStore()

	r, err := hraft.NewRaft(raftCfg, fsm, logStore, stableStore, snapStore, tr.Transport())
	if err != nil {
		return nil, fmt.Errorf("replication: starting raft: %w", err)
	}

	if len(cfg.Peers) > 0 {
		if err := r.BootstrapCluster(hraft.Configuration{Servers: cfg.Peers}).Error(); err != nil {
			return nil, fmt.Errorf("replication: bootstrapping cluster: %w", err)
		}
	}

	srv := grpc.NewServer()
	tr.Register(srv)
	leaderhealth.Setup(r, srv, []string{ServiceName})

	n := &Node{id: cfg.ID, addr: cfg.Addr, raft: r, grpc: srv, fsm: fsm, logger: logger, apply: applyTimeout}

	go func() {
		if err := srv.Serve(lis); err != nil {
			n.logger.Errorw("replication node stopped serving", "node", n.id, "error", err)
		}
	}()

	return n, nil
}

// IsLeader reports whether this node currently holds the raft leadership,
// the only node whose Propose calls are expected to succeed.
func (n *Node) IsLeader() bool {
	return n.raft.State() == hraft.Leader
}

// Propose appends rec to the raft log and blocks until it has been
// committed and applied to every reachable voter's FSM (including this
// one). Only the leader may call this; a non-leader returns
// hraft.ErrNotLeader wrapped by the underlying Apply future.
func (n *Node) Propose(rec wal.Record) error {
	future := n.raft.Apply(wal.EncodeRecord(rec), n.apply)
	if err := future.Error(); err != nil {
		return fmt.Errorf("replication: proposing %s: %w", rec.Type, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return fmt.Errorf("replication: applying %s: %w", rec.Type, err)
		}
	}
	return nil
}

// AddVoter admits a new node into the cluster, called against the current
// leader. id/addr identify the joining node, as passed to its own Start.
func (n *Node) AddVoter(id, addr string) error {
	future := n.raft.AddVoter(hraft.ServerID(id), hraft.ServerAddress(addr), 0, 0)
	return future.Error()
}

// Close shuts the raft participant and its gRPC transport down.
func (n *Node) Close() {
	if err := n.raft.Shutdown().Error(); err != nil {
		n.logger.Errorw("replication node failed to shut down raft", "node", n.id, "error", err)
	}
	n.grpc.GracefulStop()
	n.logger.Infow("replication node stopped", "node", n.id, "addr", n.addr)
}
