package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// ErrNotLeader is returned when a leader-only operation reaches a follower
var ErrNotLeader = errors.New("not leader")

// Options tune leadership handling
type Options struct {
	// OnLeadership is called from the monitor goroutine on every change
	OnLeadership func(isLeader bool)
	// ExitOnLeader terminates the process shortly after winning an election
	ExitOnLeader bool
	PollInterval time.Duration
}

// Node wraps a HashiCorp Raft node
type Node struct {
	raft       *raft.Raft
	config     *Config
	opts       Options
	logger     *zap.Logger
	shutdownCh chan struct{}
	closeOnce  sync.Once
	done       chan struct{}
}

// Start starts a Raft node replicating fsm
func Start(ctx context.Context, cfg *Config, fsm raft.FSM, opts Options, logger *zap.Logger) (*Node, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.SnapshotInterval = time.Duration(cfg.SnapshotInterval) * time.Second
	raftConfig.SnapshotThreshold = uint64(cfg.SnapshotThreshold)

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	node := &Node{
		raft:       r,
		config:     cfg,
		opts:       opts,
		logger:     logger.With(zap.String("node_id", cfg.NodeID)),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}

	if cfg.Bootstrap {
		if err := node.bootstrap(); err != nil {
			r.Shutdown()
			return nil, err
		}
	}

	go node.monitorLeadership()

	node.logger.Info("Raft node started",
		zap.String("bind_addr", cfg.BindAddr),
		zap.String("advertise_addr", cfg.AdvertiseAddr),
		zap.Bool("bootstrap", cfg.Bootstrap),
		zap.Int("peers", len(cfg.Peers)),
	)
	return node, nil
}

// bootstrap seeds the configuration with every static peer
func (n *Node) bootstrap() error {
	servers := make([]raft.Server, 0, len(n.config.Peers))
	for _, p := range n.config.Peers {
		addr := p.RaftAddr
		if p.ID == n.config.NodeID {
			addr = n.config.AdvertiseAddr
		}
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(p.ID),
			Address: raft.ServerAddress(addr),
		})
	}

	future := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrCantBootstrap) {
			n.logger.Info("raft cluster already bootstrapped")
			return nil
		}
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	n.logger.Info("bootstrapped Raft cluster", zap.Int("servers", len(servers)))
	return nil
}

// NodeID returns this node's id
func (n *Node) NodeID() string {
	return n.config.NodeID
}

// IsLeader returns whether this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderID returns the current leader's id, or "" when there is none
func (n *Node) LeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// LeaderGRPCAddr returns the RPC address of the current leader
func (n *Node) LeaderGRPCAddr() (string, bool) {
	id := n.LeaderID()
	if id == "" {
		return "", false
	}
	p, ok := n.config.Peer(id)
	if !ok || p.GRPCAddr == "" {
		return "", false
	}
	return p.GRPCAddr, true
}

// Apply applies a command to the Raft log and returns the FSM's response
func (n *Node) Apply(ctx context.Context, cmd []byte, timeout time.Duration) (interface{}, error) {
	if !n.IsLeader() {
		return nil, ErrNotLeader
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	applyFuture := n.raft.Apply(cmd, timeout)
	if err := applyFuture.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	return applyFuture.Response(), nil
}

// AddVoter adds a voter to the cluster
func (n *Node) AddVoter(id, address string) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(address), 0, 0)
	return future.Error()
}

// WaitForLeader blocks until some node leads the cluster
func (n *Node) WaitForLeader(ctx context.Context) (string, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if id := n.LeaderID(); id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no leader elected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// monitorLeadership reports leadership changes and exits if configured
func (n *Node) monitorLeadership() {
	defer close(n.done)

	ticker := time.NewTicker(n.opts.PollInterval)
	defer ticker.Stop()

	wasLeader := false
	for {
		select {
		case <-n.shutdownCh:
			if wasLeader && n.opts.OnLeadership != nil {
				n.opts.OnLeadership(false)
			}
			return
		case <-ticker.C:
			isLeader := n.IsLeader()
			if isLeader == wasLeader {
				continue
			}
			wasLeader = isLeader

			if isLeader {
				n.logger.Info("became leader")
			} else {
				n.logger.Info("lost leadership", zap.String("leader_id", n.LeaderID()))
			}
			if n.opts.OnLeadership != nil {
				n.opts.OnLeadership(isLeader)
			}

			if isLeader && n.opts.ExitOnLeader {
				n.logger.Warn("exiting due to CHAOS_EXIT_ON_LEADER")
				time.Sleep(2 * time.Second)
				os.Exit(0)
			}
		}
	}
}

// Shutdown shuts down the Raft node
func (n *Node) Shutdown() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.shutdownCh)
		<-n.done
		err = n.raft.Shutdown().Error()
	})
	return err
}
