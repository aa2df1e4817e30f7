package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Peer is one member of the static cluster membership
type Peer struct {
	ID       string
	GRPCAddr string
	RaftAddr string
}

// Config holds Raft configuration
type Config struct {
	NodeID            string
	BindAddr          string
	AdvertiseAddr     string
	DataDir           string
	Bootstrap         bool
	Peers             []Peer
	SnapshotInterval  int
	SnapshotThreshold int
}

// LoadConfig loads Raft configuration from environment variables
func LoadConfig(nodeID, dataDir string) (*Config, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("NODE_ID is required")
	}

	peers, err := ParsePeers(getEnvAsString("CLUSTER_PEERS", ""))
	if err != nil {
		return nil, err
	}

	bindAddr := getEnvAsString("RAFT_BIND_ADDR", "127.0.0.1:7000")
	cfg := &Config{
		NodeID:            nodeID,
		BindAddr:          bindAddr,
		AdvertiseAddr:     getEnvAsString("RAFT_ADVERTISE_ADDR", bindAddr),
		DataDir:           filepath.Join(dataDir, "raft"),
		Bootstrap:         getEnvAsBool("RAFT_BOOTSTRAP", false),
		Peers:             peers,
		SnapshotInterval:  getEnvAsInt("RAFT_SNAPSHOT_INTERVAL", 20),
		SnapshotThreshold: getEnvAsInt("RAFT_SNAPSHOT_THRESHOLD", 64),
	}
	if len(cfg.Peers) == 0 {
		cfg.Peers = []Peer{{ID: nodeID, RaftAddr: cfg.AdvertiseAddr}}
	}
	return cfg, nil
}

// ParsePeers parses "id=grpcAddr=raftAddr,..."
func ParsePeers(s string) ([]Peer, error) {
	var peers []Peer
	seen := make(map[string]bool)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, "=")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid peer %q: want id=grpcAddr=raftAddr", item)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("duplicate peer id %q", parts[0])
		}
		seen[parts[0]] = true
		peers = append(peers, Peer{ID: parts[0], GRPCAddr: parts[1], RaftAddr: parts[2]})
	}
	return peers, nil
}

// PeerIDs returns the ids of peers in configuration order
func (c *Config) PeerIDs() []string {
	ids := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, p.ID)
	}
	return ids
}

// Peer returns the peer with id
func (c *Config) Peer(id string) (Peer, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
