// Package config centralizes the environment-driven knobs recognized by
// the replication sidecar. Values are read once at process start and
// injected into component constructors; nothing in this module reads
// the environment ambiently mid-call.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of tunables the core recognizes, grouped the
// way the teacher groups its own nested config sections.
type Config struct {
	Producer   ProducerConfig
	Fork       ForkConfig
	Queue      QueueConfig
	Gossip     GossipConfig
	Snapshot   SnapshotConfig
	HTTP       HTTPConfig
}

// ProducerConfig governs producer session authentication.
type ProducerConfig struct {
	// AuthRequired toggles the challenge/response handshake.
	AuthRequired bool
	// AuthorizedAccounts is the lowercase allowlist of accounts
	// permitted to identify, empty means "allow any authenticated account".
	AuthorizedAccounts []string
	// ListenAddr is where the producer WebSocket endpoint is served.
	ListenAddr string
}

// ForkConfig governs Fork Registry bounds.
type ForkConfig struct {
	// BufferSize is the per-fork operation buffer capacity (FIFO eviction).
	BufferSize int
	// PerBlockCap is the max number of live forks retained per block.
	PerBlockCap int
	// RetentionWindow is how long an inactive fork survives before gc.
	RetentionWindow time.Duration
	// QuarantineAutoCreated marks auto-created forks (no prior
	// fork_start) as quarantined rather than trusted. See Open Question
	// in SPEC_FULL.md §9.
	QuarantineAutoCreated bool
}

// QueueConfig governs the Replication Queue.
type QueueConfig struct {
	// DataDir is where the durable goleveldb-backed queue state lives.
	DataDir string
	// MaxAttempts caps retries before a job is terminally FAILED.
	MaxAttempts int
	// ApplyWorkers is the worker pool size for APPLY_OP/CHECKPOINT_CONFIRM jobs.
	ApplyWorkers int
	// GapSyncWorkers is the worker pool size for BLOCK_IMPORT jobs.
	GapSyncWorkers int
	// ShutdownDeadline bounds how long drain-on-shutdown may take.
	ShutdownDeadline time.Duration
}

// GossipConfig governs peer discovery and gap sync.
type GossipConfig struct {
	// SeedPeers is the configured peer list ("id@url", comma-separated).
	SeedPeers []string
	// SyncInterval is how often the continuous sync loop runs.
	SyncInterval time.Duration
	// SyncEnabled toggles the continuous sync loop entirely.
	SyncEnabled bool
	// FetchFanout (K) is how many healthy peers to query per missing block.
	FetchFanout int
	// FetchConcurrency bounds parallel block fetches (default 3).
	FetchConcurrency int
	// PeerIDHeader is the header name set on outbound peer fetches to
	// identify this instance.
	PeerIDHeader string
	// SelfID is this instance's peer identifier, sent via PeerIDHeader.
	SelfID string
	// ListenAddr is where the peer HTTP surface is served.
	ListenAddr string
	// RequestTimeout bounds a single peer HTTP request.
	RequestTimeout time.Duration
	// HealthTimeout bounds a single peer health probe.
	HealthTimeout time.Duration
}

// SnapshotConfig governs the Snapshot Collaborator.
type SnapshotConfig struct {
	// Dataset names the dataset snapshots are tagged under.
	Dataset string
	// MaxCount bounds how many snapshots the engine retains.
	MaxCount int
}

// HTTPConfig governs ambient HTTP ceilings shared across the core.
type HTTPConfig struct {
	// DefaultTimeout is the fallback for any handler without an
	// explicit timeout (spec.md §5).
	DefaultTimeout time.Duration
}

// FromEnv builds a Config from the process environment, applying the
// defaults named throughout spec.md wherever a variable is unset.
func FromEnv() Config {
	return Config{
		Producer: ProducerConfig{
			AuthRequired:       getBool("HONEYGRAPH_AUTH_REQUIRED", false),
			AuthorizedAccounts: getCSVLower("HONEYGRAPH_AUTHORIZED_ACCOUNTS"),
			ListenAddr:         getString("HONEYGRAPH_WS_LISTEN", ":3010"),
		},
		Fork: ForkConfig{
			BufferSize:            getInt("HONEYGRAPH_FORK_BUFFER_SIZE", 10000),
			PerBlockCap:           getInt("HONEYGRAPH_FORK_PER_BLOCK_CAP", 10),
			RetentionWindow:       getDuration("HONEYGRAPH_FORK_RETENTION", time.Hour),
			QuarantineAutoCreated: getBool("HONEYGRAPH_QUARANTINE_AUTO_FORKS", true),
		},
		Queue: QueueConfig{
			DataDir:          getString("HONEYGRAPH_QUEUE_DATA_DIR", "./data/queue"),
			MaxAttempts:      getInt("HONEYGRAPH_QUEUE_MAX_ATTEMPTS", 5),
			ApplyWorkers:     getInt("HONEYGRAPH_QUEUE_APPLY_WORKERS", 8),
			GapSyncWorkers:   getInt("HONEYGRAPH_QUEUE_GAPSYNC_WORKERS", 3),
			ShutdownDeadline: getDuration("HONEYGRAPH_SHUTDOWN_DEADLINE", 30*time.Second),
		},
		Gossip: GossipConfig{
			SeedPeers:        getCSV("HONEYGRAPH_PEER_SEEDS"),
			SyncInterval:     getDuration("HONEYGRAPH_SYNC_INTERVAL", 60*time.Second),
			SyncEnabled:      getBool("HONEYGRAPH_SYNC_ENABLED", true),
			FetchFanout:      getInt("HONEYGRAPH_FETCH_FANOUT", 3),
			FetchConcurrency: getInt("HONEYGRAPH_FETCH_CONCURRENCY", 3),
			PeerIDHeader:     getString("HONEYGRAPH_PEER_ID_HEADER", "X-Honeygraph-Peer-Id"),
			SelfID:           getString("HONEYGRAPH_SELF_ID", ""),
			ListenAddr:       getString("HONEYGRAPH_PEER_HTTP_LISTEN", ":3011"),
			RequestTimeout:   getDuration("HONEYGRAPH_PEER_REQUEST_TIMEOUT", 10*time.Second),
			HealthTimeout:    getDuration("HONEYGRAPH_PEER_HEALTH_TIMEOUT", 5*time.Second),
		},
		Snapshot: SnapshotConfig{
			Dataset:  getString("HONEYGRAPH_SNAPSHOT_DATASET", "default"),
			MaxCount: getInt("HONEYGRAPH_SNAPSHOT_MAX_COUNT", 24),
		},
		HTTP: HTTPConfig{
			DefaultTimeout: getDuration("HONEYGRAPH_DEFAULT_TIMEOUT", 60*time.Second),
		},
	}
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getCSV(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getCSVLower(key string) []string {
	parts := getCSV(key)
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.ToLower(p)
	}
	return out
}
