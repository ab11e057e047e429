// Package config loads the engine-wide configuration named in spec §6
// from a TOML file, the way the teacher's cmd/db-server loads its
// ParameterUnit via github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Credential is one entry of the interserver_credentials list (§6).
type Credential struct {
	User     string
	Password string
}

// Config holds every engine-wide setting named in spec §6.
type Config struct {
	KeepAliveTimeout              time.Duration
	MaxParallelFetchesPerTable    int
	MaxReplicatedMergesInQueue    int
	ReplicatedDeduplicationWindow int
	CleanupDelayPeriod            time.Duration
	ZookeeperSessionTimeout       time.Duration

	ZookeeperHosts []string
	ZookeeperRoot  string

	InterserverCredentials []Credential
	InterserverAllowEmpty  bool

	PartExchangeListenAddr string
	LocalStateDir          string

	TableName       string
	ReplicaName     string
	CanBecomeLeader bool
	// PeerAddresses maps every other replica's name to its
	// part-exchange base URL (spec §4.8), so this replica's fetch
	// client knows where to reach them.
	PeerAddresses map[string]string
}

// rawConfig mirrors Config with TOML-friendly field types (durations
// as strings), decoded by BurntSushi/toml and then normalized into a
// Config by Load.
type rawConfig struct {
	KeepAliveTimeout              string `toml:"keep_alive_timeout"`
	MaxParallelFetchesPerTable    int    `toml:"max_parallel_fetches_per_table"`
	MaxReplicatedMergesInQueue    int    `toml:"max_replicated_merges_in_queue"`
	ReplicatedDeduplicationWindow int    `toml:"replicated_deduplication_window"`
	CleanupDelayPeriod            string `toml:"cleanup_delay_period"`
	ZookeeperSessionTimeout       string `toml:"zookeeper_session_timeout"`

	ZookeeperHosts []string `toml:"zookeeper_hosts"`
	ZookeeperRoot  string   `toml:"zookeeper_root"`

	InterserverCredentials []Credential `toml:"interserver_credentials"`
	InterserverAllowEmpty  *bool        `toml:"interserver_allow_empty"`

	PartExchangeListenAddr string `toml:"part_exchange_listen_addr"`
	LocalStateDir          string `toml:"local_state_dir"`

	TableName       string            `toml:"table_name"`
	ReplicaName     string            `toml:"replica_name"`
	CanBecomeLeader *bool             `toml:"can_become_leader"`
	PeerAddresses   map[string]string `toml:"peer_addresses"`
}

// Default returns the configuration used when no file is supplied,
// matching the conservative defaults a fresh ClickHouse-style replica
// ships with.
func Default() Config {
	return Config{
		KeepAliveTimeout:              10 * time.Second,
		MaxParallelFetchesPerTable:    4,
		MaxReplicatedMergesInQueue:    16,
		ReplicatedDeduplicationWindow: 100,
		CleanupDelayPeriod:            5 * time.Minute,
		ZookeeperSessionTimeout:       30 * time.Second,
		ZookeeperRoot:                 "/clickhouse/tables",
		InterserverAllowEmpty:         true,
		PartExchangeListenAddr:        ":9009",
		LocalStateDir:                 "./state",
		CanBecomeLeader:               true,
	}
}

// Load reads and validates a TOML configuration file, filling any
// field the file omits from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	var raw rawConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	applyRaw(&cfg, raw)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyRaw(cfg *Config, raw rawConfig) {
	if raw.KeepAliveTimeout != "" {
		if d, err := time.ParseDuration(raw.KeepAliveTimeout); err == nil {
			cfg.KeepAliveTimeout = d
		}
	}
	if raw.MaxParallelFetchesPerTable > 0 {
		cfg.MaxParallelFetchesPerTable = raw.MaxParallelFetchesPerTable
	}
	if raw.MaxReplicatedMergesInQueue > 0 {
		cfg.MaxReplicatedMergesInQueue = raw.MaxReplicatedMergesInQueue
	}
	if raw.ReplicatedDeduplicationWindow > 0 {
		cfg.ReplicatedDeduplicationWindow = raw.ReplicatedDeduplicationWindow
	}
	if raw.CleanupDelayPeriod != "" {
		if d, err := time.ParseDuration(raw.CleanupDelayPeriod); err == nil {
			cfg.CleanupDelayPeriod = d
		}
	}
	if raw.ZookeeperSessionTimeout != "" {
		if d, err := time.ParseDuration(raw.ZookeeperSessionTimeout); err == nil {
			cfg.ZookeeperSessionTimeout = d
		}
	}
	if len(raw.ZookeeperHosts) > 0 {
		cfg.ZookeeperHosts = raw.ZookeeperHosts
	}
	if raw.ZookeeperRoot != "" {
		cfg.ZookeeperRoot = raw.ZookeeperRoot
	}
	if len(raw.InterserverCredentials) > 0 {
		cfg.InterserverCredentials = raw.InterserverCredentials
	}
	if raw.InterserverAllowEmpty != nil {
		cfg.InterserverAllowEmpty = *raw.InterserverAllowEmpty
	}
	if raw.PartExchangeListenAddr != "" {
		cfg.PartExchangeListenAddr = raw.PartExchangeListenAddr
	}
	if raw.LocalStateDir != "" {
		cfg.LocalStateDir = raw.LocalStateDir
	}
	if raw.TableName != "" {
		cfg.TableName = raw.TableName
	}
	if raw.ReplicaName != "" {
		cfg.ReplicaName = raw.ReplicaName
	}
	if len(raw.PeerAddresses) > 0 {
		cfg.PeerAddresses = raw.PeerAddresses
	}
	if raw.CanBecomeLeader != nil {
		cfg.CanBecomeLeader = *raw.CanBecomeLeader
	}
}

// Validate rejects configurations that would leave the engine in an
// undefined state rather than letting them surface as confusing
// runtime errors later.
func (c Config) Validate() error {
	if c.KeepAliveTimeout <= 0 {
		return fmt.Errorf("keep_alive_timeout must be positive")
	}
	if c.ZookeeperSessionTimeout <= 0 {
		return fmt.Errorf("zookeeper_session_timeout must be positive")
	}
	if c.CleanupDelayPeriod <= 0 {
		return fmt.Errorf("cleanup_delay_period must be positive")
	}
	if c.MaxParallelFetchesPerTable <= 0 {
		return fmt.Errorf("max_parallel_fetches_per_table must be positive")
	}
	if c.ReplicatedDeduplicationWindow <= 0 {
		return fmt.Errorf("replicated_deduplication_window must be positive")
	}
	if len(c.ZookeeperHosts) == 0 {
		return fmt.Errorf("zookeeper_hosts must not be empty")
	}
	if !c.InterserverAllowEmpty && len(c.InterserverCredentials) == 0 {
		return fmt.Errorf("interserver_credentials must not be empty when interserver_allow_empty is false")
	}
	if c.TableName == "" {
		return fmt.Errorf("table_name must not be empty")
	}
	if c.ReplicaName == "" {
		return fmt.Errorf("replica_name must not be empty")
	}
	return nil
}
