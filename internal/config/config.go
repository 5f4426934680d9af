// Package config holds the node's unified runtime configuration: bootstrap
// peers, network/transport limits, ping, direct-message retry policy, and
// relay policy, matching the single JSON document the host loads and passes
// to core. This package owns the struct, its JSON tags, defaults, reading
// and writing the document on disk (LoadJSON/WriteJSON), and validation;
// it does not watch the file for changes.
package config

// Config is the unified configuration document.
type Config struct {
	Bootstrap      BootstrapConfig      `json:"bootstrap"`
	Network        NetworkConfig        `json:"network"`
	Ping           PingConfig           `json:"ping"`
	DirectMessage  DirectMessageConfig  `json:"direct_message"`
	Relay          RelayConfig          `json:"relay"`
}

// BootstrapConfig configures the bootstrap component.
type BootstrapConfig struct {
	BootstrapPeers     []string `json:"bootstrap_peers"`
	RetryIntervalMs    uint32   `json:"retry_interval_ms"`
	MaxRetryAttempts   uint32   `json:"max_retry_attempts"`
	BootstrapTimeoutMs uint32   `json:"bootstrap_timeout_ms"`
}

// NetworkConfig configures transport/swarm limits.
type NetworkConfig struct {
	ConnectionMaintenanceIntervalSeconds  uint32 `json:"connection_maintenance_interval_seconds"`
	RequestTimeoutSeconds                 uint32 `json:"request_timeout_seconds"`
	MaxConcurrentStreams                  uint32 `json:"max_concurrent_streams"`
	MaxConnectionsPerPeer                 uint32 `json:"max_connections_per_peer"`
	MaxPendingIncoming                    uint32 `json:"max_pending_incoming"`
	MaxPendingOutgoing                    uint32 `json:"max_pending_outgoing"`
	MaxEstablishedTotal                   uint32 `json:"max_established_total"`
	ConnectionEstablishmentTimeoutSeconds uint32 `json:"connection_establishment_timeout_seconds"`
}

// PingConfig configures liveness pings over the transport.
type PingConfig struct {
	IntervalSecs uint32 `json:"interval_secs"`
	TimeoutSecs  uint32 `json:"timeout_secs"`
}

// DirectMessageConfig configures the DM retry queue.
type DirectMessageConfig struct {
	MaxRetryAttempts      uint32 `json:"max_retry_attempts"`
	RetryIntervalSeconds  uint32 `json:"retry_interval_seconds"`
	EnableConnectionRetries bool `json:"enable_connection_retries"`
	EnableTimedRetries      bool `json:"enable_timed_retries"`
}

// RelayConfig configures the encrypted relay.
type RelayConfig struct {
	EnableRelay      bool   `json:"enable_relay"`
	EnableForwarding bool   `json:"enable_forwarding"`
	MaxHops          uint8  `json:"max_hops"`
	PreferDirect     bool   `json:"prefer_direct"`
	RateLimitPerPeer uint32 `json:"rate_limit_per_peer"`
}
