package config

import "fmt"

// Validate checks the unified config for obvious operator mistakes,
// returning the first offending field as a descriptive error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: config is nil")
	}

	if cfg.Network.ConnectionMaintenanceIntervalSeconds < 30 {
		return fmt.Errorf("config: network.connection_maintenance_interval_seconds must be >= 30")
	}
	if cfg.Network.MaxConnectionsPerPeer == 0 {
		return fmt.Errorf("config: network.max_connections_per_peer must be >= 1")
	}
	if cfg.Network.MaxEstablishedTotal == 0 {
		return fmt.Errorf("config: network.max_established_total must be >= 1")
	}
	if cfg.Network.MaxPendingIncoming == 0 {
		return fmt.Errorf("config: network.max_pending_incoming must be >= 1")
	}
	if cfg.Network.MaxPendingOutgoing == 0 {
		return fmt.Errorf("config: network.max_pending_outgoing must be >= 1")
	}
	if cfg.Network.RequestTimeoutSeconds == 0 {
		return fmt.Errorf("config: network.request_timeout_seconds must be >= 1")
	}
	if cfg.Network.ConnectionEstablishmentTimeoutSeconds == 0 {
		return fmt.Errorf("config: network.connection_establishment_timeout_seconds must be >= 1")
	}

	if cfg.Bootstrap.RetryIntervalMs == 0 {
		return fmt.Errorf("config: bootstrap.retry_interval_ms must be >= 1")
	}
	if cfg.Bootstrap.MaxRetryAttempts == 0 {
		return fmt.Errorf("config: bootstrap.max_retry_attempts must be >= 1")
	}

	if cfg.DirectMessage.MaxRetryAttempts == 0 {
		return fmt.Errorf("config: direct_message.max_retry_attempts must be >= 1")
	}
	if cfg.DirectMessage.RetryIntervalSeconds == 0 {
		return fmt.Errorf("config: direct_message.retry_interval_seconds must be >= 1")
	}

	if cfg.Relay.MaxHops > 3 {
		return fmt.Errorf("config: relay.max_hops must be <= 3")
	}
	if cfg.Relay.RateLimitPerPeer == 0 {
		return fmt.Errorf("config: relay.rate_limit_per_peer must be >= 1")
	}

	return nil
}
