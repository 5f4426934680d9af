package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Default returns the node's default configuration.
func Default() *Config {
	return &Config{
		Bootstrap: BootstrapConfig{
			BootstrapPeers:     nil,
			RetryIntervalMs:    5000,
			MaxRetryAttempts:   5,
			BootstrapTimeoutMs: 30000,
		},
		Network: NetworkConfig{
			ConnectionMaintenanceIntervalSeconds:  30,
			RequestTimeoutSeconds:                 60,
			MaxConcurrentStreams:                  512,
			MaxConnectionsPerPeer:                 1,
			MaxPendingIncoming:                    10,
			MaxPendingOutgoing:                    10,
			MaxEstablishedTotal:                   100,
			ConnectionEstablishmentTimeoutSeconds:  30,
		},
		Ping: PingConfig{
			IntervalSecs: 15,
			TimeoutSecs:  20,
		},
		DirectMessage: DirectMessageConfig{
			MaxRetryAttempts:        3,
			RetryIntervalSeconds:    30,
			EnableConnectionRetries: true,
			EnableTimedRetries:      true,
		},
		Relay: RelayConfig{
			EnableRelay:      true,
			EnableForwarding: true,
			MaxHops:          3,
			PreferDirect:     true,
			RateLimitPerPeer: 10,
		},
	}
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.inkmesh
//	macOS:   ~/Library/Application Support/Inkmesh
//	Windows: %APPDATA%\Inkmesh
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".inkmesh"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Inkmesh")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Inkmesh")
		}
		return filepath.Join(home, "AppData", "Roaming", "Inkmesh")
	default:
		return filepath.Join(home, ".inkmesh")
	}
}
