package config

import "time"

// Config holds the configuration for the meta-stremio gateway core.
type Config struct {
	// Shared volume root containing services/ and locks/
	CorePath string

	// Service registration settings
	ServiceName string
	Hostname    string
	BaseURL     string
	HTTPPort    int

	// Redis settings
	RedisURL    string // Direct Redis URL - skips leader discovery entirely
	RedisPrefix string

	// Discovery timing
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration

	// Leader watcher timing
	PollInterval time.Duration // Interval between pointer rescans / health probes
	ProbeTimeout time.Duration // Timeout for a single health probe
	MaxFailures  int           // Consecutive probe failures before the leader is declared lost

	// Role-bearing service name whose instances carry a leader/follower role
	CoreService string

	// Authentication
	SharedSecret string // Shared secret for signing requests to the coordinator

	// Logging
	Debug bool
}

// Default returns a Config populated with the defaults used across the
// meta-core ecosystem.
func Default() *Config {
	return &Config{
		CorePath:          "/meta-core",
		ServiceName:       "meta-stremio",
		HTTPPort:          8182,
		RedisPrefix:       "meta-sort:",
		HeartbeatInterval: 30 * time.Second,
		StaleThreshold:    60 * time.Second,
		PollInterval:      5 * time.Second,
		ProbeTimeout:      5 * time.Second,
		MaxFailures:       3,
		CoreService:       "meta-core",
	}
}
