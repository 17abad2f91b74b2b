package grpc

import (
	"fmt"
	"time"
)

// Config holds the configuration of the master RPC server.
type Config struct {
	// Address is the server listening address (e.g., ":6362")
	Address string

	TLS *TLSConfig

	// MaxConcurrentStreams bounds the in-flight RPCs per connection; every
	// blocked lock request holds one.
	MaxConcurrentStreams uint32

	Keepalive *KeepaliveConfig

	// MaxMsgSize bounds both received and sent messages (bytes)
	MaxMsgSize int

	// RateLimit is the per-session request budget per second; zero disables it
	RateLimit float64
	RateBurst int

	EnableHealthCheck bool
	EnableTracing     bool
}

// KeepaliveConfig holds keepalive configuration
type KeepaliveConfig struct {
	MaxIdle             time.Duration
	Time                time.Duration
	Timeout             time.Duration
	MinTime             time.Duration
	PermitWithoutStream bool
}

// DefaultConfig returns a default master RPC server configuration
func DefaultConfig() *Config {
	return &Config{
		Address:              ":6362",
		MaxConcurrentStreams: 1024,
		MaxMsgSize:           1024 * 1024,
		EnableHealthCheck:    true,
		Keepalive: &KeepaliveConfig{
			MaxIdle:             5 * time.Minute,
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if c.MaxMsgSize < 0 {
		return fmt.Errorf("max message size cannot be negative")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		return fmt.Errorf("rate burst is required when rate limit is set")
	}
	if c.TLS != nil && c.TLS.Enabled {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("invalid TLS config: %w", err)
		}
	}
	if c.Keepalive != nil {
		if err := c.Keepalive.Validate(); err != nil {
			return fmt.Errorf("invalid keepalive config: %w", err)
		}
	}
	return nil
}

// Validate validates keepalive configuration
func (k *KeepaliveConfig) Validate() error {
	if k.MaxIdle < 0 || k.Time < 0 || k.Timeout < 0 || k.MinTime < 0 {
		return fmt.Errorf("keepalive durations cannot be negative")
	}
	if k.Timeout > 0 && k.Time > 0 && k.Timeout >= k.Time {
		return fmt.Errorf("timeout must be less than ping interval")
	}
	return nil
}
