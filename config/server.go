package config

import (
	"net"
	"strconv"
	"time"

	"github.com/graphkeep/graphkeep/pkg/cluster"
	gkgrpc "github.com/graphkeep/graphkeep/pkg/grpc"
	"github.com/graphkeep/graphkeep/pkg/slave"
)

// ServerConfig holds the two listeners of a node: the admin HTTP API on
// Port and the master RPC service on GRPC.Port. Both bind Host.
type ServerConfig struct {
	Host string     `mapstructure:"host" validate:"host"`
	Port int        `mapstructure:"port" validate:"required,min=1,max=65535"`
	GRPC GRPCConfig `mapstructure:"grpc"`
	HTTP HTTPConfig `mapstructure:"http"`
}

// GRPCConfig configures the master RPC listener. Every node listens; only
// the master answers lock calls.
type GRPCConfig struct {
	Port                 int    `mapstructure:"port" validate:"min=1,max=65535"`
	MaxConcurrentStreams uint32 `mapstructure:"max_concurrent_streams"`
	MaxMsgSize           int    `mapstructure:"max_msg_size" validate:"min=0"`

	// RateLimit is requests per second per slave session; zero disables it.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"min=0"`

	EnableHealthCheck bool                `mapstructure:"enable_health_check"`
	TLS               GRPCTLSConfig       `mapstructure:"tls"`
	Keepalive         GRPCKeepaliveConfig `mapstructure:"keepalive"`
}

// GRPCTLSConfig is the node certificate. The same material serves the
// master side and dials masters, so with ClientAuth every node needs a
// certificate signed by CAFile.
type GRPCTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file" validate:"file_exists"`
	KeyFile    string `mapstructure:"key_file" validate:"file_exists"`
	CAFile     string `mapstructure:"ca_file" validate:"file_exists"`
	ClientAuth bool   `mapstructure:"client_auth"`
}

type GRPCKeepaliveConfig struct {
	MaxIdle             time.Duration `mapstructure:"max_idle"`
	Time                time.Duration `mapstructure:"time"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MinTime             time.Duration `mapstructure:"min_time"`
	PermitWithoutStream bool          `mapstructure:"permit_without_stream"`
}

// HTTPConfig times the admin API. RequestTimeout bounds one handler.
type HTTPConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// ToGRPCConfig builds the RPC server settings for a listener on host.
func (g *GRPCConfig) ToGRPCConfig(host string, tracing bool) *gkgrpc.Config {
	ka := g.Keepalive
	cfg := &gkgrpc.Config{
		Address:              net.JoinHostPort(host, strconv.Itoa(g.Port)),
		MaxConcurrentStreams: g.MaxConcurrentStreams,
		MaxMsgSize:           g.MaxMsgSize,
		RateLimit:            g.RateLimit,
		RateBurst:            g.RateBurst,
		EnableHealthCheck:    g.EnableHealthCheck,
		EnableTracing:        tracing,
		Keepalive: &gkgrpc.KeepaliveConfig{
			MaxIdle:             ka.MaxIdle,
			Time:                ka.Time,
			Timeout:             ka.Timeout,
			MinTime:             ka.MinTime,
			PermitWithoutStream: ka.PermitWithoutStream,
		},
	}
	if t := g.TLS; t.Enabled {
		cfg.TLS = &gkgrpc.TLSConfig{
			Enabled:    true,
			CertFile:   t.CertFile,
			KeyFile:    t.KeyFile,
			CAFile:     t.CAFile,
			ClientAuth: t.ClientAuth,
		}
	}
	return cfg
}

// SlaveConfig returns the slave lock manager settings.
func (l *LocksConfig) SlaveConfig() slave.Config {
	return slave.Config{
		MaxRetries:          l.MaxRetries,
		AvailabilityTimeout: l.AvailabilityTimeout,
		RetryInterval:       l.RetryInterval,
	}
}

// LifecycleConfig returns the membership settings.
func (c *ClusterConfig) LifecycleConfig() cluster.NodeLifecycleConfig {
	return cluster.NodeLifecycleConfig{
		LeaseTTL:          c.LeaseTTL,
		HeartbeatInterval: c.HeartbeatInterval,
		FailureThreshold:  c.FailureThreshold,
	}
}

// ElectorConfig returns the leader lease settings.
func (c *ClusterConfig) ElectorConfig() cluster.LeaderElectorConfig {
	return cluster.LeaderElectorConfig{
		LeaseTTL:      c.Leader.LeaseTTL,
		RenewInterval: c.Leader.RenewInterval,
		AcquireRetry:  c.Leader.AcquireRetry,
	}
}
