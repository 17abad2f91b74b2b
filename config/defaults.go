package config

import "time"

// Default ports of a node.
const (
	DefaultAdminPort = 7480
	DefaultGRPCPort  = 6362
)

// DefaultConfig returns the configuration of a single development node
// using in-memory coordination and storage.
func DefaultConfig() *Config {
	return &Config{
		App:     AppConfig{Name: "graphkeep", Version: "dev", Environment: "development"},
		Server:  defaultServer(),
		Log:     LogConfig{Level: "info", Format: "json", Output: "stdout"},
		Cluster: defaultCluster(),
		Locks: LocksConfig{
			AcquireTimeout:      20 * time.Second,
			MaxRetries:          3,
			RetryInterval:       50 * time.Millisecond,
			AvailabilityTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/epochs",
				SyncWrites:        true,
				ValueLogFileSize:  64 << 20,
				NumVersionsToKeep: 1,
			},
			Redis: defaultRedis(),
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracing: TracingConfig{
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}

func defaultServer() ServerConfig {
	return ServerConfig{
		Host: "0.0.0.0",
		Port: DefaultAdminPort,
		GRPC: GRPCConfig{
			Port:                 DefaultGRPCPort,
			MaxConcurrentStreams: 1024,
			MaxMsgSize:           1 << 20,
			EnableHealthCheck:    true,
			Keepalive: GRPCKeepaliveConfig{
				MaxIdle:             5 * time.Minute,
				Time:                30 * time.Second,
				Timeout:             10 * time.Second,
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			},
		},
		HTTP: HTTPConfig{
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     time.Minute,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  5 * time.Second,
		},
	}
}

// defaultCluster keeps the leader lease shorter than the membership lease,
// so a master that lost its membership has already given up mastership.
func defaultCluster() ClusterConfig {
	return ClusterConfig{
		NodeID:            "node-1",
		Address:           "127.0.0.1:6362",
		Backend:           "memory",
		Redis:             defaultRedis(),
		LeaseTTL:          10 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		FailureThreshold:  3,
		Leader: LeaderConfig{
			LeaseTTL:      8 * time.Second,
			RenewInterval: 2 * time.Second,
			AcquireRetry:  500 * time.Millisecond,
		},
		SwitchRetryInterval: time.Second,
	}
}

func defaultRedis() RedisConfig {
	return RedisConfig{Address: "localhost:6379", Prefix: "graphkeep"}
}
