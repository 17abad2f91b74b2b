// Package config loads, validates and watches the configuration of a
// graphkeep node.
//
// Values are layered: built-in defaults, then the config file, then
// GRAPHKEEP_ environment variables, then command line overrides. Keys are
// the mapstructure tags below joined with dots, e.g. cluster.leader.lease_ttl.
package config

import (
	"fmt"
	"time"
)

// Config is the configuration of one graphkeep node.
type Config struct {
	App     AppConfig     `mapstructure:"app" validate:"required"`
	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Log     LogConfig     `mapstructure:"log" validate:"required"`
	Cluster ClusterConfig `mapstructure:"cluster" validate:"required"`
	Locks   LocksConfig   `mapstructure:"locks" validate:"required"`

	// Storage holds the persisted master epoch.
	Storage StorageConfig `mapstructure:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig describes the running binary.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment" validate:"env"`
	Debug       bool   `mapstructure:"debug"`
}

// LogConfig selects the node logger. Level is the only setting applied
// on reload without a restart.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	// stdout, stderr or a file path.
	Output string `mapstructure:"output"`
}

// ClusterConfig controls membership and the leader lease that decides
// which node is master.
type ClusterConfig struct {
	NodeID string `mapstructure:"node_id" validate:"required"`
	// Address is the master RPC address other nodes dial, host:port.
	Address string `mapstructure:"address" validate:"required,hostport"`

	// Backend is memory for a single process or redis for a real cluster.
	Backend string      `mapstructure:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `mapstructure:"redis"`

	LeaseTTL          time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	// FailureThreshold counts consecutive failed heartbeats after which the
	// node treats itself as cut off and drops its role.
	FailureThreshold int `mapstructure:"failure_threshold" validate:"min=1"`

	Leader LeaderConfig `mapstructure:"leader"`

	SwitchRetryInterval time.Duration `mapstructure:"switch_retry_interval" validate:"gt=0"`
}

// LeaderConfig times the leader lease. RenewInterval must stay below
// LeaseTTL.
type LeaderConfig struct {
	LeaseTTL      time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	RenewInterval time.Duration `mapstructure:"renew_interval" validate:"gt=0"`
	AcquireRetry  time.Duration `mapstructure:"acquire_retry" validate:"gt=0"`
}

// LocksConfig tunes the lock managers on both sides of the master link.
type LocksConfig struct {
	// AcquireTimeout bounds a wait in the local lock tables.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"gt=0"`
	// MaxRetries is how often a slave call fenced by a switch is retried.
	MaxRetries    int           `mapstructure:"max_retries" validate:"min=0"`
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	// AvailabilityTimeout bounds the wait for the node to become available.
	AvailabilityTimeout time.Duration `mapstructure:"availability_timeout" validate:"gt=0"`
}

// StorageConfig picks the epoch store.
type StorageConfig struct {
	Type   string       `mapstructure:"type" validate:"oneof=memory badger redis"`
	Badger BadgerConfig `mapstructure:"badger"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// BadgerConfig opens the embedded epoch store.
type BadgerConfig struct {
	Path              string `mapstructure:"path"`
	SyncWrites        bool   `mapstructure:"sync_writes"`
	ValueLogFileSize  int64  `mapstructure:"value_log_file_size"`
	NumVersionsToKeep int    `mapstructure:"num_versions_to_keep"`
}

// RedisConfig addresses a redis server. Prefix namespaces the keys of one
// cluster so several clusters can share a server.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// MetricsConfig exposes prometheus metrics on the admin server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig exports spans over OTLP/gRPC.
type TracingConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Exporter string            `mapstructure:"exporter" validate:"omitempty,oneof=otlp"`
	Endpoint string            `mapstructure:"endpoint"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Headers  map[string]string `mapstructure:"headers"`
	Sampler  string            `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off parentbased_traceidratio"`
	// SampleRate applies to parentbased_traceidratio.
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate checks cfg. Failures are reported as ValidationErrors.
func (c *Config) Validate() error {
	if err := ValidateWithDetails(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func required(key, why string) ConfigError {
	return ConfigError{Field: key, Message: "is required " + why, Value: ""}
}

// crossCheck covers rules that span fields.
func (c *Config) crossCheck() ValidationErrors {
	var errs ValidationErrors
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, required("tracing.endpoint", "when tracing is enabled"))
	}
	switch {
	case c.Storage.Type == "badger" && c.Storage.Badger.Path == "":
		errs = append(errs, required("storage.badger.path", "for the badger store"))
	case c.Storage.Type == "redis" && c.Storage.Redis.Address == "":
		errs = append(errs, required("storage.redis.address", "for the redis store"))
	}
	if c.Cluster.Backend == "redis" && c.Cluster.Redis.Address == "" {
		errs = append(errs, required("cluster.redis.address", "for the redis backend"))
	}
	if l := c.Cluster.Leader; l.RenewInterval >= l.LeaseTTL {
		errs = append(errs, ConfigError{
			Field:   "cluster.leader.renew_interval",
			Message: "must be shorter than cluster.leader.lease_ttl",
			Value:   l.RenewInterval,
		})
	}
	return errs
}

// String summarises cfg without credentials.
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Node: %s, Server: :%d, GRPC: :%d, Env: %s}",
		c.App.Name, c.Cluster.NodeID, c.Server.Port, c.Server.GRPC.Port, c.App.Environment)
}
