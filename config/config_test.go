package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "graphkeep" {
		t.Errorf("expected app name 'graphkeep', got %s", cfg.App.Name)
	}
	if cfg.App.Environment != "development" {
		t.Errorf("expected environment 'development', got %s", cfg.App.Environment)
	}
	if cfg.Server.Port != 7480 {
		t.Errorf("expected server port 7480, got %d", cfg.Server.Port)
	}
	if cfg.Server.GRPC.Port != 6362 {
		t.Errorf("expected grpc port 6362, got %d", cfg.Server.GRPC.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Cluster.Backend != "memory" {
		t.Errorf("expected cluster backend 'memory', got %s", cfg.Cluster.Backend)
	}
	if cfg.Locks.MaxRetries != 3 {
		t.Errorf("expected locks.max_retries 3, got %d", cfg.Locks.MaxRetries)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected storage type 'memory', got %s", cfg.Storage.Type)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{"valid config", func(cfg *Config) {}, false},
		{"missing app name", func(cfg *Config) { cfg.App.Name = "" }, true},
		{"invalid port", func(cfg *Config) { cfg.Server.Port = 99999 }, true},
		{"invalid log level", func(cfg *Config) { cfg.Log.Level = "trace" }, true},
		{"invalid environment", func(cfg *Config) { cfg.App.Environment = "invalid" }, true},
		{"missing node id", func(cfg *Config) { cfg.Cluster.NodeID = "" }, true},
		{"missing advertised address", func(cfg *Config) { cfg.Cluster.Address = "" }, true},
		{"advertised address without port", func(cfg *Config) { cfg.Cluster.Address = "10.0.0.1" }, true},
		{"invalid coordination backend", func(cfg *Config) { cfg.Cluster.Backend = "zookeeper" }, true},
		{"redis backend", func(cfg *Config) { cfg.Cluster.Backend = "redis" }, false},
		{"redis backend without address", func(cfg *Config) {
			cfg.Cluster.Backend = "redis"
			cfg.Cluster.Redis.Address = ""
		}, true},
		{"zero lease ttl", func(cfg *Config) { cfg.Cluster.LeaseTTL = 0 }, true},
		{"renew not shorter than lease", func(cfg *Config) { cfg.Cluster.Leader.RenewInterval = cfg.Cluster.Leader.LeaseTTL }, true},
		{"negative retries", func(cfg *Config) { cfg.Locks.MaxRetries = -1 }, true},
		{"zero acquire timeout", func(cfg *Config) { cfg.Locks.AcquireTimeout = 0 }, true},
		{"invalid storage type", func(cfg *Config) { cfg.Storage.Type = "sqlite" }, true},
		{"badger without path", func(cfg *Config) {
			cfg.Storage.Type = "badger"
			cfg.Storage.Badger.Path = ""
		}, true},
		{"redis without address", func(cfg *Config) {
			cfg.Storage.Type = "redis"
			cfg.Storage.Redis.Address = ""
		}, true},
		{"tracing without endpoint", func(cfg *Config) {
			cfg.Tracing.Enabled = true
			cfg.Tracing.Endpoint = ""
		}, true},
		{"invalid tracing exporter", func(cfg *Config) { cfg.Tracing.Exporter = "zipkin" }, true},
		{"invalid sampler", func(cfg *Config) { cfg.Tracing.Sampler = "sometimes" }, true},
		{"missing tls cert", func(cfg *Config) {
			cfg.Server.GRPC.TLS.Enabled = true
			cfg.Server.GRPC.TLS.CertFile = "/nonexistent/cert.pem"
		}, true},
		{"invalid host", func(cfg *Config) { cfg.Server.Host = "invalid host" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "server.port", Message: "must be between 1 and 65535", Value: 99999},
		{Field: "log.level", Message: "must be one of [debug info warn error]", Value: "trace"},
	}

	errMsg := errs.Error()
	if !strings.Contains(errMsg, "server.port") || !strings.Contains(errMsg, "log.level") {
		t.Errorf("expected both fields in %q", errMsg)
	}
	if (ValidationErrors{}).Error() != "no validation errors" {
		t.Error("expected empty message for no errors")
	}
}

func TestValidateWithDetails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster.NodeID = ""
	cfg.Log.Level = "trace"

	err := ValidateWithDetails(cfg)
	details, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(details) != 2 {
		t.Fatalf("expected 2 details, got %d: %v", len(details), details)
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	s := cfg.String()
	if !strings.Contains(s, "node-1") {
		t.Errorf("expected node id in %q", s)
	}
}

func TestLoader_GetSet(t *testing.T) {
	loader := NewLoader()
	if _, err := loader.Load("", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := loader.GetString("app.name"); got != "graphkeep" {
		t.Errorf("expected 'graphkeep', got %q", got)
	}
	if got := loader.GetInt("server.grpc.port"); got != 6362 {
		t.Errorf("expected 6362, got %d", got)
	}
	if err := loader.Set("cluster.node_id", "node-9"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := loader.GetString("cluster.node_id"); got != "node-9" {
		t.Errorf("expected 'node-9', got %q", got)
	}
	if loader.Print() == "" {
		t.Error("expected non-empty print output")
	}
}

func TestLoader_LoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
app:
  name: yaml-test
  environment: production
server:
  port: 9999
  grpc:
    port: 7000
log:
  level: debug
  format: text
cluster:
  node_id: node-7
  address: 10.0.0.7:7000
  leader:
    lease_ttl: 4s
    renew_interval: 1s
locks:
  acquire_timeout: 3s
  max_retries: 5
storage:
  type: badger
  badger:
    path: /var/lib/graphkeep/epochs
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := NewLoader().Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "yaml-test" {
		t.Errorf("expected 'yaml-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.GRPC.Port != 7000 {
		t.Errorf("expected 7000, got %d", cfg.Server.GRPC.Port)
	}
	if cfg.Cluster.NodeID != "node-7" {
		t.Errorf("expected 'node-7', got '%s'", cfg.Cluster.NodeID)
	}
	if cfg.Cluster.Leader.LeaseTTL != 4*time.Second {
		t.Errorf("expected leader lease 4s, got %v", cfg.Cluster.Leader.LeaseTTL)
	}
	if cfg.Cluster.Leader.AcquireRetry != 500*time.Millisecond {
		t.Errorf("expected default acquire retry, got %v", cfg.Cluster.Leader.AcquireRetry)
	}
	if cfg.Locks.AcquireTimeout != 3*time.Second || cfg.Locks.MaxRetries != 5 {
		t.Errorf("unexpected locks config %+v", cfg.Locks)
	}
	if cfg.Locks.AvailabilityTimeout != 5*time.Second {
		t.Errorf("expected default availability timeout, got %v", cfg.Locks.AvailabilityTimeout)
	}
	if cfg.Storage.Type != "badger" || cfg.Storage.Badger.Path != "/var/lib/graphkeep/epochs" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	jsonContent := `{
  "app": {"name": "json-test"},
  "cluster": {"node_id": "node-j", "address": "10.0.0.8:6362"}
}`
	if err := os.WriteFile(configPath, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := NewLoader().Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.App.Name != "json-test" || cfg.Cluster.NodeID != "node-j" {
		t.Errorf("unexpected config %s", cfg)
	}
}

func TestLoader_LoadInvalidFile(t *testing.T) {
	if _, err := NewLoader().Load("/nonexistent/config.yaml", nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoader_LoadUnsupportedFormat(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("name = 'x'"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := NewLoader().Load(configPath, nil); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("GRAPHKEEP_CLUSTER__NODE_ID", "env-node")
	t.Setenv("GRAPHKEEP_LOG__LEVEL", "error")

	cfg, err := NewLoader().Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cluster.NodeID != "env-node" {
		t.Errorf("expected node id from env, got %q", cfg.Cluster.NodeID)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected log level from env, got %q", cfg.Log.Level)
	}
}

func TestLoader_Overrides(t *testing.T) {
	cfg, err := NewLoader().Load("", map[string]interface{}{
		"cluster.node_id": "flag-node",
		"log.level":       "debug",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cluster.NodeID != "flag-node" || cfg.Log.Level != "debug" {
		t.Errorf("overrides not applied: %s, level %s", cfg, cfg.Log.Level)
	}
	if cfg.Cluster.Address != "127.0.0.1:6362" {
		t.Errorf("expected default address to survive overrides, got %q", cfg.Cluster.Address)
	}
}

func TestLoader_ReloadKeepsOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "graphkeep.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: info\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if _, err := loader.Load(configPath, map[string]interface{}{"cluster.node_id": "flag-node"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loader.Path() != configPath {
		t.Errorf("expected path %q, got %q", configPath, loader.Path())
	}

	if err := os.WriteFile(configPath, []byte("log:\n  level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	cfg, err := loader.Reload()
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected reloaded level warn, got %q", cfg.Log.Level)
	}
	if cfg.Cluster.NodeID != "flag-node" {
		t.Errorf("expected override to survive reload, got %q", cfg.Cluster.NodeID)
	}
}

func TestLoader_ReloadWithoutFile(t *testing.T) {
	loader := NewLoader()
	if _, err := loader.Reload(); err != ErrNoConfigFile {
		t.Errorf("expected ErrNoConfigFile, got %v", err)
	}
}

func TestLoader_Discover(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := os.WriteFile("graphkeep.json", []byte(`{"cluster": {"node_id": "found"}}`), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cluster.NodeID != "found" {
		t.Errorf("expected discovered node id, got %q", cfg.Cluster.NodeID)
	}
	if loader.Path() != "graphkeep.json" {
		t.Errorf("expected discovered path, got %q", loader.Path())
	}
}

func TestFlatten(t *testing.T) {
	flat := flatten(DefaultConfig())
	if flat["cluster.leader.lease_ttl"] != "8s" {
		t.Errorf("expected duration rendered as string, got %v", flat["cluster.leader.lease_ttl"])
	}
	if flat["server.grpc.port"] != 6362 {
		t.Errorf("expected grpc port 6362, got %v", flat["server.grpc.port"])
	}
	if _, ok := flat["tracing.headers"]; ok {
		t.Error("expected nil map to be omitted")
	}
}

func TestGRPCConfig_ToGRPCConfig(t *testing.T) {
	cfg := DefaultConfig()
	grpcCfg := cfg.Server.GRPC.ToGRPCConfig("0.0.0.0", true)

	if grpcCfg.Address != "0.0.0.0:6362" {
		t.Errorf("expected address 0.0.0.0:6362, got %s", grpcCfg.Address)
	}
	if grpcCfg.TLS != nil {
		t.Error("expected no TLS config by default")
	}
	if !grpcCfg.EnableTracing {
		t.Error("expected tracing flag to be forwarded")
	}
	if grpcCfg.Keepalive == nil || grpcCfg.Keepalive.Time != 30*time.Second {
		t.Errorf("unexpected keepalive %+v", grpcCfg.Keepalive)
	}
	if err := grpcCfg.Validate(); err != nil {
		t.Errorf("converted config must be valid: %v", err)
	}
}

func TestGRPCConfig_ToGRPCConfig_WithTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.GRPC.TLS = GRPCTLSConfig{
		Enabled:    true,
		CertFile:   "/etc/graphkeep/tls.crt",
		KeyFile:    "/etc/graphkeep/tls.key",
		CAFile:     "/etc/graphkeep/ca.crt",
		ClientAuth: true,
	}
	grpcCfg := cfg.Server.GRPC.ToGRPCConfig("", false)

	if grpcCfg.TLS == nil || !grpcCfg.TLS.ClientAuth || grpcCfg.TLS.CAFile != "/etc/graphkeep/ca.crt" {
		t.Errorf("unexpected TLS config %+v", grpcCfg.TLS)
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := DefaultConfig()

	sc := cfg.Locks.SlaveConfig()
	if sc.MaxRetries != 3 || sc.AvailabilityTimeout != 5*time.Second || sc.RetryInterval != 50*time.Millisecond {
		t.Errorf("unexpected slave config %+v", sc)
	}
	lc := cfg.Cluster.LifecycleConfig()
	if lc.LeaseTTL != 10*time.Second || lc.FailureThreshold != 3 {
		t.Errorf("unexpected lifecycle config %+v", lc)
	}
	ec := cfg.Cluster.ElectorConfig()
	if ec.LeaseTTL != 8*time.Second || ec.RenewInterval != 2*time.Second {
		t.Errorf("unexpected elector config %+v", ec)
	}
}
