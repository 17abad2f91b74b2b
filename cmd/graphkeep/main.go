// Command graphkeep runs one node of a graphkeep cluster. The node follows
// the cluster leader lease: it serves the master lock service while it holds
// the lease and forwards lock requests to the elected master otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/graphkeep/graphkeep/config"
	"github.com/graphkeep/graphkeep/pkg/logger"
	"github.com/graphkeep/graphkeep/pkg/telemetry/tracing"
	"github.com/graphkeep/graphkeep/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	nodeID     = flag.String("node-id", "", "Override cluster node id")
	serverPort = flag.Int("port", 0, "Override admin HTTP port")
	grpcPort   = flag.Int("grpc-port", 0, "Override master RPC port")
	logLevel   = flag.String("log-level", "", "Override log level")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "graphkeep: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath, buildOverrides())
	if err != nil {
		return fmt.Errorf("failed to load configuration:\n%w", err)
	}

	log := newLogger(cfg, *debugMode)
	logger.SetGlobal(log)
	defer log.Close()

	log.Info("starting graphkeep",
		"version", version.String(),
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Resource{
		Service: cfg.App.Name,
		Version: version.Version,
		NodeID:  cfg.Cluster.NodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	n, err := newNode(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to assemble node: %w", err)
	}
	if err := n.start(ctx); err != nil {
		_ = n.stop(context.Background())
		return fmt.Errorf("failed to start node: %w", err)
	}

	if loader.Path() != "" {
		watchConfig(ctx, loader, cfg, log)
	}

	log.Info("graphkeep is running",
		"node", cfg.Cluster.NodeID,
		"http_port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPC.Port,
	)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	stopErr := n.stop(shutdownCtx)
	if stopErr != nil {
		log.Error("node shutdown incomplete", "error", stopErr)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", "error", err)
	}
	log.Info("graphkeep stopped")
	return stopErr
}

func newLogger(cfg *config.Config, debug bool) logger.Logger {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Node:   cfg.Cluster.NodeID,
	}
	if cfg.App.Debug || debug {
		logCfg.Level = logger.DebugLevel
	}
	return logger.New(logCfg)
}

// watchConfig applies hot-reloadable settings until ctx is done.
func watchConfig(ctx context.Context, loader *config.Loader, cfg *config.Config, log logger.Logger) {
	w, err := config.NewWatcher(loader, cfg, config.WithWatcherLogger(log.With("component", "config")))
	if err != nil {
		log.Warn("config hot reload disabled", "error", err)
		return
	}
	w.OnChange(func(cfg *config.Config) {
		level := logger.ParseLevel(cfg.Log.Level)
		if level != log.GetLevel() {
			log.SetLevel(level)
			log.Info("log level changed", "level", level.String())
		}
	})
	go func() {
		defer w.Stop()
		if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config watcher stopped", "error", err)
		}
	}()
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Server.HTTP.ShutdownTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *nodeID != "" {
		overrides["cluster.node_id"] = *nodeID
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *grpcPort != 0 {
		overrides["server.grpc.port"] = *grpcPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("graphkeep - HA role switching for graph database clusters\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("graphkeep - HA role switching for graph database clusters\n\n")
	fmt.Printf("Usage: graphkeep [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  graphkeep -config node.yaml                  # Use specific config file\n")
	fmt.Printf("  graphkeep -node-id node-2 -port 7481         # Override specific options\n")
	fmt.Printf("  GRAPHKEEP_LOG__LEVEL=debug graphkeep         # Override through the environment\n")
	fmt.Printf("  graphkeep -version                           # Print version info\n")
}
