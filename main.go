package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/worph/meta-stremio/pkg/config"
	"github.com/worph/meta-stremio/pkg/gateway"
)

var (
	version = "dev"
)

func main() {
	cfg := config.Default()

	// Registry flags
	flag.StringVar(&cfg.CorePath, "core-path", envOr("META_CORE_PATH", cfg.CorePath), "Shared meta-core volume root")
	flag.StringVar(&cfg.ServiceName, "service-name", envOr("SERVICE_NAME", cfg.ServiceName), "Name this process registers under")
	flag.StringVar(&cfg.Hostname, "hostname", os.Getenv("HOSTNAME"), "Hostname for the registration identity (default: os hostname)")
	flag.StringVar(&cfg.BaseURL, "base-url", os.Getenv("BASE_URL"), "Advertised base URL (default: auto-detected)")
	flag.IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP port for health and status endpoints")

	// Redis flags
	flag.StringVar(&cfg.RedisURL, "redis-url", os.Getenv("REDIS_URL"), "Direct Redis URL, disables leader discovery")
	flag.StringVar(&cfg.RedisPrefix, "redis-prefix", envOr("REDIS_PREFIX", cfg.RedisPrefix), "Key prefix used by the metadata writer")

	// Discovery timing flags
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Interval between registry heartbeats")
	flag.DurationVar(&cfg.StaleThreshold, "stale-threshold", cfg.StaleThreshold, "Heartbeat age beyond which a record is considered dead")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Interval between leader rescans and health probes")
	flag.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Timeout for a single leader health probe")
	flag.IntVar(&cfg.MaxFailures, "max-failures", cfg.MaxFailures, "Consecutive probe failures before the leader is declared lost")
	flag.StringVar(&cfg.CoreService, "core-service", cfg.CoreService, "Role-bearing service name surfaced once per scan")

	// Authentication flags
	flag.StringVar(&cfg.SharedSecret, "shared-secret", os.Getenv("SHARED_SECRET"), "Shared secret for coordinator authentication")

	// Logging flags
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging (use --debug=true)")
	flag.Parse()

	klog.InfoS("Starting meta-stremio gateway",
		"version", version,
		"service", cfg.ServiceName,
		"corePath", cfg.CorePath)

	if cfg.CorePath == "" {
		klog.Fatal("--core-path is required")
	}
	if cfg.MaxFailures < 1 {
		klog.Fatalf("Invalid --max-failures: %d (must be at least 1)", cfg.MaxFailures)
	}
	if cfg.SharedSecret == "" {
		klog.Warning("No shared secret configured - coordinator authentication disabled")
	}

	gw := gateway.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := gw.Run(ctx); err != nil {
		klog.Fatalf("Gateway error: %v", err)
	}

	klog.Info("Shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
