// Package main is the entrypoint for the connection pool service. It
// loads configuration, starts the adjustment loop, exports metrics,
// serves health endpoints, and optionally subscribes to live knob
// updates over Redis, until signaled to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lattice-db/connpool/connector"
	"github.com/lattice-db/connpool/internal/config"
	"github.com/lattice-db/connpool/internal/healthz"
	"github.com/lattice-db/connpool/internal/metrics"
	"github.com/lattice-db/connpool/internal/pool"
	"github.com/lattice-db/connpool/internal/tuning"
)

var configPath = flag.String("config", "configs/pool.yaml", "Path to pool configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting connection pool service")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: instance=%s, max_connections=%d, connector=%s",
		cfg.Proxy.InstanceID, cfg.Pool.MaxConnections, cfg.Pool.ConnectorKind)

	metrics.InstanceUp.WithLabelValues(cfg.Proxy.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Proxy.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Proxy.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch cfg.Pool.ConnectorKind {
	case "sql":
		runPool(rootCtx, cfg, connector.NewSQLConnector(cfg.Pool.DSNTemplate), metricsServer)
	default:
		runPool(rootCtx, cfg, connector.NewSimConnector(), metricsServer)
	}
}

func runPool[T any](ctx context.Context, cfg *config.Config, conn pool.Connector[T], metricsServer *http.Server) {
	p, err := pool.NewPool(cfg.PoolConfig(), conn)
	if err != nil {
		log.Fatalf("[main] Failed to initialize pool: %v", err)
	}
	log.Println("[main] Pool ready")

	go p.Run(ctx)

	checker := healthz.NewChecker(cfg.Proxy.InstanceID, p, cfg.Proxy.HealthCheckPort)
	healthServer := checker.ServeHTTP(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Proxy.AdjustmentInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.Publish(p.Metrics())
			}
		}
	}()

	var tunerSub *tuning.Subscriber
	if cfg.Redis.Enabled {
		tunerSub = tuning.NewSubscriber(cfg.Redis, p)
		go tunerSub.Run(ctx)
		log.Printf("[main] Tuning subscriber listening on Redis channel %s", cfg.Redis.Channel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Pool service is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	metrics.InstanceUp.WithLabelValues(cfg.Proxy.InstanceID).Set(0)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}
	if tunerSub != nil {
		if err := tunerSub.Close(); err != nil {
			log.Printf("[main] Tuning subscriber close error: %v", err)
		}
	}

	p.Shutdown()
	log.Println("[main] Shutdown complete.")
}
