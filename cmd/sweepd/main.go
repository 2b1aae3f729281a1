package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/nathklei/atlasdb/pkg/kv"
	"github.com/nathklei/atlasdb/pkg/kv/inmem"
	"github.com/nathklei/atlasdb/pkg/kv/pgkvs"
	"github.com/nathklei/atlasdb/pkg/logging"
	"github.com/nathklei/atlasdb/pkg/metrics"
	"github.com/nathklei/atlasdb/pkg/sweep"
)

// serverConfig is the daemon's yaml configuration: the queue constants
// plus the tables to sweep and their strategies.
type serverConfig struct {
	Sweep  sweep.Config      `yaml:"sweep"`
	Tables map[string]string `yaml:"tables"`
}

func loadServerConfig(path string) (serverConfig, error) {
	conf := serverConfig{Sweep: sweep.DefaultConfig()}
	if path == "" {
		return conf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, err
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, err
	}
	return conf, conf.Sweep.Validate()
}

func strategyResolver(tables map[string]string) (sweep.StaticStrategyResolver, error) {
	resolver := make(sweep.StaticStrategyResolver, len(tables))
	for table, strategy := range tables {
		switch strategy {
		case "conservative":
			resolver[kv.TableReference(table)] = sweep.StrategyConservative
		case "thorough":
			resolver[kv.TableReference(table)] = sweep.StrategyThorough
		default:
			log.Fatalf("Unknown sweep strategy %q for table %q", strategy, table)
		}
	}
	return resolver, nil
}

func main() {
	configPath := flag.String("config", "", "Path to yaml config")
	listen := flag.String("listen", ":8080", "HTTP listen address")
	postgresURL := flag.String("postgres", "", "PostgreSQL URL (in-memory store if empty)")
	flag.Parse()

	log.Printf("🧹 AtlasDB targeted sweep daemon starting...")

	conf, err := loadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	var kvs kv.KeyValueService
	if *postgresURL != "" {
		store, err := pgkvs.New(ctx, *postgresURL)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		kvs = store
		log.Printf("🐘 Using PostgreSQL store")
	} else {
		kvs = inmem.New()
		log.Printf("📦 Using in-memory store")
	}
	defer kvs.Close()

	resolver, err := strategyResolver(conf.Tables)
	if err != nil {
		log.Fatalf("Failed to resolve table strategies: %v", err)
	}

	logger := logging.NewDefaultLogger()
	registry := metrics.NewRegistry()
	txns := sweep.NewTransactionService(kvs)
	progress := sweep.NewShardProgress(kvs, conf.Sweep.Shards, logger)
	partitioner := sweep.NewPartitioner(conf.Sweep, progress, resolver)
	queue := sweep.NewSweepableCells(kvs, txns, partitioner, registry, logger, conf.Sweep)

	// The sweep horizon: the wall clock in microseconds. The enqueue and
	// commit endpoints take the timestamps given in their payloads.
	tsProvider := sweep.SweepTimestampFunc(func(ctx context.Context, _ sweep.Strategy) (int64, error) {
		return time.Now().UnixMicro(), nil
	})

	sweeper := sweep.NewSweeper(queue, progress, kvs, tsProvider, registry, logger, conf.Sweep)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}
	defer sweeper.Stop()

	server := &Server{
		kvs:      kvs,
		queue:    queue,
		txns:     txns,
		progress: progress,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", server.health).Methods("GET")
	router.HandleFunc("/progress/{strategy}/{shard}", server.getProgress).Methods("GET")
	router.HandleFunc("/enqueue", server.enqueue).Methods("POST")
	router.HandleFunc("/commit", server.commit).Methods("POST")
	router.Handle("/metrics", promhttp.HandlerFor(registry.GetPrometheusRegistry(), promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: *listen, Handler: router}
	go func() {
		log.Printf("🌐 Listening on %s", *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("👋 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
