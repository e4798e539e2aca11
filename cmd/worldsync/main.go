package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/darrylyeo/asphodel-mud-classic/internal"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/config"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/ledger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/mirror"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/profiler"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/schema"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/server"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/snapshot"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/stream"
)

var Version = "dev"

var (
	productionCategories = []string{"startup", "snapshot", "backfill", "stream", "mirror", "ledger", "http", "profiler"}
	debugCategories      = []string{"debug", "debug-poll", "debug-snapshot", "debug-backfill"}
	allCategories        = append(append([]string{}, productionCategories...), debugCategories...)
)

func main() {
	config.CheckVersion(Version)

	cfg := &internal.Config{}
	if err := config.Load(cfg, os.Args[1:]); err != nil {
		logger.Fatal("Config error: %v", err)
	}

	logger.RegisterCategories(allCategories...)
	if cfg.Debug {
		logger.SetMinLevel(logger.LevelDebug)
		logger.SetCategoryFilter(nil)
	} else {
		logger.SetCategoryFilter(cfg.LogFilter)
	}

	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			logger.Fatal("Failed to open log file %s: %v", cfg.LogFile, err)
		}
		defer logger.Close()
		logger.Printf("startup", "Logging to file: %s", cfg.LogFile)
	}

	logger.Printf("startup", "worldsync %s starting...", Version)
	logger.Printf("startup", "Sources:")
	logger.Printf("startup", "  ledger-rpc: %s", cfg.LedgerRPC)
	if cfg.SnapshotURL != "" {
		logger.Printf("startup", "  snapshot-url: %s", cfg.SnapshotURL)
	} else {
		logger.Printf("startup", "  snapshot-url: (not set, starting from the ledger alone)")
	}
	if cfg.StreamURL != "" {
		logger.Printf("startup", "  stream-url: %s", cfg.StreamURL)
	} else {
		logger.Printf("startup", "  stream-url: (not set, polling the ledger)")
	}
	logger.Printf("startup", "World:")
	logger.Printf("startup", "  world: %s", cfg.World)
	if len(cfg.Components) > 0 {
		logger.Printf("startup", "  components: %s", strings.Join(cfg.Components, ", "))
	}
	logger.Printf("startup", "  start-block: %d", cfg.StartBlock)
	logger.Printf("startup", "Sync:")
	logger.Printf("startup", "  chunk-size: %d", cfg.ChunkSize)
	logger.Printf("startup", "  poll-interval: %v", cfg.PollIntervalDuration())
	logger.Printf("startup", "  rate-limit: %d/s", cfg.RateLimit)
	if cfg.MirrorPath != "" {
		logger.Printf("startup", "  mirror-path: %s", cfg.MirrorPath)
	} else {
		logger.Printf("startup", "  mirror-path: (not set, in-memory only)")
	}
	logger.Println("startup", "")

	if cfg.Profile {
		profiler.EnableBlockProfiling()
		profiler.Start(profiler.Config{
			ServiceName: "worldsync",
			Interval:    time.Duration(cfg.ProfileInterval) * time.Second,
		})
		defer profiler.Stop()
	}

	client, err := ethclient.Dial(cfg.LedgerRPC)
	if err != nil {
		logger.Fatal("Failed to dial ledger RPC %s: %v", cfg.LedgerRPC, err)
	}
	defer client.Close()

	registry, err := schema.NewContractRegistry(client, common.HexToAddress(cfg.World))
	if err != nil {
		logger.Fatal("Failed to build registry binding: %v", err)
	}
	decoder := schema.NewDecoder(registry)

	var inner mirror.Store
	if cfg.MirrorPath != "" {
		inner, err = mirror.OpenPebbleStore(cfg.MirrorPath)
		if err != nil {
			logger.Fatal("Failed to open mirror database %s: %v", cfg.MirrorPath, err)
		}
	} else {
		inner = mirror.NewMemoryStore()
	}
	store := mirror.Guard(inner)
	defer store.Close()

	addresses := make([]common.Address, 0, len(cfg.Components))
	for _, hex := range cfg.Components {
		addresses = append(addresses, common.HexToAddress(hex))
	}
	fetcherConfig := ledger.FetcherConfig{
		Addresses: addresses,
		Retry:     ledger.RetryConfig{Timeout: cfg.RetryTimeoutDuration(), MaxDelay: 10 * time.Second},
	}
	if cfg.RateLimit > 0 {
		fetcherConfig.RateLimit = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	fetcher := ledger.NewFetcher(client, decoder, fetcherConfig)

	service := internal.NewService(cfg, store, fetcher, client)
	if cfg.SnapshotURL != "" {
		snapshotClient := snapshot.NewClient(cfg.SnapshotURL, 60*time.Second)
		service.WithSnapshots(snapshot.NewFetcher(snapshotClient, decoder))
	}
	if cfg.StreamURL != "" {
		service.WithPushFeed(stream.NewPushAdapter(decoder, stream.PushConfig{
			URL:   cfg.StreamURL,
			World: common.HexToAddress(cfg.World),
		}))
	}

	if cfg.MetricsListen != "none" && cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsListener := server.SocketListen(cfg.MetricsListen)
		go func() {
			if err := http.Serve(metricsListener, metricsMux); err != nil {
				logger.Printf("startup", "metrics server failed: %v", err)
			}
		}()
		logger.Printf("startup", "Metrics server listening on %s", cfg.MetricsListen)
	}

	rpc := internal.NewRPC(store, service.LastSynced())
	apiMux := http.NewServeMux()
	rpc.Routes(apiMux)
	for _, listen := range []string{cfg.HTTPListen, cfg.HTTPSocket} {
		if listen == "none" || listen == "" {
			continue
		}
		listener := server.SocketListen(listen)
		go func(addr string) {
			if err := http.Serve(listener, apiMux); err != nil {
				logger.Printf("http", "API server on %s failed: %v", addr, err)
			}
		}(listen)
		logger.Printf("startup", "API server listening on %s", listen)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		logger.Printf("startup", "Received %v, shutting down...", s)
		cancel()
	}()

	if err := service.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("Sync failed: %v", err)
	}
	logger.Printf("startup", "Done")
}
