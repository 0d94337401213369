package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vdplabs/guidance/internal/api"
	"github.com/vdplabs/guidance/internal/cache"
	"github.com/vdplabs/guidance/internal/calibration"
	"github.com/vdplabs/guidance/internal/config"
	"github.com/vdplabs/guidance/internal/events"
	"github.com/vdplabs/guidance/internal/prompt"
	"github.com/vdplabs/guidance/internal/provider"
	"github.com/vdplabs/guidance/internal/ratelimit"
	"github.com/vdplabs/guidance/internal/service"
	"github.com/vdplabs/guidance/internal/store"
	"github.com/vdplabs/guidance/internal/telemetry"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "guidance",
		Short: "AI guideline generation and versioning service",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("guidance v%s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry is optional; the service runs fine without an OTLP
	// collector.
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, "guidance", cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Printf("[Main] telemetry disabled: %v", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	redisClient := connectRedis(ctx, cfg.Redis.URL)

	var (
		versionStore  store.Store
		snapshotStore calibration.SnapshotStore
	)
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("failed to open version store: %w", err)
		}
		defer pg.Close()
		versionStore = pg
		snapshotStore = calibration.NewSQLStore(pg.DB())
	} else {
		log.Printf("[Main] no database configured, using in-memory stores (development only)")
		versionStore = store.NewMemoryStore()
		snapshotStore = calibration.NewMemoryStore()
	}

	protocol, err := provider.NewProtocol(cfg.Backend)
	if err != nil {
		return fmt.Errorf("failed to create model backend: %w", err)
	}
	gateway := provider.NewGateway(protocol, provider.GatewayConfig{
		MaxTokens:   cfg.Generation.MaxTokens,
		Timeout:     cfg.Generation.Timeout,
		Temperature: cfg.Generation.Temperature,
	})

	limiter := ratelimit.New(redisClient, cfg.Generation.RateLimit)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.TTL = cfg.Generation.CacheTTL
	var draftCache *cache.Cache
	if redisClient != nil {
		draftCache = cache.NewWithBackend(cache.NewRedisBackend(redisClient), cacheCfg)
	} else {
		draftCache = cache.New(cacheCfg)
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.NATS.URL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			log.Printf("[Main] event publishing disabled: %v", err)
		} else {
			defer natsPub.Close()
			publisher = natsPub
		}
	}

	gen := service.New(service.Config{
		Snapshots:    snapshotStore,
		Builder:      prompt.NewBuilderWithCategories(prompt.BaseCategories, cfg.Generation.CharBudget),
		Limiter:      limiter,
		Gateway:      gateway,
		Cache:        draftCache,
		Store:        versionStore,
		DefaultModel: cfg.Generation.DefaultModel,
		MaxTokens:    cfg.Generation.MaxTokens,
	})

	server := api.NewServer(gen, versionStore, publisher, cfg)
	handler := otelhttp.NewHandler(server.SetupRoutes(), "guidance-api")

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Main] guidance v%s listening on :%d", version, cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Printf("[Main] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// connectRedis returns nil when the shared store is not configured or not
// reachable; callers degrade to in-process mode.
func connectRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		return nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("[Main] invalid redis URL, using in-process fallback: %v", err)
		return nil
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("[Main] redis unreachable, using in-process fallback: %v", err)
		client.Close()
		return nil
	}

	log.Printf("[Main] connected to shared counter store")
	return client
}
