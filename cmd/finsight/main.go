package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/api"
	"github.com/finsight-ai/finsight/internal/config"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/detect"
	"github.com/finsight-ai/finsight/internal/events"
	"github.com/finsight-ai/finsight/internal/learning"
	"github.com/finsight-ai/finsight/internal/market"
	"github.com/finsight-ai/finsight/internal/metrics"
	"github.com/finsight-ai/finsight/internal/profile"
	"github.com/finsight-ai/finsight/internal/scan"
	"github.com/finsight-ai/finsight/internal/tracking"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	once := flag.Bool("once", false, "Run one detection cycle and one tracker poll, then exit")
	verifyConfig := flag.Bool("verify-config", false, "Validate configuration and connectivity, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", config.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting FinSight scanner")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Vault overrides the env/file secrets when enabled. A Vault outage
	// degrades to whatever the environment provided.
	vaultCfg := config.GetVaultConfigFromEnv()
	if vaultCfg.Enabled {
		if err := config.LoadSecretsFromVault(ctx, cfg, vaultCfg); err != nil {
			log.Warn().Err(err).Msg("Vault secrets unavailable, using environment values")
		}
	}

	opts := config.DefaultValidatorOptions()
	if *verifyConfig {
		opts.VerifyProviders = true
	}
	if err := config.NewValidator(cfg, opts).ValidateStartup(ctx); err != nil {
		log.Fatal().Err(err).Msg("Startup validation failed")
	}
	if *verifyConfig {
		log.Info().Msg("Configuration verified")
		return
	}

	database, err := db.NewWithURL(ctx, cfg.Database.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()
	store := db.NewStoreWithPool(database.Pool())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	cache := market.NewCache(redisClient, cfg.Providers.GetCacheTTL())

	provider, err := buildProvider(cfg, cache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build market data provider")
	}

	publisher := events.Disabled()
	if cfg.NATS.Enabled {
		if p, err := events.New(events.Config{URL: cfg.NATS.URL}); err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, events disabled")
		} else {
			publisher = p
		}
	}
	defer publisher.Close()

	learner := learning.NewLearner(cfg.Learning.HalflifeDays)
	if n, err := learner.WarmStart(ctx, store, cfg.Learning.WarmStartDays); err != nil {
		log.Warn().Err(err).Msg("Causal warm start failed, learning from scratch")
	} else {
		log.Info().Int("observations", n).Msg("Causal learner warm-started")
	}

	tracker := tracking.NewScheduler(store, provider, learner, publisher, tracking.Config{
		ProfitThreshold:   cfg.Tracking.ProfitThreshold,
		UserActionTimeout: cfg.Tracking.GetUserActionTimeout(),
		PollInterval:      cfg.Tracking.GetPollInterval(),
	})
	if n, err := tracker.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("Orphaned follow-up recovery failed")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("Orphaned follow-ups recovered")
	}

	decisionAgent := agent.New()
	adapter := learning.NewThresholdAdapter(store, detect.DefaultThresholds(), cfg.Learning.GetAdaptInterval())

	supervisor, err := scan.New(scan.Services{
		Market:   provider,
		Store:    store,
		Learner:  learner,
		Agent:    decisionAgent,
		Tracker:  tracker,
		Events:   publisher,
		Profiles: profile.NewDirSource(cfg.Scan.ProfilesDir),
		Logger:   config.NewLogger("scan"),
	}, scan.Config{
		Interval:    cfg.Scan.GetInterval(),
		Concurrency: cfg.Scan.Concurrency,
		BarPeriod:   cfg.Scan.BarPeriod,
		BarInterval: cfg.Scan.BarInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scan supervisor")
	}

	if *once {
		stats := supervisor.Cycle(ctx)
		if err := tracker.Poll(ctx); err != nil {
			log.Error().Err(err).Msg("Tracker poll failed")
		}
		log.Info().
			Int("symbols", stats.Symbols).
			Int("anomalies", stats.Anomalies).
			Int("tracked", stats.Tracked).
			Msg("Single cycle complete")
		return
	}

	var updater *metrics.Updater
	if cfg.Monitoring.EnableMetrics {
		updater = metrics.NewUpdater(database.Pool(), cfg.Monitoring.GetUpdateInterval())
		go updater.Start(ctx)
	}

	server := api.NewServer(api.Config{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Auth: api.AuthConfig{
			Enabled:      cfg.API.Auth.Enabled,
			HeaderName:   cfg.API.Auth.HeaderName,
			RequireHTTPS: cfg.API.Auth.RequireHTTPS,
		},
	}, api.Deps{
		Store:    store,
		Insights: learner,
		Agent:    decisionAgent,
		Scanner:  supervisor,
		Keys:     store,
		DB:       database,
		Cache:    cache,
		Events:   publisher,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
	go supervisor.Run(ctx)
	go tracker.Run(ctx)
	go adapter.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Server error")
	}

	log.Info().Msg("Initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping API server")
	}
	if updater != nil {
		updater.Stop()
	}

	log.Info().Msg("Shutdown complete")
}

// buildProvider assembles the vendor chain in configured order, wraps it
// in the fallback composite, and layers the Redis cache on top.
func buildProvider(cfg *config.Config, cache *market.Cache) (market.Provider, error) {
	var providers []market.Provider
	limits := make(map[string]market.VendorLimits)

	for _, name := range cfg.Providers.Order {
		switch name {
		case "alpha_vantage":
			pc := cfg.Providers.AlphaVantage
			if pc.APIKey == "" {
				log.Warn().Str("provider", name).Msg("No API key configured, skipping provider")
				continue
			}
			client := market.NewAlphaVantageClient(market.ClientConfig{
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Timeout: pc.GetTimeout(),
			})
			providers = append(providers, client)
			limits[client.Name()] = market.VendorLimits{
				PerMinute: pc.RequestsPerMinute,
				PerDay:    pc.DailyBudget,
			}
		case "twelve_data":
			pc := cfg.Providers.TwelveData
			if pc.APIKey == "" {
				log.Warn().Str("provider", name).Msg("No API key configured, skipping provider")
				continue
			}
			client := market.NewTwelveDataClient(market.ClientConfig{
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Timeout: pc.GetTimeout(),
			})
			providers = append(providers, client)
			limits[client.Name()] = market.VendorLimits{
				PerMinute: pc.RequestsPerMinute,
				PerDay:    pc.DailyBudget,
			}
		default:
			return nil, fmt.Errorf("unknown market data provider %q", name)
		}
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("no market data providers configured")
	}

	return market.NewCached(market.NewFallback(providers, limits), cache), nil
}
