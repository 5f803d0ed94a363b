// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main is the entry point for the orchestrator's admin HTTP
// surface, worker pool, and housekeeper sweep, run as a single process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nessusapi/orchestrator/internal/config"
	"github.com/nessusapi/orchestrator/internal/driver"
	"github.com/nessusapi/orchestrator/internal/handler"
	"github.com/nessusapi/orchestrator/internal/housekeeper"
	"github.com/nessusapi/orchestrator/internal/idempotency"
	"github.com/nessusapi/orchestrator/internal/model"
	"github.com/nessusapi/orchestrator/internal/pkg/logger"
	"github.com/nessusapi/orchestrator/internal/queue"
	"github.com/nessusapi/orchestrator/internal/registry"
	"github.com/nessusapi/orchestrator/internal/router"
	"github.com/nessusapi/orchestrator/internal/service"
	"github.com/nessusapi/orchestrator/internal/store"
	"github.com/nessusapi/orchestrator/internal/worker"
)

// rootCmd is the root command for the CLI application.
var rootCmd = &cobra.Command{
	Use:   "nessus-orchestrator",
	Short: "Vulnerability-scan orchestration over a pool of Nessus scanners",
	Long:  `Queues, runs, and reports on vulnerability scans against one or more Nessus scanner pools.`,
	Run:   runServer,
}

// init registers CLI flags and binds NESSUS_-prefixed environment variables.
func init() {
	rootCmd.Flags().String("host", "0.0.0.0", "Admin HTTP server host")
	rootCmd.Flags().IntP("port", "p", 8080, "Admin HTTP server port")
	rootCmd.Flags().StringSlice("cors-allowed-origins", []string{"*"}, "CORS allowed origins")

	rootCmd.Flags().String("redis-addr", "127.0.0.1:6379", "Redis address for the Queue, Idempotency Index, and worker heartbeats")
	rootCmd.Flags().String("redis-password", "", "Redis password")
	rootCmd.Flags().Int("redis-db", 0, "Redis logical database index")

	rootCmd.Flags().String("data-dir", "./data", "Directory for task records and result artifacts")
	rootCmd.Flags().String("scanner-registry-file", "./scanners.yaml", "Path to the scanner pool YAML file")
	rootCmd.Flags().StringSlice("worker-pools", nil, "Pools this process's worker dequeues from (empty = all declared pools)")
	rootCmd.Flags().Int("max-concurrent-scans", 10, "Global worker concurrency ceiling")
	rootCmd.Flags().Int("per-task-deadline-minutes", 1440, "Per-task deadline in minutes before a RUNNING task is force-timed-out")
	rootCmd.Flags().Int("sweep-interval-minutes", 60, "Housekeeper sweep cadence in minutes")
	rootCmd.Flags().Int("completed-retention-days", 7, "Days to retain COMPLETED tasks")
	rootCmd.Flags().Int("failed-retention-days", 30, "Days to retain FAILED/TIMEOUT tasks")

	rootCmd.Flags().String("oidc-client-id", "", "OIDC client ID")
	rootCmd.Flags().String("oidc-client-secret", "", "OIDC client secret")
	rootCmd.Flags().String("oidc-issuer", "", "OIDC issuer URL")
	rootCmd.Flags().String("oidc-redirect-url", "", "OIDC redirect URL")

	viper.BindPFlags(rootCmd.Flags())

	viper.SetEnvPrefix("NESSUS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

func loadConfig() *config.Config {
	oidcClientID := viper.GetString("oidc-client-id")
	oidcClientSecret := viper.GetString("oidc-client-secret")
	oidcIssuer := viper.GetString("oidc-issuer")

	return &config.Config{
		Server: config.ServerConfig{
			Host: viper.GetString("host"),
			Port: viper.GetInt("port"),
		},
		Redis: config.RedisConfig{
			Addr:     viper.GetString("redis-addr"),
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
		},
		Worker: config.WorkerConfig{
			Pools:               viper.GetStringSlice("worker-pools"),
			ScannerRegistryFile: viper.GetString("scanner-registry-file"),
			MaxConcurrentScans:  viper.GetInt("max-concurrent-scans"),
			PerTaskDeadline:     time.Duration(viper.GetInt("per-task-deadline-minutes")) * time.Minute,
			SweepInterval:       time.Duration(viper.GetInt("sweep-interval-minutes")) * time.Minute,
			CompletedRetention:  time.Duration(viper.GetInt("completed-retention-days")) * 24 * time.Hour,
			FailedRetention:     time.Duration(viper.GetInt("failed-retention-days")) * 24 * time.Hour,
		},
		Storage: config.StorageConfig{
			DataDir: viper.GetString("data-dir"),
		},
		CORS: config.CORSConfig{
			AllowedOrigins: viper.GetStringSlice("cors-allowed-origins"),
		},
		OIDC: config.OIDCConfig{
			ClientID:     oidcClientID,
			ClientSecret: oidcClientSecret,
			Issuer:       oidcIssuer,
			RedirectURL:  viper.GetString("oidc-redirect-url"),
			Enabled:      oidcClientID != "" && oidcClientSecret != "" && oidcIssuer != "",
		},
	}
}

// runServer wires together the Task Store, Queue, Idempotency Index,
// Scanner Registry, worker pool, housekeeper sweep, and admin HTTP surface,
// then serves until an interrupt signal arrives.
func runServer(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	logger.Init(logger.Config{Level: logger.InfoLevel})
	logger.Info("starting scan orchestrator")
	logger.Info(fmt.Sprintf("redis: %s", cfg.Redis.Addr))
	logger.Info(fmt.Sprintf("data dir: %s", cfg.Storage.DataDir))
	logger.Info(fmt.Sprintf("scanner registry: %s", cfg.Worker.ScannerRegistryFile))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Errorf("failed to reach redis", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.Storage.DataDir)
	if err != nil {
		logger.Errorf("failed to initialize task store", err)
		os.Exit(1)
	}

	reg := registry.New()
	if err := reg.LoadFile(cfg.Worker.ScannerRegistryFile); err != nil {
		logger.Errorf("failed to load scanner registry", err)
		os.Exit(1)
	}
	reg.AttachSharedSync(registry.NewSharedCounterSync(rdb))

	q := queue.New(rdb)
	idem := idempotency.New(rdb)
	svc := service.New(st, q, idem, reg)

	newDriver := func(inst *model.ScannerInstance) driver.Driver {
		return driver.NewNessusDriver(driver.NessusConfig{
			Endpoint: inst.Endpoint,
			Username: inst.Username,
			Password: inst.Password,
		})
	}

	pools := cfg.Worker.Pools
	if len(pools) == 0 {
		pools = reg.ListPools()
	}

	w := worker.New(st, q, reg, newDriver, worker.Config{
		Pools:              pools,
		MaxConcurrentScans: cfg.Worker.MaxConcurrentScans,
		PerTaskDeadline:    cfg.Worker.PerTaskDeadline,
	})
	w.RDB = rdb

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	logger.Info(fmt.Sprintf("worker pool started for pools: %s", strings.Join(pools, ",")))

	hk := housekeeper.New(st, rdb, housekeeper.Config{
		SweepInterval:      cfg.Worker.SweepInterval,
		CompletedRetention: cfg.Worker.CompletedRetention,
		FailedRetention:    cfg.Worker.FailedRetention,
		PerTaskDeadline:    cfg.Worker.PerTaskDeadline,
	})
	hk.Start(ctx)
	logger.Info("housekeeper sweep started")

	sessions := service.NewSessionService(7 * 24 * time.Hour)
	authHandler, err := handler.NewAuthHandler(&cfg.OIDC, sessions)
	if err != nil {
		logger.Errorf("failed to initialize auth handler", err)
		os.Exit(1)
	}
	scanHandler := handler.NewScanHandler(svc)

	r := router.New(scanHandler, authHandler, sessions)
	engine := r.Setup(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info(fmt.Sprintf("admin HTTP surface listening on %s", addr))

	go func() {
		if err := engine.Run(addr); err != nil {
			logger.Errorf("admin HTTP server failed", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading scanner registry")
			if err := reg.LoadFile(cfg.Worker.ScannerRegistryFile); err != nil {
				logger.Errorf("failed to reload scanner registry", err)
			}
			continue
		}
		break
	}
	logger.Info("shutting down")

	cancel()
	hk.Stop()
	w.Stop()
	rdb.Close()
	logger.Info("shutdown complete")
}

// main is the application entry point.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
