package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/kirogate/kirogate/internal/api"
	authkiro "github.com/kirogate/kirogate/internal/auth/kiro"
	"github.com/kirogate/kirogate/internal/config"
	"github.com/kirogate/kirogate/internal/logging"
	"github.com/kirogate/kirogate/internal/pool"
	"github.com/kirogate/kirogate/internal/runtime/executor"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "path to the runtime config (json or yaml)")
	logDir := flag.String("log-dir", "logs", "directory for rolling log files; empty for console only")
	login := flag.Bool("login", false, "run the builder-id device-code login, add the account to the pool, and exit")
	loginRegion := flag.String("login-region", authkiro.DefaultRegion, "region for -login")
	flag.Parse()

	// .env is optional; real environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.Setup(*logDir, cfg.Debug)

	poolManager, err := pool.NewManager(cfg.ProviderPoolsFilePath, cfg.MaxErrorCount)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	registry := executor.NewRegistry(executor.RetryPolicy{
		MaxRetries: cfg.RequestMaxRetries,
		BaseDelay:  time.Duration(cfg.RequestBaseDelayMS) * time.Millisecond,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *login {
		if err := runDeviceLogin(ctx, *loginRegion, poolManager); err != nil {
			log.Fatalf("login: %v", err)
		}
		if err := poolManager.Flush(); err != nil {
			log.Fatalf("pool: flush: %v", err)
		}
		return
	}

	prober := pool.NewProber(poolManager, func(ctx context.Context, account *pool.Account, model string, payload []byte) error {
		_, err := registry.For(account.CredentialsPath).Send(ctx, model, payload)
		return err
	})
	go prober.Run(ctx)

	if cfg.CronRefreshToken {
		go runHeartbeat(ctx, cfg, poolManager, registry)
	}

	server := api.NewServer(cfg, poolManager, registry)
	runErr := server.Run(ctx)
	if runErr != nil {
		log.Errorf("server: %v", runErr)
	}

	if err := poolManager.Flush(); err != nil {
		log.Errorf("pool: final flush: %v", err)
	}
	log.Info("shutdown complete")
	if runErr != nil {
		os.Exit(1)
	}
}

// runDeviceLogin walks the builder-id device-code flow and registers the
// new account in the pool.
func runDeviceLogin(ctx context.Context, region string, poolManager *pool.Manager) error {
	flow := authkiro.NewDeviceFlow(region, filepath.Join("configs", "kiro"))
	result, err := flow.Run(ctx)
	if err != nil {
		return err
	}
	acct := pool.NewAccount(result.CredentialsPath, authkiro.AuthMethodBuilderID, region)
	acct.CheckHealth = true
	poolManager.Add(acct)
	log.Infof("login: account %s added to pool", acct.UUID)
	return nil
}

// runHeartbeat refreshes tokens that are close to expiry.
func runHeartbeat(ctx context.Context, cfg *config.Config, poolManager *pool.Manager, registry *executor.Registry) {
	interval := time.Duration(cfg.CronNearMinutes) * time.Minute
	threshold := interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, acct := range poolManager.Snapshot() {
				if acct.IsDisabled {
					continue
				}
				adapter := registry.For(acct.CredentialsPath)
				if err := adapter.RefreshIfNear(ctx, threshold); err != nil {
					log.Warnf("heartbeat: refresh failed for %s: %v", acct.UUID, err)
				}
			}
		}
	}
}
