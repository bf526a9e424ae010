// Package vaultd runs the yield vault daemon.
package vaultd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"yieldvault/config"
	"yieldvault/core/events"
	"yieldvault/observability/logging"
	telemetry "yieldvault/observability/otel"
	"yieldvault/services/vaultd/app"
	"yieldvault/services/vaultd/keeper"
	"yieldvault/services/vaultd/server"
	"yieldvault/services/vaultd/storage"
	kv "yieldvault/storage"
)

const serviceName = "vaultd"

// version is stamped at build time with -ldflags "-X yieldvault/services/vaultd.version=...".
var version = "dev"

func telemetryVault(cfg *config.Config) telemetry.Vault {
	ids := make([]string, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		ids = append(ids, sc.ID)
	}
	return telemetry.Vault{
		Asset:         cfg.Asset.Symbol,
		AssetDecimals: cfg.Asset.Decimals,
		FeeBps:        cfg.Vault.FeeBps,
		Strategies:    ids,
	}
}

// Main runs the vault daemon using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "vaultd.toml", "path to vaultd config (.toml or .yaml)")
	flag.Parse()

	cfg, err := config.LoadVault(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(cfg.Service.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("VAULTD_ENV"))
	}
	logger := logging.Setup(logging.Options{Service: serviceName, Env: env, Level: cfg.Service.LogLevel})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    env,
		Vault:          telemetryVault(cfg),
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.Service.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := kv.NewLevelDB(filepath.Join(cfg.Service.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() { _ = db.Close() }()

	index, err := storage.Open(cfg.Service.EventsDSN)
	if err != nil {
		return err
	}
	defer func() { _ = index.Close() }()

	ledgers, err := app.Build(cfg, db, events.Fanout{index})
	if err != nil {
		return fmt.Errorf("build ledgers: %w", err)
	}
	if err := ledgers.Bootstrap(context.Background()); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	var auth *server.Authenticator
	if secret := strings.TrimSpace(os.Getenv(cfg.Auth.JWTSecretEnv)); secret != "" {
		auth = server.NewAuthenticator([]byte(secret), cfg.Auth.Issuer)
	} else {
		logger.Warn("jwt secret not set; authenticated routes disabled", "env", cfg.Auth.JWTSecretEnv)
	}
	api := server.New(server.Config{
		App:       ledgers,
		Events:    index,
		Stream:    index,
		Auth:      auth,
		RateLimit: cfg.RateLimit,
	})

	jobs := keeper.New(cfg.Keeper.Timeout.Duration)
	if err := jobs.Register(ledgers); err != nil {
		return err
	}
	jobs.Start()

	httpServer := &http.Server{
		Addr:              cfg.Service.ListenAddress,
		Handler:           otelhttp.NewHandler(api.Handler(), serviceName),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("vaultd listening", "addr", cfg.Service.ListenAddress, "vault", ledgers.Vault.Address().Hex())
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		jobs.Stop(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		jobs.Stop(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
