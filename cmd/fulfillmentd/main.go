package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/beanstalker/fulfillment/internal/audit"
	"github.com/beanstalker/fulfillment/internal/catalogfile"
	"github.com/beanstalker/fulfillment/internal/database"
	"github.com/beanstalker/fulfillment/internal/googleplay"
	"github.com/beanstalker/fulfillment/internal/grpcserver"
	"github.com/beanstalker/fulfillment/internal/revenuecat"
	"github.com/beanstalker/fulfillment/internal/webhookapi"
	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreBackend      = "store-backend"
	flagListenAddr        = "listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagCatalogPath       = "catalog-path"
	flagCatalogSource     = "catalog-source"
	flagRevenueCatKey     = "revenuecat-api-key"
	flagRevenueCatProject = "revenuecat-project-id"
	flagRevenueCatBaseURL = "revenuecat-base-url"
	flagPlayPackage       = "play-package-name"
	flagPlayCredentials   = "play-credentials-file"
	flagWebhookSecret     = "webhook-secret"
	flagAdminSecret       = "admin-secret"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagRequestTimeout    = "request-timeout"
	envPrefix             = "FULFILLMENTD"
	defaultDatabaseURL    = "sqlite:///tmp/fulfillment.db"
	defaultGRPCListenAddr = ":7000"
	defaultCatalogPath    = "catalog.toml"
	catalogSourceNone     = "none"
	catalogSourceRC       = "revenuecat"
	catalogSourcePlay     = "googleplay"
	catalogCheckTimeout   = 30 * time.Second
	healthRefreshInterval = 15 * time.Second
)

type runtimeConfig struct {
	DatabaseURL        string
	StoreBackend       string
	GRPCListenAddr     string
	CatalogPath        string
	CatalogSource      string
	RevenueCatAPIKey   string
	RevenueCatProject  string
	RevenueCatBaseURL  string
	PlayPackageName    string
	PlayCredentialFile string
	API                webhookapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fulfillmentd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "fulfillmentd",
		Short:         "Purchase fulfillment webhook and reconciliation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database url (postgres://..., sqlite://path or a file path)")
	cmd.Flags().String(flagStoreBackend, database.BackendGORM, "store backend: gorm or pgx (postgres only)")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC health listen address")
	cmd.Flags().String(flagCatalogPath, defaultCatalogPath, "product catalog TOML file")
	cmd.Flags().String(flagCatalogSource, catalogSourceNone, "catalog validation source: revenuecat, googleplay or none")
	cmd.Flags().String(flagRevenueCatKey, "", "RevenueCat v2 secret API key")
	cmd.Flags().String(flagRevenueCatProject, "", "RevenueCat project id")
	cmd.Flags().String(flagRevenueCatBaseURL, revenuecat.DefaultBaseURL, "RevenueCat API base url")
	cmd.Flags().String(flagPlayPackage, "", "Google Play package name")
	cmd.Flags().String(flagPlayCredentials, "", "Google Play service account credentials file")
	cmd.Flags().String(flagWebhookSecret, "", "shared webhook authorization secret (required)")
	cmd.Flags().String(flagAdminSecret, "", "bearer secret for the admin API; admin routes are off when empty")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 0, "HTTP request header timeout")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagStoreBackend, flagListenAddr, flagGRPCListenAddr,
		flagCatalogPath, flagCatalogSource, flagRevenueCatKey, flagRevenueCatProject,
		flagRevenueCatBaseURL, flagPlayPackage, flagPlayCredentials, flagWebhookSecret,
		flagAdminSecret, flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer,
		flagJWTCookieName, flagRequestTimeout,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	if !v.IsSet(flagWebhookSecret) {
		return fmt.Errorf("%s is required", flagWebhookSecret)
	}
	if !v.IsSet(flagJWTSigningKey) {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreBackend)))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.CatalogPath = strings.TrimSpace(v.GetString(flagCatalogPath))
	cfg.CatalogSource = strings.ToLower(strings.TrimSpace(v.GetString(flagCatalogSource)))
	cfg.RevenueCatAPIKey = strings.TrimSpace(v.GetString(flagRevenueCatKey))
	cfg.RevenueCatProject = strings.TrimSpace(v.GetString(flagRevenueCatProject))
	cfg.RevenueCatBaseURL = strings.TrimSpace(v.GetString(flagRevenueCatBaseURL))
	cfg.PlayPackageName = strings.TrimSpace(v.GetString(flagPlayPackage))
	cfg.PlayCredentialFile = strings.TrimSpace(v.GetString(flagPlayCredentials))
	cfg.API = webhookapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    webhookapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		WebhookSecret:     strings.TrimSpace(v.GetString(flagWebhookSecret)),
		AdminSecret:       strings.TrimSpace(v.GetString(flagAdminSecret)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
	}
	return cfg.Validate()
}

// Validate checks the daemon settings and fills the HTTP defaults.
func (cfg *runtimeConfig) Validate() error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	if cfg.GRPCListenAddr == "" {
		cfg.GRPCListenAddr = defaultGRPCListenAddr
	}
	if cfg.CatalogPath == "" {
		return fmt.Errorf("%s is required", flagCatalogPath)
	}
	switch cfg.CatalogSource {
	case "", catalogSourceNone:
		cfg.CatalogSource = catalogSourceNone
	case catalogSourceRC:
		if cfg.RevenueCatAPIKey == "" || cfg.RevenueCatProject == "" {
			return fmt.Errorf("%s and %s are required for the %s catalog source", flagRevenueCatKey, flagRevenueCatProject, catalogSourceRC)
		}
	case catalogSourcePlay:
		if cfg.PlayPackageName == "" {
			return fmt.Errorf("%s is required for the %s catalog source", flagPlayPackage, catalogSourcePlay)
		}
	default:
		return fmt.Errorf("unknown %s %q", flagCatalogSource, cfg.CatalogSource)
	}
	return cfg.API.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	catalog, err := catalogfile.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	if err := checkCatalog(ctx, cfg, catalog, logger); err != nil {
		return err
	}

	handle, err := database.Open(ctx, cfg.DatabaseURL, cfg.StoreBackend)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = handle.Close() }()

	metrics := audit.NewMetrics()
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := fulfillment.NewService(handle.Store, catalog, clock,
		fulfillment.WithOperationLogger(audit.NewZapOperationLogger(logger)),
		fulfillment.WithOperationLogger(metrics),
	)
	if err != nil {
		return fmt.Errorf("fulfillment service init: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	health := grpcserver.New(handle.Ping, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC health server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		errCh <- health.Serve(runCtx, listener)
	}()
	go func() {
		errCh <- webhookapi.Run(runCtx, cfg.API, webhookapi.Dependencies{
			Service:  service,
			Logger:   logger,
			Gatherer: metrics.Registry(),
		})
	}()
	go refreshHealth(runCtx, health)

	logger.Info("fulfillmentd started",
		zap.String("driver", handle.Driver),
		zap.String("store_backend", handle.Backend),
		zap.Int("catalog_products", len(catalog.ProductIDs())),
	)

	var firstErr error
	for pending := 2; pending > 0; pending-- {
		serveErr := <-errCh
		if serveErr != nil && firstErr == nil {
			firstErr = serveErr
		}
		cancel()
	}
	if firstErr == nil && ctx.Err() != nil {
		logger.Info("shutdown requested")
	}
	return firstErr
}

func refreshHealth(ctx context.Context, health *grpcserver.Server) {
	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health.Refresh(ctx)
		}
	}
}

func checkCatalog(ctx context.Context, cfg *runtimeConfig, catalog fulfillment.Catalog, logger *zap.Logger) error {
	source, err := newCatalogSource(ctx, cfg)
	if err != nil || source == nil {
		return err
	}
	checkCtx, cancel := context.WithTimeout(ctx, catalogCheckTimeout)
	defer cancel()
	report, err := fulfillment.ValidateCatalog(checkCtx, catalog, source)
	var driftError *fulfillment.CatalogDriftError
	if errors.As(err, &driftError) {
		logger.Error("catalog products missing upstream",
			zap.Strings("missing", report.Missing),
			zap.Strings("available", report.Available),
		)
		return err
	}
	if err != nil {
		return fmt.Errorf("catalog validation: %w", err)
	}
	if len(report.Unconfigured) > 0 {
		logger.Warn("upstream products without a reward", zap.Strings("product_ids", report.Unconfigured))
	}
	return nil
}

func newCatalogSource(ctx context.Context, cfg *runtimeConfig) (fulfillment.CatalogSource, error) {
	switch cfg.CatalogSource {
	case catalogSourceRC:
		return revenuecat.NewProductCatalog(revenuecat.ClientConfig{
			BaseURL: cfg.RevenueCatBaseURL,
			APIKey:  cfg.RevenueCatAPIKey,
		}, cfg.RevenueCatProject)
	case catalogSourcePlay:
		var clientOptions []option.ClientOption
		if cfg.PlayCredentialFile != "" {
			clientOptions = append(clientOptions, option.WithCredentialsFile(cfg.PlayCredentialFile))
		}
		return googleplay.NewProductCatalog(ctx, cfg.PlayPackageName, clientOptions)
	default:
		return nil, nil
	}
}
