package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beanstalker/fulfillment/internal/webhookapi"
	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"go.uber.org/zap"
)

func apiConfigForTest() webhookapi.Config {
	return webhookapi.Config{WebhookSecret: "whsec", SessionSigningKey: "secret-key"}
}

func TestLoadConfigFromFlagsAndEnv(t *testing.T) {
	t.Setenv("FULFILLMENTD_WEBHOOK_SECRET", "whsec")
	t.Setenv("FULFILLMENTD_ADMIN_SECRET", "admin")
	t.Setenv("FULFILLMENTD_CATALOG_SOURCE", "GooglePlay")
	t.Setenv("FULFILLMENTD_PLAY_PACKAGE_NAME", "com.beanstalker.app")

	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{
		"--jwt-signing-key=secret-key",
		"--allowed-origins=https://app.example, https://admin.example",
		"--listen-addr=:9090",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := &runtimeConfig{}
	if err := loadConfig(cmd, cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.API.WebhookSecret != "whsec" || cfg.API.AdminSecret != "admin" {
		t.Fatalf("secrets not loaded from env: %+v", cfg.API)
	}
	if cfg.CatalogSource != catalogSourcePlay || cfg.PlayPackageName != "com.beanstalker.app" {
		t.Fatalf("unexpected catalog source %q/%q", cfg.CatalogSource, cfg.PlayPackageName)
	}
	if cfg.API.ListenAddr != ":9090" || len(cfg.API.AllowedOrigins) != 2 {
		t.Fatalf("unexpected api config %+v", cfg.API)
	}
	if cfg.DatabaseURL != defaultDatabaseURL || cfg.GRPCListenAddr != defaultGRPCListenAddr {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.API.SessionCookieName == "" || cfg.API.SessionIssuer == "" {
		t.Fatalf("http defaults not applied: %+v", cfg.API)
	}
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{"--jwt-signing-key=secret-key"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	err := loadConfig(cmd, &runtimeConfig{})
	if err == nil || !strings.Contains(err.Error(), flagWebhookSecret) {
		t.Fatalf("expected missing webhook secret, got %v", err)
	}
}

func TestValidateCatalogSourceSettings(t *testing.T) {
	base := func() runtimeConfig {
		return runtimeConfig{
			DatabaseURL: "sqlite://store.db",
			CatalogPath: "catalog.toml",
			API:         apiConfigForTest(),
		}
	}
	cfg := base()
	cfg.CatalogSource = catalogSourceRC
	cfg.RevenueCatAPIKey = "sk_test"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing project id to fail")
	}
	cfg = base()
	cfg.CatalogSource = "appstore"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown source to fail")
	}
	cfg = base()
	if err := cfg.Validate(); err != nil || cfg.CatalogSource != catalogSourceNone {
		t.Fatalf("expected the none source by default, got %q %v", cfg.CatalogSource, err)
	}
}

func TestCheckCatalogAgainstRevenueCat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"items":[{"id":"prod1","store_identifier":"credits_10"}],"next_page":null}`))
	}))
	t.Cleanup(server.Close)

	cfg := &runtimeConfig{
		DatabaseURL:       "sqlite://store.db",
		CatalogPath:       "catalog.toml",
		CatalogSource:     catalogSourceRC,
		RevenueCatAPIKey:  "sk_test",
		RevenueCatProject: "proj1",
		RevenueCatBaseURL: server.URL,
		API:               apiConfigForTest(),
	}
	productID, _ := fulfillment.NewProductID("credits_25")
	reward, _ := fulfillment.NewReward(2500, false)
	catalog, err := fulfillment.NewCatalog(map[fulfillment.ProductID]fulfillment.Reward{productID: reward})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	err = checkCatalog(context.Background(), cfg, catalog, zap.NewNop())
	var driftError *fulfillment.CatalogDriftError
	if !errors.As(err, &driftError) {
		t.Fatalf("expected catalog drift, got %v", err)
	}
	if !strings.Contains(err.Error(), "credits_25") {
		t.Fatalf("drift error should name the missing product: %v", err)
	}
}
