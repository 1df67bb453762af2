// Package webhookapi exposes the fulfillment service over HTTP: the commerce
// backend webhook, session-authenticated mapping registration and operator
// endpoints.
package webhookapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const authClaimsKey = "auth_claims"

// FulfillmentService is the subset of fulfillment.Service served over HTTP.
type FulfillmentService interface {
	Fulfill(ctx context.Context, event fulfillment.PurchaseEvent) (fulfillment.Result, error)
	RegisterMapping(ctx context.Context, anonymousID fulfillment.AnonymousID, accountID fulfillment.AccountID) (fulfillment.MappingStatus, error)
	UnresolvedEvents(ctx context.Context, limit int) ([]fulfillment.WebhookRecord, error)
	ReplayUnresolved(ctx context.Context, limit int) ([]fulfillment.ReplayResult, error)
	AccountStatement(ctx context.Context, accountID fulfillment.AccountID, limit int) (fulfillment.Statement, error)
}

// Dependencies are the collaborators the HTTP API needs.
type Dependencies struct {
	Service  FulfillmentService
	Logger   *zap.Logger
	Gatherer prometheus.Gatherer
}

// Run serves the HTTP API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fulfillment api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with every route wired.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Service == nil {
		return nil, fmt.Errorf("fulfillment service is required")
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:  logger,
		service: deps.Service,
		cfg:     cfg,
	}
	return setupRouter(cfg, handler, sessionValidator, deps.Gatherer), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	revenuecat := router.Group("/api/revenuecat")
	revenuecat.POST("/webhook", handler.handleWebhook)
	revenuecat.POST("/store-user-mapping", validator.GinMiddleware(authClaimsKey), handler.handleStoreUserMapping)

	if cfg.AdminSecret != "" {
		admin := router.Group("/api/admin")
		admin.Use(requireBearer(cfg.AdminSecret))
		admin.GET("/events/unresolved", handler.handleUnresolvedEvents)
		admin.POST("/events/replay", handler.handleReplay)
		admin.GET("/accounts/:id", handler.handleAccount)
	}

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service FulfillmentService
	cfg     Config
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(authClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
