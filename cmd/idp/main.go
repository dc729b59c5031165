package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/federalis/idp/internal/core"
	"github.com/federalis/idp/internal/engine"
	"github.com/federalis/idp/internal/metrics"
	"github.com/federalis/idp/internal/monitor"
	"github.com/federalis/idp/internal/saml"
	"github.com/federalis/idp/internal/web"
)

func main() {
	cfg, err := core.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	deps, err := core.Bootstrap(cfg)
	if err != nil {
		log.Fatalf("Bootstrap failed: %v", err)
	}
	logger := deps.Logger
	defer logger.Sync()
	defer deps.Sessions.Close()
	defer deps.Logouts.Close()

	// Prometheus registry and protocol metrics
	promReg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheus(promReg)

	// Live monitor event hub
	hub := monitor.NewHub(logger.Named("monitor"))

	// Wire the SAML bindings to the signing keys
	signer := saml.NewXMLSigner(deps.KeySet.Signer(), deps.KeySet.Certificate())
	bindings := map[string]saml.Binding{
		saml.BindingHTTPRedirect: saml.NewRedirectBinding(deps.KeySet.Signer()),
		saml.BindingHTTPPost:     saml.NewPostBinding(signer),
	}

	eng := engine.New(
		engine.Config{
			EntityID:     cfg.EntityID,
			SessionTTL:   cfg.SessionTTL,
			LogoutTTL:    cfg.LogoutTTL,
			ChallengeTTL: cfg.ChallengeTTL,
			AssertionTTL: cfg.AssertionTTL,
		},
		deps.Directory,
		deps.Sessions,
		deps.Logouts,
		deps.Authenticator,
		bindings,
		logger.Named("engine"),
		engine.WithMetrics(recorder),
		engine.WithEvents(hub),
	)
	defer eng.Close()

	handler, err := web.New(cfg, eng, deps.KeySet, hub, logger.Named("web"))
	if err != nil {
		logger.Fatal("failed to build HTTP handler", zap.Error(err))
	}

	server := core.NewServer(cfg, logger.Named("http"), func(r chi.Router) {
		handler.Routes(r)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	})

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()
	logger.Info("identity provider started",
		zap.String("entity_id", cfg.EntityID),
		zap.String("sso", cfg.SSOURL()),
		zap.String("slo", cfg.SLOURL()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
