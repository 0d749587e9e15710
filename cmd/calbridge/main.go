package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/calvoice/calvoice/internal/config"
	"github.com/calvoice/calvoice/internal/gauth"
	"github.com/calvoice/calvoice/internal/gcal"
	"github.com/calvoice/calvoice/internal/httpapi"
	"github.com/calvoice/calvoice/internal/observability"
	"github.com/calvoice/calvoice/internal/tokenstore"
)

func main() {
	cfg, err := config.LoadBridge()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := tokenstore.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("token store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("token store: in-memory (set DATABASE_URL to persist credentials)")
	} else {
		log.Printf("token store: postgres")
	}

	flow := gauth.NewFlow(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	cal := gcal.NewClient(gcal.RefreshingTokenSource(flow, store)).WithCalendar(cfg.CalendarID)

	api := httpapi.New(cfg, flow, store, cal, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("calendar bridge listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
