package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coverline/sync/internal/app"
	"coverline/sync/internal/backend"
	"coverline/sync/internal/config"
	"coverline/sync/internal/notify"
	"coverline/sync/internal/rates"
)

func main() {
	cfg := config.Load()

	var redisCache *rates.RedisCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := rates.NewRedisCache(cfg.RedisURL, cfg.RateCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		redisCache = cache
		log.Printf("Using Redis for the rate cache")
	} else {
		log.Printf("Using the in-process rate cache only")
	}

	rateService := rates.NewService(rates.NewClient(cfg.RatesURL), redisCache, cfg.RateCacheTTL)
	backendClient := backend.NewClient(cfg.BackendURL)
	notifyService := notify.NewService(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		To:       cfg.NoticeEmail,
	})
	if !notifyService.IsConfigured() {
		log.Printf("SMTP not configured, notices are log-only")
	}

	service := app.NewService(backendClient, rateService, notifyService, cfg.PollInterval)
	defer service.Shutdown()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Coverline sync listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
