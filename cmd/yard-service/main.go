package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"yms/yard-service/internal/config"
	"yms/yard-service/internal/engine"
	"yms/yard-service/internal/httpapi"
	"yms/yard-service/internal/queue"
	"yms/yard-service/internal/store"
	"yms/yard-service/internal/store/memory"
	"yms/yard-service/internal/store/postgres"
	"yms/yard-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("yard-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var ticketStore store.TicketStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		ticketStore = postgres.NewStore(pool)
	} else {
		log.Printf("DB_DSN not set, using in-memory store")
		ticketStore = memory.NewStore()
	}

	eng := engine.New(ticketStore)
	aggregator := queue.NewAggregator(ticketStore)
	handler := httpapi.NewHandler(eng, ticketStore, aggregator)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		SitePerMinute: cfg.SiteRateLimitPerMinute,
		SiteBurst:     cfg.SiteRateLimitBurst,
	})

	chain := httpapi.LoggingMiddleware(httpapi.ActorMiddleware(handler.Routes()))
	chain = limiter.Middleware(chain)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(chain, "yard-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("yard-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
