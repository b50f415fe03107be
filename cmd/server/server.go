package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/manpreetbhatti/codepair/internal/api"
	"github.com/manpreetbhatti/codepair/internal/broker"
	"github.com/manpreetbhatti/codepair/internal/compaction"
	"github.com/manpreetbhatti/codepair/internal/config"
	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/discovery"
	"github.com/manpreetbhatti/codepair/internal/relay"
	"github.com/manpreetbhatti/codepair/internal/room"
	"github.com/manpreetbhatti/codepair/internal/telemetry"
	"github.com/manpreetbhatti/codepair/internal/ws"
)

const (
	serviceName     = "codepair-server"
	shutdownTimeout = 10 * time.Second
)

// Store is everything the server needs from a document backend
type Store interface {
	relay.DocumentStore
	relay.ChatStore
	api.Documents
}

func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("Failed to flush traces: %v", err)
		}
	}()

	var store Store
	switch cfg.Store {
	case config.StoreSQLite:
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer database.Close()
		log.Printf("📁 Database: %s", cfg.DBPath)

		keep := max(cfg.CompactionKeep, cfg.ChatHistoryLimit)
		compactor := compaction.New(database, compaction.Config{
			Interval:         cfg.CompactionInterval,
			MessageThreshold: 2 * keep,
			KeepRecent:       keep,
		})
		compactor.Start()
		defer compactor.Stop()

		store = database
	default:
		store = room.NewStore(cfg.ChatHistoryLimit)
	}

	opts := []relay.Option{relay.WithHistoryLimit(cfg.ChatHistoryLimit)}

	var b *broker.Broker
	if cfg.RedisAddr != "" {
		rdb, err := broker.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		b = broker.New(rdb, cfg.RedisChannelPrefix)
		opts = append(opts, relay.WithPublisher(b))
	}

	rl := relay.New(store, store, opts...)
	defer rl.Close()

	if b != nil {
		go func() {
			if err := b.Run(ctx, rl.ApplyRemote); err != nil {
				log.Printf("Broker stopped: %v", err)
			}
		}()
	}

	hub := ws.NewHub(rl, ws.Config{
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
		AllowedOrigins:    cfg.AllowedOrigins,
	})
	go hub.Run(ctx)

	apiHandler := api.New(hub, rl, store, cfg.AllowedOrigins)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MDNS {
		adv, err := discovery.Advertise(cfg.MDNSInstance, cfg.HTTPAddr, "/ws")
		if err != nil {
			log.Printf("⚠️ mDNS disabled: %v", err)
		} else {
			defer adv.Shutdown()
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("🚀 %s starting on %s (store: %s)", serviceName, cfg.HTTPAddr, cfg.Store)
		log.Println("Endpoints:")
		log.Println("  - WebSocket: /ws")
		log.Println("  - Health:    GET /health")
		log.Println("  - Stats:     GET /api/stats")
		log.Println("  - Rooms:     GET /api/rooms")
		log.Println("  - Room:      GET /api/rooms/{id}")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
