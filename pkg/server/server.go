// Package server provides the public entry point for initializing the
// ZapTalk backend.
//
// This package exists in pkg/ (not internal/) so that deployment
// wrappers can import it and compose the full server with their own
// middleware or overrides.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/zaptalk/zaptalk/backend/internal/aiconfig"
	"github.com/zaptalk/zaptalk/backend/internal/api"
	"github.com/zaptalk/zaptalk/backend/internal/api/handlers"
	"github.com/zaptalk/zaptalk/backend/internal/autoreply"
	"github.com/zaptalk/zaptalk/backend/internal/config"
	"github.com/zaptalk/zaptalk/backend/internal/pipeline"
	"github.com/zaptalk/zaptalk/backend/internal/provider"
	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/internal/telemetry"
	"github.com/zaptalk/zaptalk/backend/internal/toolreg"
	"github.com/zaptalk/zaptalk/backend/internal/whatsapp"
)

// Server holds the initialized ZapTalk backend.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (PostgreSQL when DATABASE_URL is set,
	// in-memory otherwise).
	Store store.Store

	// Registry is the process tool registry, exposed so deployments can
	// register extra tools before serving.
	Registry *toolreg.Registry

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all backend components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the backend with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		dataStore, err = store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	}

	registry := toolreg.New()
	registerBuiltinTools(registry, dataStore)

	resolver := aiconfig.NewResolver(dataStore, cfg.AI)
	client := provider.NewClient(cfg.AI)
	pipe := pipeline.New(dataStore, resolver, registry, client, cfg.AI)
	sender := whatsapp.NewBroker(cfg.WhatsApp, dataStore)
	guard := autoreply.NewGuard(resolver, pipe, sender, dataStore, cfg.AI, client.Enabled())

	if client.Enabled() {
		log.Info().Str("model", cfg.AI.DefaultModel).Msg("AI reply pipeline initialized")
	} else {
		log.Warn().Msg("AI credentials not configured, serving stubbed replies")
	}

	h := handlers.New(dataStore, pipe, guard, registry)
	router := api.NewRouter(cfg, h, dataStore)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Registry:     registry,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
