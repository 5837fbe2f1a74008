// Package aiconfig resolves the effective AI configuration for a
// (tenant, queue) scope.
//
// Lookup order: queue-scoped record → tenant-global record → synthesized
// in-memory default built from environment-level settings. Resolution
// never fails for storage reasons; any persistence error collapses into
// the synthesized default so callers can always proceed.
package aiconfig

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zaptalk/zaptalk/backend/internal/config"
	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// upsertTimeout bounds the best-effort background writes so they never
// outlive the process shutdown grace period.
const upsertTimeout = 5 * time.Second

// Resolver resolves effective AI configuration with scope fallback.
type Resolver struct {
	store    store.AIConfigStore
	defaults config.AIConfig
}

// NewResolver creates a config resolver bound to a config store and the
// environment-level defaults.
func NewResolver(s store.AIConfigStore, defaults config.AIConfig) *Resolver {
	return &Resolver{store: s, defaults: defaults}
}

// Resolve returns the effective config for (tenantID, queueID). queueID
// nil or empty means the tenant-global scope. The returned config is
// never nil and the call never fails: storage errors are logged and the
// synthesized default is returned instead.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, queueID *string) *models.AIConfig {
	// Queue-scoped lookup first.
	if queueID != nil && *queueID != "" {
		cfg, err := r.store.GetAIConfig(ctx, tenantID, *queueID)
		if err == nil {
			return r.backfill(cfg)
		}
		if !store.IsNotFound(err) {
			log.Warn().Str("tenant", tenantID).Str("queue", *queueID).Err(err).
				Msg("AI config lookup failed, using defaults")
			return r.synthesize(tenantID, queueID)
		}
	}

	// Fall back to the tenant-global record.
	cfg, err := r.store.GetAIConfig(ctx, tenantID, models.GlobalScopeKey)
	if err == nil {
		return r.backfill(cfg)
	}
	if !store.IsNotFound(err) {
		log.Warn().Str("tenant", tenantID).Err(err).
			Msg("Global AI config lookup failed, using defaults")
		return r.synthesize(tenantID, nil)
	}

	// Nothing persisted for this tenant yet. Synthesize a default and
	// persist it best-effort without blocking the caller.
	synth := r.synthesize(tenantID, nil)
	go r.persistAsync(*synth)
	return synth
}

// synthesize builds an in-memory default config for the scope.
func (r *Resolver) synthesize(tenantID string, queueID *string) *models.AIConfig {
	mode := models.AssistantMode(r.defaults.DefaultMode)
	if !mode.Valid() {
		mode = models.ModeHuman
	}
	now := time.Now().UTC()
	return &models.AIConfig{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		QueueID:          queueID,
		Model:            r.defaults.DefaultModel,
		StreamingEnabled: true,
		DefaultMode:      mode,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// backfill patches legacy records missing a model or mode and writes the
// patched record back best-effort. Two concurrent backfills derive the
// same value from the same environment default, so last-write-wins is
// acceptable.
func (r *Resolver) backfill(cfg *models.AIConfig) *models.AIConfig {
	patched := false
	if cfg.Model == "" {
		cfg.Model = r.defaults.DefaultModel
		patched = true
	}
	if !cfg.DefaultMode.Valid() {
		mode := models.AssistantMode(r.defaults.DefaultMode)
		if !mode.Valid() {
			mode = models.ModeHuman
		}
		cfg.DefaultMode = mode
		patched = true
	}
	if patched {
		go r.persistAsync(*cfg)
	}
	return cfg
}

// persistAsync writes the config with its own deadline. Failures are
// logged and swallowed; the caller already has a usable config.
func (r *Resolver) persistAsync(cfg models.AIConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), upsertTimeout)
	defer cancel()

	if err := r.store.UpsertAIConfig(ctx, &cfg); err != nil {
		log.Warn().Str("tenant", cfg.TenantID).Str("scope", cfg.ScopeKey()).Err(err).
			Msg("Best-effort AI config upsert failed")
	}
}
