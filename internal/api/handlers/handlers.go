// Package handlers implements the HTTP handlers for the ZapTalk backend:
// AI config management, run auditing, the streaming reply endpoint, and
// the inbound-message webhook that feeds the auto-reply guard.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zaptalk/zaptalk/backend/internal/api/middleware"
	"github.com/zaptalk/zaptalk/backend/internal/autoreply"
	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/internal/toolreg"
	"github.com/zaptalk/zaptalk/backend/pkg/contracts"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Pipeline contracts.ReplyPipeline
	Guard    *autoreply.Guard
	Registry *toolreg.Registry
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, p contracts.ReplyPipeline, guard *autoreply.Guard, registry *toolreg.Registry) *Handlers {
	return &Handlers{
		Store:    s,
		Pipeline: p,
		Guard:    guard,
		Registry: registry,
	}
}

// ── AI Config Handlers ──────────────────────────────────────

func (h *Handlers) ListAIConfigs(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	configs, err := h.Store.ListAIConfigs(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if configs == nil {
		configs = []models.AIConfig{}
	}
	respondJSON(w, http.StatusOK, configs)
}

func (h *Handlers) GetAIConfig(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	scopeKey := chi.URLParam(r, "scopeKey")

	cfg, err := h.Store.GetAIConfig(r.Context(), tenant, scopeKey)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) UpsertAIConfig(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())

	var cfg models.AIConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg.TenantID = tenant
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
		cfg.CreatedAt = time.Now().UTC()
	}
	cfg.UpdatedAt = time.Now().UTC()
	if cfg.DefaultMode != "" && !cfg.DefaultMode.Valid() {
		respondError(w, http.StatusBadRequest, "Unknown assistant mode: "+string(cfg.DefaultMode))
		return
	}

	if err := h.Store.UpsertAIConfig(r.Context(), &cfg); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) DeleteAIConfig(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	scopeKey := chi.URLParam(r, "scopeKey")

	if err := h.Store.DeleteAIConfig(r.Context(), tenant, scopeKey); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "scope": scopeKey})
}

// ── AI Run Handlers ─────────────────────────────────────────

func (h *Handlers) ListAIRuns(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())

	filter := store.RunFilter{
		ConversationID: r.URL.Query().Get("conversationId"),
		RunType:        models.RunType(r.URL.Query().Get("runType")),
		Status:         models.RunStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	runs, err := h.Store.ListAIRuns(r.Context(), tenant, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.AIRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetAIRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetAIRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// ── Tool Registry Handler ───────────────────────────────────

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.List())
}

// ── Reply Pipeline Handlers ─────────────────────────────────

// StreamReply runs one generation and forwards the pipeline events to
// the caller as SSE frames as they happen.
//
// POST /api/v1/ai/reply/stream
func (h *Handlers) StreamReply(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeReplyRequest(w, r)
	if !ok {
		return
	}
	req.RunType = models.RunTypeReply

	flusher, okFlush := w.(http.Flusher)
	if !okFlush {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_, err := h.Pipeline.Run(r.Context(), req, func(ev models.StreamEvent) error {
		data, _ := json.Marshal(ev)
		if _, writeErr := fmt.Fprintf(w, "data: %s\n\n", data); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// The error event (when the caller is still connected) was
		// already emitted by the pipeline; nothing more to write.
		log.Warn().Str("tenant", req.TenantID).Str("conversation", req.ConversationID).Err(err).
			Msg("Streaming reply ended with error")
	}
}

// SuggestReply runs one generation in suggest mode and returns the
// terminal summary as a single JSON object.
//
// POST /api/v1/ai/suggest
func (h *Handlers) SuggestReply(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeReplyRequest(w, r)
	if !ok {
		return
	}
	req.RunType = models.RunTypeSuggest

	done, err := h.Pipeline.Run(r.Context(), req, func(models.StreamEvent) error { return nil })
	if err != nil {
		respondError(w, http.StatusBadGateway, "Generation failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, done)
}

func (h *Handlers) decodeReplyRequest(w http.ResponseWriter, r *http.Request) (*models.ReplyRequest, bool) {
	var req models.ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if req.TenantID == "" {
		req.TenantID = middleware.GetTenantID(r.Context())
	}
	if req.ConversationID == "" {
		respondError(w, http.StatusBadRequest, "conversationId is required")
		return nil, false
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages must not be empty")
		return nil, false
	}
	return &req, true
}

// ── Inbound Webhook ─────────────────────────────────────────

// InboundMessage accepts an inbound-message event and hands it to the
// auto-reply guard asynchronously. The webhook always acknowledges
// immediately; AI processing must never block the message broker.
//
// POST /api/v1/webhooks/messages
func (h *Handlers) InboundMessage(w http.ResponseWriter, r *http.Request) {
	var evt models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if evt.TenantID == "" {
		evt.TenantID = middleware.GetTenantID(r.Context())
	}
	if evt.TicketID == "" || evt.MessageID == "" {
		respondError(w, http.StatusBadRequest, "ticketId and messageId are required")
		return
	}
	if evt.Direction == "" {
		evt.Direction = models.DirectionInbound
	}

	// Detached from the request context: the webhook response returns
	// now, the guard keeps its own lifetime.
	go h.Guard.HandleInbound(context.WithoutCancel(r.Context()), &evt)

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "messageId": evt.MessageID})
}

// ── Response Helpers ────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
