// Package pipeline orchestrates one AI reply generation end to end:
// resolve the scope config, build the provider request, consume the
// response stream, execute tool calls, emit caller-facing events, and
// record the audit run.
//
// The pipeline is transport-agnostic. Callers supply an EmitFunc; the
// HTTP layer forwards events as SSE frames, the auto-reply guard
// collects them in memory.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zaptalk/zaptalk/backend/internal/aiconfig"
	"github.com/zaptalk/zaptalk/backend/internal/config"
	"github.com/zaptalk/zaptalk/backend/internal/provider"
	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/internal/toolreg"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// stubModel marks runs served without provider credentials.
const stubModel = "stub"

// EmitFunc delivers one stream event to the caller. A non-nil error
// means the caller is gone; the pipeline stops emitting and treats the
// run as aborted.
type EmitFunc func(models.StreamEvent) error

// Pipeline runs AI reply generations.
type Pipeline struct {
	store    store.Store
	resolver *aiconfig.Resolver
	registry *toolreg.Registry
	client   *provider.Client
	defaults config.AIConfig
	tracer   trace.Tracer
}

// New wires a pipeline from its collaborators.
func New(s store.Store, resolver *aiconfig.Resolver, registry *toolreg.Registry, client *provider.Client, defaults config.AIConfig) *Pipeline {
	return &Pipeline{
		store:    s,
		resolver: resolver,
		registry: registry,
		client:   client,
		defaults: defaults,
		tracer:   otel.Tracer("zaptalk/pipeline"),
	}
}

// Run executes one generation for the request, emitting events through
// emit as they happen, and returns the terminal summary.
//
// Event order is guaranteed: deltas in arrival order, each tool call's
// executing event before its terminal event, and done strictly last.
// When the context is canceled mid-stream no done event is emitted; the
// run is recorded as aborted. Exactly one AIRun is written per
// invocation plus one per executed tool call.
func (p *Pipeline) Run(ctx context.Context, req *models.ReplyRequest, emit EmitFunc) (*models.DonePayload, error) {
	if req.RunType == "" {
		req.RunType = models.RunTypeReply
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("run.type", string(req.RunType)),
	))
	defer span.End()

	start := time.Now()
	cfg := p.resolver.Resolve(ctx, req.TenantID, req.QueueID)
	span.SetAttributes(attribute.String("ai.model", cfg.Model))

	if !p.client.Enabled() {
		return p.runStubbed(ctx, req, cfg, emit, start)
	}

	provReq := provider.BuildRequest(cfg, req.Messages, p.registry.List(), req.RunType, req.Metadata)

	if !cfg.StreamingEnabled {
		return p.runNonStreaming(ctx, req, cfg, provReq, emit, start)
	}

	body, err := p.client.OpenStream(ctx, provReq)
	if err != nil {
		log.Error().Str("tenant", req.TenantID).Str("conversation", req.ConversationID).Err(err).
			Msg("Provider stream open failed")
		p.emitError(emit, err)
		p.recordRun(req, cfg, provReq, nil, nil, models.RunError, start, err)
		return nil, err
	}
	defer body.Close()

	coordinator := newToolCoordinator(p.registry, p.store, req, &cfg.ID, emit)
	sink := &emitSink{emit: emit}

	summary, consumeErr := provider.ConsumeStream(body, provider.StreamCallbacks{
		OnDelta: func(text string) {
			sink.send(models.StreamEvent{Type: models.EventDelta, Delta: text})
		},
		OnToolCallDelta: coordinator.onDelta,
		OnToolCallDone: func(callID, arguments string) {
			coordinator.onComplete(ctx, callID, arguments)
		},
	})

	toolCalls := coordinator.records
	if toolCalls == nil {
		toolCalls = []models.ToolCallRecord{}
	}

	// Cancellation wins over any other outcome: no done event, run
	// recorded as aborted so the audit trail shows the interruption.
	if ctx.Err() != nil {
		log.Warn().Str("tenant", req.TenantID).Str("conversation", req.ConversationID).
			Msg("Pipeline run aborted by caller")
		p.recordRun(req, cfg, provReq, summary, toolCalls, models.RunAborted, start, ctx.Err())
		return nil, ctx.Err()
	}

	// An emit failure means the caller is gone: no done event, recorded
	// as aborted just like a cancellation.
	emitErr := sink.err
	if emitErr == nil {
		emitErr = coordinator.emitErr
	}
	if emitErr != nil {
		log.Warn().Str("tenant", req.TenantID).Str("conversation", req.ConversationID).Err(emitErr).
			Msg("Pipeline caller went away mid-stream")
		p.recordRun(req, cfg, provReq, summary, toolCalls, models.RunAborted, start, emitErr)
		return nil, emitErr
	}

	if consumeErr != nil {
		log.Error().Str("tenant", req.TenantID).Str("conversation", req.ConversationID).Err(consumeErr).
			Msg("Provider stream failed")
		p.emitError(emit, consumeErr)
		p.recordRun(req, cfg, provReq, summary, toolCalls, models.RunError, start, consumeErr)
		return nil, consumeErr
	}

	status := models.RunSuccess
	if !summary.Completed {
		status = models.RunPartial
	}

	model := summary.Model
	if model == "" {
		model = cfg.Model
	}

	done := &models.DonePayload{
		Message:   summary.Text,
		Model:     model,
		Usage:     summary.Usage,
		ToolCalls: toolCalls,
		Status:    status,
	}
	sink.send(models.StreamEvent{Type: models.EventDone, Done: done})
	if sink.err != nil {
		p.recordRun(req, cfg, provReq, summary, toolCalls, models.RunAborted, start, sink.err)
		return nil, sink.err
	}

	p.recordRun(req, cfg, provReq, summary, toolCalls, status, start, nil)
	return done, nil
}

// runNonStreaming serves scopes that disabled streaming: one provider
// round trip, surfaced as a single delta so callers still see the same
// event sequence.
func (p *Pipeline) runNonStreaming(ctx context.Context, req *models.ReplyRequest, cfg *models.AIConfig, provReq *provider.Request, emit EmitFunc, start time.Time) (*models.DonePayload, error) {
	result, err := p.client.Generate(ctx, provReq)
	if err != nil {
		log.Error().Str("tenant", req.TenantID).Str("conversation", req.ConversationID).Err(err).
			Msg("Provider generate failed")
		p.emitError(emit, err)
		p.recordRun(req, cfg, provReq, nil, nil, models.RunError, start, err)
		return nil, err
	}

	summary := &provider.StreamSummary{
		Text:      result.Text,
		Model:     result.Model,
		Usage:     result.Usage,
		Completed: true,
	}

	if result.Text != "" {
		if err := emit(models.StreamEvent{Type: models.EventDelta, Delta: result.Text}); err != nil {
			p.recordRun(req, cfg, provReq, summary, nil, models.RunAborted, start, err)
			return nil, err
		}
	}

	model := result.Model
	if model == "" {
		model = cfg.Model
	}
	done := &models.DonePayload{
		Message:   result.Text,
		Model:     model,
		Usage:     result.Usage,
		ToolCalls: []models.ToolCallRecord{},
		Status:    models.RunSuccess,
	}
	if err := emit(models.StreamEvent{Type: models.EventDone, Done: done}); err != nil {
		p.recordRun(req, cfg, provReq, summary, nil, models.RunAborted, start, err)
		return nil, err
	}

	p.recordRun(req, cfg, provReq, summary, nil, models.RunSuccess, start, nil)
	return done, nil
}

// runStubbed serves the configured fallback message when no provider
// credentials exist. The message is streamed as a handful of deltas so
// callers exercise the same event sequence as a real run.
func (p *Pipeline) runStubbed(ctx context.Context, req *models.ReplyRequest, cfg *models.AIConfig, emit EmitFunc, start time.Time) (*models.DonePayload, error) {
	message := p.defaults.FallbackMessage
	if message == "" {
		message = config.DefaultFallbackMessage
	}

	for _, chunk := range splitChunks(message, 3) {
		if err := emit(models.StreamEvent{Type: models.EventDelta, Delta: chunk}); err != nil {
			p.recordStubRun(req, cfg, message, models.RunAborted, start, err)
			return nil, err
		}
	}

	// Cancellation follows the same contract as a real run: no done
	// event, run recorded as aborted.
	if ctx.Err() != nil {
		p.recordStubRun(req, cfg, message, models.RunAborted, start, ctx.Err())
		return nil, ctx.Err()
	}

	done := &models.DonePayload{
		Message:   message,
		Model:     stubModel,
		ToolCalls: []models.ToolCallRecord{},
		Status:    models.RunStubbed,
	}
	if err := emit(models.StreamEvent{Type: models.EventDone, Done: done}); err != nil {
		p.recordStubRun(req, cfg, message, models.RunAborted, start, err)
		return nil, err
	}

	p.recordStubRun(req, cfg, message, models.RunStubbed, start, nil)
	return done, nil
}

// recordStubRun writes the audit record for a stub-served invocation.
// Like recordRun it never inherits the caller's context, so an aborted
// stub run still gets its row.
func (p *Pipeline) recordStubRun(req *models.ReplyRequest, cfg *models.AIConfig, message string, status models.RunStatus, start time.Time, cause error) {
	response := map[string]interface{}{
		"message": message,
		"model":   stubModel,
	}
	if cause != nil {
		response["error"] = cause.Error()
	}

	run := &models.AIRun{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		ConversationID:  req.ConversationID,
		ConfigID:        &cfg.ID,
		RunType:         req.RunType,
		RequestPayload:  map[string]interface{}{"stub": true, "reason": "ai credentials not configured"},
		ResponsePayload: response,
		LatencyMs:       time.Since(start).Milliseconds(),
		Status:          status,
		CreatedAt:       time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.CreateAIRun(ctx, run); err != nil {
		log.Warn().Str("tenant", req.TenantID).Err(err).Msg("Failed to record stubbed run")
	}
}

// recordRun writes the invocation-level audit record. Recording is
// best-effort: a storage failure is logged, never surfaced to the caller.
func (p *Pipeline) recordRun(req *models.ReplyRequest, cfg *models.AIConfig, provReq *provider.Request, summary *provider.StreamSummary, toolCalls []models.ToolCallRecord, status models.RunStatus, start time.Time, cause error) {
	run := &models.AIRun{
		ID:             uuid.New().String(),
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		ConfigID:       &cfg.ID,
		RunType:        req.RunType,
		RequestPayload: toPayloadMap(provReq),
		LatencyMs:      time.Since(start).Milliseconds(),
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}

	response := map[string]interface{}{}
	if summary != nil {
		response["message"] = summary.Text
		response["model"] = summary.Model
		if summary.Usage != nil {
			run.PromptTokens = &summary.Usage.PromptTokens
			run.CompletionTokens = &summary.Usage.CompletionTokens
			run.TotalTokens = &summary.Usage.TotalTokens
		}
	}
	if len(toolCalls) > 0 {
		response["toolCalls"] = toolCalls
	}
	if cause != nil {
		response["error"] = cause.Error()
	}
	run.ResponsePayload = response

	// Recording must not inherit the caller's (possibly canceled)
	// context: an aborted run still gets its audit row.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.CreateAIRun(ctx, run); err != nil {
		log.Warn().Str("tenant", req.TenantID).Str("conversation", req.ConversationID).Err(err).
			Msg("Failed to record pipeline run")
	}
}

// emitError forwards a terminal error event, ignoring emit failures
// since the run is already failing.
func (p *Pipeline) emitError(emit EmitFunc, cause error) {
	_ = emit(models.StreamEvent{Type: models.EventError, Error: cause.Error()})
}

// emitSink guards an EmitFunc so the first failure silences all later
// sends instead of hammering a gone caller.
type emitSink struct {
	emit EmitFunc
	err  error
}

func (s *emitSink) send(ev models.StreamEvent) {
	if s.err != nil {
		return
	}
	s.err = s.emit(ev)
}

// toPayloadMap converts the provider request into the generic map shape
// stored on the audit record.
func toPayloadMap(req *provider.Request) map[string]interface{} {
	raw, err := json.Marshal(req)
	if err != nil {
		return map[string]interface{}{"error": "unserializable request"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"error": "unserializable request"}
	}
	return out
}

// splitChunks splits s into at most n rune-safe chunks of similar size.
func splitChunks(s string, n int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if len(runes) < n {
		n = len(runes)
	}
	size := (len(runes) + n - 1) / n
	chunks := make([]string, 0, n)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
