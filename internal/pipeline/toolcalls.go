package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/internal/toolreg"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// toolCallState accumulates the streamed fragments of one tool call.
// A call id may arrive before its name; the name is recorded as soon as
// it is seen.
type toolCallState struct {
	name      string
	fragments []string
}

// toolCoordinator accumulates tool-call fragments keyed by provider call
// id and executes completed calls through the registry. It emits the
// paired executing/terminal tool_call events and writes one AIRun per
// executed call.
type toolCoordinator struct {
	registry *toolreg.Registry
	runs     store.AIRunStore
	req      *models.ReplyRequest
	configID *string
	emit     EmitFunc

	calls   map[string]*toolCallState
	records []models.ToolCallRecord
	emitErr error
}

func newToolCoordinator(registry *toolreg.Registry, runs store.AIRunStore, req *models.ReplyRequest, configID *string, emit EmitFunc) *toolCoordinator {
	return &toolCoordinator{
		registry: registry,
		runs:     runs,
		req:      req,
		configID: configID,
		emit:     emit,
		calls:    make(map[string]*toolCallState),
	}
}

// onDelta records a name and/or argument fragment for a call id.
// Fragment order equals arrival order.
func (tc *toolCoordinator) onDelta(callID, name, fragment string) {
	state, ok := tc.calls[callID]
	if !ok {
		state = &toolCallState{}
		tc.calls[callID] = state
	}
	if name != "" && state.name == "" {
		state.name = name
	}
	if fragment != "" {
		state.fragments = append(state.fragments, fragment)
	}
}

// onComplete finalizes and executes a call. A completion for an unknown
// call id, or one whose name never arrived, is a no-op: the provider
// stream was out of order or malformed and there is nothing to run.
//
// consolidated is the full argument string echoed on the done event.
// Streamed fragments win when present; the consolidated string only
// fills in for calls whose arguments never arrived as fragments.
func (tc *toolCoordinator) onComplete(ctx context.Context, callID, consolidated string) {
	state, ok := tc.calls[callID]
	if !ok || state.name == "" {
		log.Warn().Str("call_id", callID).Msg("Tool call completion with nothing to execute, skipping")
		return
	}

	raw := strings.Join(state.fragments, "")
	if raw == "" {
		raw = consolidated
	}
	args := parseArguments(state.name, raw)

	// Emit intent before invoking so the caller sees the call even when
	// execution is slow.
	executing := models.ToolCallRecord{
		ID:        callID,
		Name:      state.name,
		Status:    models.ToolCallExecuting,
		Arguments: args,
		Result:    nil,
	}
	tc.send(models.StreamEvent{Type: models.EventToolCall, ToolCall: &executing})

	execCtx, span := otel.Tracer("zaptalk/pipeline").Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", state.name),
		attribute.String("tool.call_id", callID),
	))
	start := time.Now()
	result := tc.registry.Execute(execCtx, state.name, args)
	span.SetAttributes(attribute.Bool("tool.ok", result.OK))
	span.End()

	terminal := models.ToolCallRecord{
		ID:        callID,
		Name:      state.name,
		Arguments: args,
		Result:    result.Result,
	}
	if result.OK {
		terminal.Status = models.ToolCallSuccess
	} else {
		terminal.Status = models.ToolCallError
		terminal.Error = result.Err
	}
	tc.records = append(tc.records, terminal)
	tc.send(models.StreamEvent{Type: models.EventToolCall, ToolCall: &terminal})

	tc.recordRun(ctx, terminal, time.Since(start).Milliseconds())
}

// send forwards an event to the caller, remembering the first failure so
// the pipeline can treat a gone caller as an abort.
func (tc *toolCoordinator) send(ev models.StreamEvent) {
	if tc.emitErr != nil || tc.emit == nil {
		return
	}
	if err := tc.emit(ev); err != nil {
		tc.emitErr = err
	}
}

// recordRun writes the per-tool-call audit record regardless of outcome.
func (tc *toolCoordinator) recordRun(ctx context.Context, record models.ToolCallRecord, latencyMs int64) {
	status := models.RunSuccess
	if record.Status == models.ToolCallError {
		status = models.RunError
	}

	run := &models.AIRun{
		ID:             uuid.New().String(),
		TenantID:       tc.req.TenantID,
		ConversationID: tc.req.ConversationID,
		ConfigID:       tc.configID,
		RunType:        models.RunTypeToolCall,
		RequestPayload: map[string]interface{}{
			"callId":    record.ID,
			"tool":      record.Name,
			"arguments": record.Arguments,
		},
		ResponsePayload: map[string]interface{}{
			"result": record.Result,
			"error":  record.Error,
		},
		LatencyMs: latencyMs,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if err := tc.runs.CreateAIRun(ctx, run); err != nil {
		log.Warn().Str("tool", record.Name).Err(err).Msg("Failed to record tool call run")
	}
}

// parseArguments concatenates fragments and parses them as JSON.
// Tolerant: a parse failure yields empty-object arguments, logged, and
// execution is still attempted.
func parseArguments(toolName, raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		log.Warn().Str("tool", toolName).Err(err).Msg("Tool arguments are not valid JSON, executing with empty arguments")
		return map[string]interface{}{}
	}
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}
