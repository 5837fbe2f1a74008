package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zaptalk/zaptalk/backend/internal/aiconfig"
	"github.com/zaptalk/zaptalk/backend/internal/config"
	"github.com/zaptalk/zaptalk/backend/internal/pipeline"
	"github.com/zaptalk/zaptalk/backend/internal/provider"
	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/internal/toolreg"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

type fixture struct {
	store    *store.MemoryStore
	registry *toolreg.Registry
	pipe     *pipeline.Pipeline
}

// newFixture wires a pipeline against endpoint. An empty endpoint leaves
// the AI feature disabled (no credentials), which exercises the stub path.
func newFixture(t *testing.T, endpoint string) *fixture {
	t.Helper()

	defaults := config.AIConfig{
		Endpoint:        endpoint,
		DefaultModel:    "gpt-4o-mini",
		DefaultMode:     "IA_AUTO",
		FallbackMessage: config.DefaultFallbackMessage,
	}
	if endpoint != "" {
		defaults.APIKey = "test-key"
	}

	s := store.NewMemoryStore()
	registry := toolreg.New()
	resolver := aiconfig.NewResolver(s, defaults)
	client := provider.NewClient(defaults)

	return &fixture{
		store:    s,
		registry: registry,
		pipe:     pipeline.New(s, resolver, registry, client, defaults),
	}
}

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func collectEvents() (pipeline.EmitFunc, *[]models.StreamEvent) {
	events := &[]models.StreamEvent{}
	return func(ev models.StreamEvent) error {
		*events = append(*events, ev)
		return nil
	}, events
}

func replyRequest() *models.ReplyRequest {
	return &models.ReplyRequest{
		TenantID:       "acme",
		ConversationID: "ticket-1",
		Messages:       []models.ConversationMessage{{Role: models.RoleUser, Content: "Oi"}},
	}
}

func listRuns(t *testing.T, s *store.MemoryStore) []models.AIRun {
	t.Helper()
	runs, err := s.ListAIRuns(context.Background(), "acme", store.RunFilter{})
	if err != nil {
		t.Fatalf("ListAIRuns() error = %v", err)
	}
	return runs
}

// ─── Stub Path ───────────────────────────────────────────────

func TestRun_StubbedWhenDisabled(t *testing.T) {
	f := newFixture(t, "")
	emit, events := collectEvents()

	done, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var deltas []string
	for _, ev := range *events {
		if ev.Type == models.EventDelta {
			deltas = append(deltas, ev.Delta)
		}
	}
	if len(deltas) != 3 {
		t.Errorf("got %d delta events, want 3", len(deltas))
	}
	if got := strings.Join(deltas, ""); got != config.DefaultFallbackMessage {
		t.Errorf("concatenated deltas = %q, want the fallback message", got)
	}

	last := (*events)[len(*events)-1]
	if last.Type != models.EventDone {
		t.Fatalf("last event type = %q, want done", last.Type)
	}
	if done.Status != models.RunStubbed {
		t.Errorf("done.Status = %q, want %q", done.Status, models.RunStubbed)
	}
	if done.Model != "stub" {
		t.Errorf("done.Model = %q, want %q", done.Model, "stub")
	}

	runs := listRuns(t, f.store)
	if len(runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(runs))
	}
	if runs[0].Status != models.RunStubbed {
		t.Errorf("run status = %q, want %q", runs[0].Status, models.RunStubbed)
	}
}

// ─── Streaming ───────────────────────────────────────────────

func TestRun_PartialWithoutCompletion(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"type":"response.output_text.delta","delta":"Hel"}`,
		`{"type":"response.output_text.delta","delta":"lo"}`,
		`[DONE]`,
	))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	emit, events := collectEvents()

	done, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if done.Message != "Hello" {
		t.Errorf("done.Message = %q, want %q", done.Message, "Hello")
	}
	if done.Status != models.RunPartial {
		t.Errorf("done.Status = %q, want %q without a completion event", done.Status, models.RunPartial)
	}

	last := (*events)[len(*events)-1]
	if last.Type != models.EventDone {
		t.Errorf("last event type = %q, want done strictly last", last.Type)
	}

	// Round-trip: the done message equals the recorded response message.
	runs := listRuns(t, f.store)
	if len(runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(runs))
	}
	if got := runs[0].ResponsePayload["message"]; got != "Hello" {
		t.Errorf("recorded message = %v, want %q", got, "Hello")
	}
}

func TestRun_CompletedSuccess(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"type":"response.output_text.delta","delta":"Olá"}`,
		`{"type":"response.completed","response":{"model":"gpt-4o-mini","usage":{"input_tokens":7,"output_tokens":2}}}`,
		`[DONE]`,
	))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	emit, _ := collectEvents()

	done, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if done.Status != models.RunSuccess {
		t.Errorf("done.Status = %q, want %q", done.Status, models.RunSuccess)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 9 {
		t.Errorf("done.Usage = %+v, want total 9 tokens", done.Usage)
	}

	runs := listRuns(t, f.store)
	if len(runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(runs))
	}
	if runs[0].TotalTokens == nil || *runs[0].TotalTokens != 9 {
		t.Errorf("recorded TotalTokens = %v, want 9", runs[0].TotalTokens)
	}
}

func TestRun_NonStreamingScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"gpt-4o-mini","output_text":"Tudo certo","usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	cfg := &models.AIConfig{
		ID:               "cfg-ns",
		TenantID:         "acme",
		Model:            "gpt-4o-mini",
		StreamingEnabled: false,
		DefaultMode:      models.ModeAuto,
	}
	if err := f.store.UpsertAIConfig(context.Background(), cfg); err != nil {
		t.Fatalf("UpsertAIConfig() error = %v", err)
	}

	emit, events := collectEvents()
	done, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if done.Message != "Tudo certo" {
		t.Errorf("done.Message = %q, want %q", done.Message, "Tudo certo")
	}
	if done.Status != models.RunSuccess {
		t.Errorf("done.Status = %q, want %q", done.Status, models.RunSuccess)
	}
	if len(*events) != 2 || (*events)[0].Type != models.EventDelta || (*events)[1].Type != models.EventDone {
		t.Errorf("events = %+v, want one delta then done", *events)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 5 {
		t.Errorf("done.Usage = %+v, want total 5 tokens", done.Usage)
	}
}

// ─── Tool Calls ──────────────────────────────────────────────

func TestRun_ToolCallExecution(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"type":"response.function_call_arguments.delta","call_id":"c1","name":"lookup","delta":"{\"q\":"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"\"x\"}"}`,
		`{"type":"response.function_call_arguments.done","call_id":"c1"}`,
		`{"type":"response.completed","response":{"model":"gpt-4o-mini"}}`,
		`[DONE]`,
	))
	defer srv.Close()

	f := newFixture(t, srv.URL)

	var gotArgs map[string]interface{}
	f.registry.Register(toolreg.Tool{
		Name: "lookup",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			gotArgs = args
			return map[string]interface{}{"found": true}, nil
		},
	})

	emit, events := collectEvents()
	done, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var toolEvents []models.StreamEvent
	for _, ev := range *events {
		if ev.Type == models.EventToolCall {
			toolEvents = append(toolEvents, ev)
		}
	}
	if len(toolEvents) != 2 {
		t.Fatalf("got %d tool_call events, want executing then terminal", len(toolEvents))
	}
	if toolEvents[0].ToolCall.Status != models.ToolCallExecuting {
		t.Errorf("first tool event status = %q, want %q", toolEvents[0].ToolCall.Status, models.ToolCallExecuting)
	}
	if toolEvents[1].ToolCall.Status != models.ToolCallSuccess {
		t.Errorf("second tool event status = %q, want %q", toolEvents[1].ToolCall.Status, models.ToolCallSuccess)
	}
	if gotArgs["q"] != "x" {
		t.Errorf("handler args = %v, want q=x parsed from the fragments", gotArgs)
	}
	result, ok := toolEvents[1].ToolCall.Result.(map[string]interface{})
	if !ok || result["found"] != true {
		t.Errorf("terminal tool result = %v, want {found:true}", toolEvents[1].ToolCall.Result)
	}
	if len(done.ToolCalls) != 1 || done.ToolCalls[0].ID != "c1" {
		t.Errorf("done.ToolCalls = %+v, want the c1 terminal record", done.ToolCalls)
	}

	// One reply run plus one tool_call run.
	runs := listRuns(t, f.store)
	if len(runs) != 2 {
		t.Fatalf("recorded %d runs, want 2", len(runs))
	}
	var types []models.RunType
	for _, run := range runs {
		types = append(types, run.RunType)
	}
	if types[0] != models.RunTypeReply || types[1] != models.RunTypeToolCall {
		t.Errorf("run types = %v, want [reply tool_call] newest first", types)
	}
}

func TestRun_ToolCallDoneEchoingArgumentsDoesNotCorruptThem(t *testing.T) {
	// The done event repeats the full argument string already streamed as
	// fragments. The handler must still see the parsed arguments, not an
	// empty object from a doubled, unparseable concatenation.
	srv := httptest.NewServer(sseHandler(
		`{"type":"response.function_call_arguments.delta","call_id":"c1","name":"lookup","delta":"{\"q\":"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"\"x\"}"}`,
		`{"type":"response.function_call_arguments.done","call_id":"c1","arguments":"{\"q\":\"x\"}"}`,
		`{"type":"response.completed","response":{"model":"gpt-4o-mini"}}`,
		`[DONE]`,
	))
	defer srv.Close()

	f := newFixture(t, srv.URL)

	var gotArgs map[string]interface{}
	f.registry.Register(toolreg.Tool{
		Name: "lookup",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			gotArgs = args
			return map[string]interface{}{"found": true}, nil
		},
	})

	emit, _ := collectEvents()
	done, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gotArgs["q"] != "x" {
		t.Errorf("handler args = %v, want q=x despite the echoed arguments", gotArgs)
	}
	if len(done.ToolCalls) != 1 || done.ToolCalls[0].Status != models.ToolCallSuccess {
		t.Errorf("done.ToolCalls = %+v, want one successful record", done.ToolCalls)
	}
}

func TestRun_UnknownToolYieldsErrorRecord(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"type":"response.function_call_arguments.delta","call_id":"c1","name":"nope","delta":"{}"}`,
		`{"type":"response.function_call_arguments.done","call_id":"c1"}`,
		`{"type":"response.completed","response":{}}`,
		`[DONE]`,
	))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	emit, events := collectEvents()

	done, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(done.ToolCalls) != 1 || done.ToolCalls[0].Status != models.ToolCallError {
		t.Fatalf("done.ToolCalls = %+v, want one error record", done.ToolCalls)
	}
	if done.ToolCalls[0].Error == "" {
		t.Error("tool call Error is empty, want the unregistered-tool reason")
	}

	// The stream still finishes normally: done is last.
	last := (*events)[len(*events)-1]
	if last.Type != models.EventDone {
		t.Errorf("last event type = %q, want done", last.Type)
	}
}

// ─── Failure Paths ───────────────────────────────────────────

func TestRun_TransportErrorEmitsErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	emit, events := collectEvents()

	_, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err == nil {
		t.Fatal("Run() error = nil, want transport error")
	}

	if len(*events) != 1 || (*events)[0].Type != models.EventError {
		t.Fatalf("events = %+v, want a single error event", *events)
	}

	runs := listRuns(t, f.store)
	if len(runs) != 1 || runs[0].Status != models.RunError {
		t.Fatalf("runs = %+v, want one error run", runs)
	}
}

func TestRun_StubbedEmitFailureRecordsAborted(t *testing.T) {
	f := newFixture(t, "")

	emit := func(models.StreamEvent) error { return errors.New("client disconnected") }
	_, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err == nil {
		t.Fatal("Run() error = nil, want the emit failure")
	}

	runs := listRuns(t, f.store)
	if len(runs) != 1 || runs[0].Status != models.RunAborted {
		t.Fatalf("runs = %+v, want one aborted run", runs)
	}
}

func TestRun_EmitFailureMidStreamRecordsAborted(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"type":"response.output_text.delta","delta":"Hel"}`,
		`{"type":"response.output_text.delta","delta":"lo"}`,
		`{"type":"response.completed","response":{"model":"gpt-4o-mini"}}`,
		`[DONE]`,
	))
	defer srv.Close()

	f := newFixture(t, srv.URL)

	var sent []models.StreamEvent
	emit := func(ev models.StreamEvent) error {
		if len(sent) >= 1 {
			return errors.New("client disconnected")
		}
		sent = append(sent, ev)
		return nil
	}

	_, err := f.pipe.Run(context.Background(), replyRequest(), emit)
	if err == nil {
		t.Fatal("Run() error = nil, want the emit failure")
	}

	for _, ev := range sent {
		if ev.Type == models.EventDone {
			t.Fatal("done event emitted after the caller went away, want none")
		}
	}

	runs := listRuns(t, f.store)
	if len(runs) != 1 || runs[0].Status != models.RunAborted {
		t.Fatalf("runs = %+v, want one aborted run", runs)
	}
}

func TestRun_CancellationRecordsAbortedWithoutDone(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", `{"type":"response.output_text.delta","delta":"Hel"}`)
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	emit, events := collectEvents()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := f.pipe.Run(ctx, replyRequest(), emit)
	if err == nil {
		t.Fatal("Run() error = nil, want cancellation")
	}

	for _, ev := range *events {
		if ev.Type == models.EventDone {
			t.Fatal("done event emitted after cancellation, want none")
		}
	}

	runs := listRuns(t, f.store)
	if len(runs) != 1 || runs[0].Status != models.RunAborted {
		t.Fatalf("runs = %+v, want one aborted run", runs)
	}
}
