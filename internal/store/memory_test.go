package store_test

import (
	"context"
	"testing"

	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

// ─── AI Config ───────────────────────────────────────────────

func TestUpsertAndGetAIConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &models.AIConfig{
		ID:          "cfg-1",
		TenantID:    "acme",
		QueueID:     strPtr("support"),
		Model:       "gpt-4o-mini",
		DefaultMode: models.ModeAuto,
	}
	if err := s.UpsertAIConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertAIConfig() error = %v", err)
	}

	got, err := s.GetAIConfig(ctx, "acme", "support")
	if err != nil {
		t.Fatalf("GetAIConfig() error = %v", err)
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("GetAIConfig().Model = %q, want %q", got.Model, "gpt-4o-mini")
	}
	if got.DefaultMode != models.ModeAuto {
		t.Errorf("GetAIConfig().DefaultMode = %q, want %q", got.DefaultMode, models.ModeAuto)
	}
}

func TestUpsertAIConfig_PreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.AIConfig{ID: "cfg-1", TenantID: "acme", Model: "gpt-4o-mini"}
	if err := s.UpsertAIConfig(ctx, first); err != nil {
		t.Fatalf("UpsertAIConfig() first call error = %v", err)
	}

	// Second upsert for the same scope keeps the original ID.
	second := &models.AIConfig{ID: "cfg-2", TenantID: "acme", Model: "gpt-4o"}
	if err := s.UpsertAIConfig(ctx, second); err != nil {
		t.Fatalf("UpsertAIConfig() second call error = %v", err)
	}

	got, err := s.GetAIConfig(ctx, "acme", models.GlobalScopeKey)
	if err != nil {
		t.Fatalf("GetAIConfig() error = %v", err)
	}
	if got.ID != "cfg-1" {
		t.Errorf("After upsert, ID = %q, want %q", got.ID, "cfg-1")
	}
	if got.Model != "gpt-4o" {
		t.Errorf("After upsert, Model = %q, want %q", got.Model, "gpt-4o")
	}
}

func TestGetAIConfig_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAIConfig(context.Background(), "acme", "missing")
	if err == nil {
		t.Fatal("GetAIConfig() expected error for missing config")
	}
	if !store.IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}

func TestGetAIConfig_TenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &models.AIConfig{ID: "cfg-1", TenantID: "acme", Model: "gpt-4o-mini"}
	if err := s.UpsertAIConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertAIConfig() error = %v", err)
	}

	if _, err := s.GetAIConfig(ctx, "other", models.GlobalScopeKey); !store.IsNotFound(err) {
		t.Errorf("GetAIConfig() for other tenant error = %v, want not found", err)
	}
}

func TestDeleteAIConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &models.AIConfig{ID: "cfg-1", TenantID: "acme"}
	if err := s.UpsertAIConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertAIConfig() error = %v", err)
	}
	if err := s.DeleteAIConfig(ctx, "acme", models.GlobalScopeKey); err != nil {
		t.Fatalf("DeleteAIConfig() error = %v", err)
	}
	if _, err := s.GetAIConfig(ctx, "acme", models.GlobalScopeKey); !store.IsNotFound(err) {
		t.Errorf("GetAIConfig() after delete error = %v, want not found", err)
	}
	if err := s.DeleteAIConfig(ctx, "acme", models.GlobalScopeKey); !store.IsNotFound(err) {
		t.Errorf("DeleteAIConfig() second call error = %v, want not found", err)
	}
}

// ─── AI Runs ─────────────────────────────────────────────────

func TestListAIRuns_NewestFirstWithFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runs := []*models.AIRun{
		{ID: "r1", TenantID: "acme", ConversationID: "t1", RunType: models.RunTypeReply, Status: models.RunSuccess},
		{ID: "r2", TenantID: "acme", ConversationID: "t2", RunType: models.RunTypeToolCall, Status: models.RunError},
		{ID: "r3", TenantID: "acme", ConversationID: "t1", RunType: models.RunTypeReply, Status: models.RunPartial},
		{ID: "r4", TenantID: "other", ConversationID: "t1", RunType: models.RunTypeReply, Status: models.RunSuccess},
	}
	for _, run := range runs {
		if err := s.CreateAIRun(ctx, run); err != nil {
			t.Fatalf("CreateAIRun(%s) error = %v", run.ID, err)
		}
	}

	got, err := s.ListAIRuns(ctx, "acme", store.RunFilter{})
	if err != nil {
		t.Fatalf("ListAIRuns() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListAIRuns() returned %d runs, want 3", len(got))
	}
	if got[0].ID != "r3" || got[2].ID != "r1" {
		t.Errorf("ListAIRuns() order = [%s %s %s], want newest first [r3 r2 r1]", got[0].ID, got[1].ID, got[2].ID)
	}

	got, err = s.ListAIRuns(ctx, "acme", store.RunFilter{ConversationID: "t1", RunType: models.RunTypeReply})
	if err != nil {
		t.Fatalf("ListAIRuns() with filter error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListAIRuns() with filter returned %d runs, want 2", len(got))
	}

	got, err = s.ListAIRuns(ctx, "acme", store.RunFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListAIRuns() with limit error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "r3" {
		t.Errorf("ListAIRuns() with limit = %v, want just r3", got)
	}
}

func TestGetAIRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.AIRun{ID: "r1", TenantID: "acme", ConversationID: "t1", Status: models.RunSuccess}
	if err := s.CreateAIRun(ctx, run); err != nil {
		t.Fatalf("CreateAIRun() error = %v", err)
	}

	got, err := s.GetAIRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetAIRun() error = %v", err)
	}
	if got.ConversationID != "t1" {
		t.Errorf("GetAIRun().ConversationID = %q, want %q", got.ConversationID, "t1")
	}

	if _, err := s.GetAIRun(ctx, "missing"); !store.IsNotFound(err) {
		t.Errorf("GetAIRun(missing) error = %v, want not found", err)
	}
}

// ─── Messages ────────────────────────────────────────────────

func TestListTicketMessages_NewestFirstLimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		msg := &models.Message{ID: id, TenantID: "acme", TicketID: "t1", Direction: models.DirectionInbound, Body: id}
		if err := s.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage(%s) error = %v", id, err)
		}
	}

	got, err := s.ListTicketMessages(ctx, "acme", "t1", 2)
	if err != nil {
		t.Fatalf("ListTicketMessages() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListTicketMessages() returned %d messages, want 2", len(got))
	}
	if got[0].ID != "m3" || got[1].ID != "m2" {
		t.Errorf("ListTicketMessages() order = [%s %s], want newest first [m3 m2]", got[0].ID, got[1].ID)
	}
}

func TestFindMessageByMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &models.Message{
		ID:        "m1",
		TenantID:  "acme",
		TicketID:  "t1",
		Direction: models.DirectionOutbound,
		Body:      "reply",
		Metadata:  map[string]string{models.TriggeredByKey: "inbound-9"},
	}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	got, err := s.FindMessageByMetadata(ctx, "acme", "t1", models.TriggeredByKey, "inbound-9")
	if err != nil {
		t.Fatalf("FindMessageByMetadata() error = %v", err)
	}
	if got.ID != "m1" {
		t.Errorf("FindMessageByMetadata().ID = %q, want %q", got.ID, "m1")
	}

	if _, err := s.FindMessageByMetadata(ctx, "acme", "t1", models.TriggeredByKey, "nope"); !store.IsNotFound(err) {
		t.Errorf("FindMessageByMetadata(miss) error = %v, want not found", err)
	}
}

// ─── Tickets ─────────────────────────────────────────────────

func TestTicketLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket := &models.Ticket{ID: "t1", TenantID: "acme", ContactID: "c1", Status: "open"}
	if err := s.CreateTicket(ctx, ticket); err != nil {
		t.Fatalf("CreateTicket() error = %v", err)
	}

	ticket.Status = "closed"
	if err := s.UpdateTicket(ctx, ticket); err != nil {
		t.Fatalf("UpdateTicket() error = %v", err)
	}

	got, err := s.GetTicket(ctx, "acme", "t1")
	if err != nil {
		t.Fatalf("GetTicket() error = %v", err)
	}
	if got.Status != "closed" {
		t.Errorf("GetTicket().Status = %q, want %q", got.Status, "closed")
	}

	if err := s.UpdateTicket(ctx, &models.Ticket{ID: "missing", TenantID: "acme"}); !store.IsNotFound(err) {
		t.Errorf("UpdateTicket(missing) error = %v, want not found", err)
	}
}
