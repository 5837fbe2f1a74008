// Package contracts defines the service interfaces for the ZapTalk backend.
//
// The HTTP handlers and the auto-reply guard depend on these interfaces
// rather than the concrete implementations, so the wiring code in
// pkg/server decides which implementation serves each role and tests can
// substitute fakes without touching internal packages.
package contracts

import (
	"context"

	"github.com/zaptalk/zaptalk/backend/internal/pipeline"
	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed in
// pkg/ so external wiring can reference it without importing internal/.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Reply Pipeline ──────────────────────────────────────────

// EmitFunc is a type alias for the pipeline's emit callback so the
// interface below is satisfied by the concrete pipeline unmodified.
type EmitFunc = pipeline.EmitFunc

// ReplyPipeline generates one AI reply for a conversation, streaming
// events through emit and returning the terminal summary.
type ReplyPipeline interface {
	Run(ctx context.Context, req *models.ReplyRequest, emit EmitFunc) (*models.DonePayload, error)
}

// ── Outbound Sender ─────────────────────────────────────────

// MessageSender delivers an outbound message to the customer channel
// and persists the resulting message record.
type MessageSender interface {
	Send(ctx context.Context, req *models.SendRequest) (*models.Message, error)
}
