// Package store provides the storage interface and implementations for the
// ZapTalk backend. The in-memory store backs local development and tests;
// PostgreSQL (pgx) backs production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// Store is the primary storage interface. All pipeline and handler code
// depends on this interface, making it easy to swap between in-memory
// (tests) and PostgreSQL (production) implementations.
type Store interface {
	AIConfigStore
	AIRunStore
	TicketStore
	MessageStore

	// Ping checks if the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── AI Config Store ─────────────────────────────────────────

// AIConfigStore persists per-scope AI configuration records.
// Lookups are by (tenant, scopeKey) where scopeKey is a queue ID or
// models.GlobalScopeKey for the tenant-wide record.
type AIConfigStore interface {
	GetAIConfig(ctx context.Context, tenantID, scopeKey string) (*models.AIConfig, error)
	UpsertAIConfig(ctx context.Context, cfg *models.AIConfig) error
	ListAIConfigs(ctx context.Context, tenantID string) ([]models.AIConfig, error)
	DeleteAIConfig(ctx context.Context, tenantID, scopeKey string) error
}

// ── AI Run Store ────────────────────────────────────────────

// RunFilter defines optional filters for listing AI runs.
type RunFilter struct {
	ConversationID string           // exact match
	RunType        models.RunType   // exact match
	Status         models.RunStatus // exact match
	Limit          int              // max results (default 100)
}

// AIRunStore persists the append-only audit records. Runs are write-once
// and never updated.
type AIRunStore interface {
	CreateAIRun(ctx context.Context, run *models.AIRun) error
	ListAIRuns(ctx context.Context, tenantID string, filter RunFilter) ([]models.AIRun, error)
	GetAIRun(ctx context.Context, id string) (*models.AIRun, error)
}

// ── Ticket Store ────────────────────────────────────────────

type TicketStore interface {
	GetTicket(ctx context.Context, tenantID, id string) (*models.Ticket, error)
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	UpdateTicket(ctx context.Context, ticket *models.Ticket) error
}

// ── Message Store ───────────────────────────────────────────

// MessageStore persists ticket messages and answers the history and
// idempotency lookups the auto-reply guard depends on.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error

	// ListTicketMessages returns up to limit messages for a ticket,
	// newest first.
	ListTicketMessages(ctx context.Context, tenantID, ticketID string, limit int) ([]models.Message, error)

	// FindMessageByMetadata returns the first message on the ticket whose
	// metadata contains the given key/value pair, or ErrNotFound.
	FindMessageByMetadata(ctx context.Context, tenantID, ticketID, key, value string) (*models.Message, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is (or wraps) an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
