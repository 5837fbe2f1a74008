// Package store — in-memory Store implementation.
// Used when PostgreSQL is not configured (local dev, tests).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	configs  map[string]*models.AIConfig  // key: tenant:scopeKey
	runs     map[string]*models.AIRun     // key: id
	runOrder []string                     // ids in insertion order
	tickets  map[string]*models.Ticket    // key: tenant:id
	messages map[string][]*models.Message // key: tenant:ticketID, newest last
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:  make(map[string]*models.AIConfig),
		runs:     make(map[string]*models.AIRun),
		tickets:  make(map[string]*models.Ticket),
		messages: make(map[string][]*models.Message),
	}
}

func scopedKey(tenantID, key string) string {
	return tenantID + ":" + key
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close releases nothing; present to satisfy Store.
func (m *MemoryStore) Close() error { return nil }

// ── AI Config ───────────────────────────────────────────────

func (m *MemoryStore) GetAIConfig(_ context.Context, tenantID, scopeKey string) (*models.AIConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[scopedKey(tenantID, scopeKey)]
	if !ok {
		return nil, &ErrNotFound{Entity: "ai config", Key: scopedKey(tenantID, scopeKey)}
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) UpsertAIConfig(_ context.Context, cfg *models.AIConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopedKey(cfg.TenantID, cfg.ScopeKey())
	now := time.Now().UTC()
	if existing, ok := m.configs[key]; ok {
		cfg.ID = existing.ID
		cfg.CreatedAt = existing.CreatedAt
	} else if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	cp := *cfg
	m.configs[key] = &cp
	return nil
}

func (m *MemoryStore) ListAIConfigs(_ context.Context, tenantID string) ([]models.AIConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.AIConfig
	for _, cfg := range m.configs {
		if cfg.TenantID == tenantID {
			result = append(result, *cfg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ScopeKey() < result[j].ScopeKey() })
	return result, nil
}

func (m *MemoryStore) DeleteAIConfig(_ context.Context, tenantID, scopeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopedKey(tenantID, scopeKey)
	if _, ok := m.configs[key]; !ok {
		return &ErrNotFound{Entity: "ai config", Key: key}
	}
	delete(m.configs, key)
	return nil
}

// ── AI Runs ─────────────────────────────────────────────────

func (m *MemoryStore) CreateAIRun(_ context.Context, run *models.AIRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := *run
	m.runs[run.ID] = &cp
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *MemoryStore) ListAIRuns(_ context.Context, tenantID string, filter RunFilter) ([]models.AIRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []models.AIRun
	// Walk newest-first.
	for i := len(m.runOrder) - 1; i >= 0 && len(result) < limit; i-- {
		run := m.runs[m.runOrder[i]]
		if run.TenantID != tenantID {
			continue
		}
		if filter.ConversationID != "" && run.ConversationID != filter.ConversationID {
			continue
		}
		if filter.RunType != "" && run.RunType != filter.RunType {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, *run)
	}
	return result, nil
}

func (m *MemoryStore) GetAIRun(_ context.Context, id string) (*models.AIRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "ai run", Key: id}
	}
	cp := *run
	return &cp, nil
}

// ── Tickets ─────────────────────────────────────────────────

func (m *MemoryStore) GetTicket(_ context.Context, tenantID, id string) (*models.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tickets[scopedKey(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "ticket", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTicket(_ context.Context, ticket *models.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}
	ticket.UpdatedAt = now
	cp := *ticket
	m.tickets[scopedKey(ticket.TenantID, ticket.ID)] = &cp
	return nil
}

func (m *MemoryStore) UpdateTicket(_ context.Context, ticket *models.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopedKey(ticket.TenantID, ticket.ID)
	if _, ok := m.tickets[key]; !ok {
		return &ErrNotFound{Entity: "ticket", Key: ticket.ID}
	}
	ticket.UpdatedAt = time.Now().UTC()
	cp := *ticket
	m.tickets[key] = &cp
	return nil
}

// ── Messages ────────────────────────────────────────────────

func (m *MemoryStore) CreateMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	key := scopedKey(msg.TenantID, msg.TicketID)
	m.messages[key] = append(m.messages[key], &cp)
	return nil
}

func (m *MemoryStore) ListTicketMessages(_ context.Context, tenantID, ticketID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[scopedKey(tenantID, ticketID)]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}

	// Stored oldest-first; return newest-first.
	result := make([]models.Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, *msgs[i])
	}
	return result, nil
}

func (m *MemoryStore) FindMessageByMetadata(_ context.Context, tenantID, ticketID, key, value string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[scopedKey(tenantID, ticketID)] {
		if msg.Metadata != nil && msg.Metadata[key] == value {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "message", Key: key + "=" + value}
}
