// Package store — PostgreSQL Store implementation backed by pgx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

// migrate creates the tables if they do not exist.
func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ai_configs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			queue_id TEXT,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, scope_key)
		)`,
		`CREATE TABLE IF NOT EXISTS ai_runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			run_type TEXT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_runs_tenant_created
			ON ai_runs (tenant_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			ticket_id TEXT NOT NULL,
			metadata JSONB,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ticket_created
			ON messages (tenant_id, ticket_id, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── AI Config ───────────────────────────────────────────────

func (s *PostgresStore) GetAIConfig(ctx context.Context, tenantID, scopeKey string) (*models.AIConfig, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM ai_configs WHERE tenant_id = $1 AND scope_key = $2`,
		tenantID, scopeKey,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "ai config", Key: scopedKey(tenantID, scopeKey)}
	}
	if err != nil {
		return nil, fmt.Errorf("get ai config: %w", err)
	}

	var cfg models.AIConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("decode ai config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) UpsertAIConfig(ctx context.Context, cfg *models.AIConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode ai config: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ai_configs (id, tenant_id, scope_key, queue_id, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (tenant_id, scope_key)
		 DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		cfg.ID, cfg.TenantID, cfg.ScopeKey(), cfg.QueueID, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert ai config: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAIConfigs(ctx context.Context, tenantID string) ([]models.AIConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM ai_configs WHERE tenant_id = $1 ORDER BY scope_key`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list ai configs: %w", err)
	}
	defer rows.Close()

	var result []models.AIConfig
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cfg models.AIConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			return nil, fmt.Errorf("decode ai config: %w", err)
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteAIConfig(ctx context.Context, tenantID, scopeKey string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM ai_configs WHERE tenant_id = $1 AND scope_key = $2`, tenantID, scopeKey)
	if err != nil {
		return fmt.Errorf("delete ai config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "ai config", Key: scopedKey(tenantID, scopeKey)}
	}
	return nil
}

// ── AI Runs ─────────────────────────────────────────────────

func (s *PostgresStore) CreateAIRun(ctx context.Context, run *models.AIRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode ai run: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ai_runs (id, tenant_id, conversation_id, run_type, status, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.TenantID, run.ConversationID, run.RunType, run.Status, payload,
	)
	if err != nil {
		return fmt.Errorf("create ai run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAIRuns(ctx context.Context, tenantID string, filter RunFilter) ([]models.AIRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT payload FROM ai_runs WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if filter.ConversationID != "" {
		args = append(args, filter.ConversationID)
		query += ` AND conversation_id = $` + strconv.Itoa(len(args))
	}
	if filter.RunType != "" {
		args = append(args, string(filter.RunType))
		query += ` AND run_type = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ai runs: %w", err)
	}
	defer rows.Close()

	var result []models.AIRun
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run models.AIRun
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, fmt.Errorf("decode ai run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetAIRun(ctx context.Context, id string) (*models.AIRun, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM ai_runs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "ai run", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get ai run: %w", err)
	}

	var run models.AIRun
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("decode ai run: %w", err)
	}
	return &run, nil
}

// ── Tickets ─────────────────────────────────────────────────

func (s *PostgresStore) GetTicket(ctx context.Context, tenantID, id string) (*models.Ticket, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM tickets WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "ticket", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}

	var t models.Ticket
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tickets (id, tenant_id, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		ticket.ID, ticket.TenantID, payload,
	)
	if err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTicket(ctx context.Context, ticket *models.Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tickets SET payload = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2`,
		ticket.TenantID, ticket.ID, payload,
	)
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "ticket", Key: ticket.ID}
	}
	return nil
}

// ── Messages ────────────────────────────────────────────────

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	var metadata []byte
	if msg.Metadata != nil {
		metadata, _ = json.Marshal(msg.Metadata)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (id, tenant_id, ticket_id, metadata, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.TenantID, msg.TicketID, metadata, payload,
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTicketMessages(ctx context.Context, tenantID, ticketID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM messages
		 WHERE tenant_id = $1 AND ticket_id = $2
		 ORDER BY created_at DESC LIMIT $3`,
		tenantID, ticketID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ticket messages: %w", err)
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m models.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) FindMessageByMetadata(ctx context.Context, tenantID, ticketID, key, value string) (*models.Message, error) {
	// metadata @> '{"key":"value"}' uses the JSONB containment operator.
	match, _ := json.Marshal(map[string]string{key: value})

	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM messages
		 WHERE tenant_id = $1 AND ticket_id = $2 AND metadata @> $3
		 ORDER BY created_at ASC LIMIT 1`,
		tenantID, ticketID, string(match),
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "message", Key: key + "=" + value}
	}
	if err != nil {
		return nil, fmt.Errorf("find message by metadata: %w", err)
	}

	var m models.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
