// Package models defines the core data types for the ZapTalk backend.
//
// These types are shared between the HTTP handlers, the AI reply pipeline,
// and the storage layer. They are plain structs with JSON tags so the same
// shapes serve as API payloads and as persisted records.
package models

import "time"

// ── Assistant Mode ──────────────────────────────────────────

// AssistantMode controls how the AI assistant participates in a ticket.
type AssistantMode string

const (
	// ModeAuto — the assistant replies to inbound messages on its own.
	ModeAuto AssistantMode = "IA_AUTO"
	// ModeCopilot — the assistant drafts suggestions; a human sends.
	ModeCopilot AssistantMode = "COPILOTO"
	// ModeHuman — the assistant stays out of the conversation.
	ModeHuman AssistantMode = "HUMANO"
)

// Valid reports whether the mode is one of the known wire values.
func (m AssistantMode) Valid() bool {
	switch m {
	case ModeAuto, ModeCopilot, ModeHuman:
		return true
	}
	return false
}

// ── AI Configuration ────────────────────────────────────────

// GlobalScopeKey is the scope key used for a tenant-wide config record
// (one with no queue binding).
const GlobalScopeKey = "__global__"

// ToolSpec declares a callable tool as advertised to the model provider.
// Parameters is a JSON Schema object describing the tool's arguments.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// AIConfig is the per-scope AI configuration record.
// A scope is (tenant, queue); QueueID == nil means tenant-global.
type AIConfig struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenantId"`
	QueueID  *string `json:"queueId,omitempty"`

	Model               string                 `json:"model"`
	Temperature         *float64               `json:"temperature,omitempty"`
	MaxOutputTokens     *int                   `json:"maxOutputTokens,omitempty"`
	SystemPromptReply   string                 `json:"systemPromptReply,omitempty"`
	SystemPromptSuggest string                 `json:"systemPromptSuggest,omitempty"`
	ResponseSchema      map[string]interface{} `json:"responseSchema,omitempty"`
	Tools               []ToolSpec             `json:"tools,omitempty"`
	VectorStoreIDs      []string               `json:"vectorStoreIds,omitempty"`
	FileSearchEnabled   bool                   `json:"fileSearchEnabled"`
	StreamingEnabled    bool                   `json:"streamingEnabled"`
	DefaultMode         AssistantMode          `json:"defaultMode"`
	ConfidenceThreshold float64                `json:"confidenceThreshold,omitempty"`
	FallbackPolicy      string                 `json:"fallbackPolicy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ScopeKey returns the queue ID, or GlobalScopeKey for a global record.
func (c *AIConfig) ScopeKey() string {
	if c.QueueID == nil || *c.QueueID == "" {
		return GlobalScopeKey
	}
	return *c.QueueID
}

// ── Conversation ────────────────────────────────────────────

// Message roles. Ordering of messages is caller-supplied and preserved.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationMessage is one turn of the transcript handed to the pipeline.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ── Pipeline Events ─────────────────────────────────────────

// Stream event kinds emitted to the caller during a pipeline run.
const (
	EventDelta    = "delta"
	EventToolCall = "tool_call"
	EventDone     = "done"
	EventError    = "error"
)

// Tool call statuses carried on tool_call events.
const (
	ToolCallExecuting = "executing"
	ToolCallSuccess   = "success"
	ToolCallError     = "error"
)

// ToolCallRecord describes one provider-requested tool invocation.
// Result is an explicit nil (not absent) when the call produced no
// value, so the record serializes with a JSON null.
type ToolCallRecord struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Status    string                 `json:"status"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    interface{}            `json:"result"`
	Error     string                 `json:"error,omitempty"`
}

// Usage holds token accounting reported by the provider.
type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// DonePayload is the terminal summary of a pipeline run.
type DonePayload struct {
	Message   string           `json:"message"`
	Model     string           `json:"model"`
	Usage     *Usage           `json:"usage,omitempty"`
	ToolCalls []ToolCallRecord `json:"toolCalls"`
	Status    RunStatus        `json:"status"`
}

// StreamEvent is the caller-facing event union. Exactly one of the
// payload fields is set, selected by Type.
type StreamEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	ToolCall *ToolCallRecord `json:"toolCall,omitempty"`
	Done     *DonePayload    `json:"done,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ── AI Run (audit record) ───────────────────────────────────

// RunType classifies what a pipeline invocation was for.
type RunType string

const (
	RunTypeReply    RunType = "reply"
	RunTypeSuggest  RunType = "suggest"
	RunTypeToolCall RunType = "tool_call"
)

// RunStatus is the terminal status of a recorded run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunStubbed RunStatus = "stubbed"
	RunPartial RunStatus = "partial"
	RunAborted RunStatus = "aborted"
	RunError   RunStatus = "error"
)

// AIRun is the append-only audit record written once per pipeline
// invocation (plus one per executed tool call). Never mutated after
// creation and never read back by the pipeline itself.
type AIRun struct {
	ID               string                 `json:"id"`
	TenantID         string                 `json:"tenantId"`
	ConversationID   string                 `json:"conversationId"`
	ConfigID         *string                `json:"configId,omitempty"`
	RunType          RunType                `json:"runType"`
	RequestPayload   map[string]interface{} `json:"requestPayload,omitempty"`
	ResponsePayload  map[string]interface{} `json:"responsePayload,omitempty"`
	LatencyMs        int64                  `json:"latencyMs"`
	PromptTokens     *int64                 `json:"promptTokens,omitempty"`
	CompletionTokens *int64                 `json:"completionTokens,omitempty"`
	TotalTokens      *int64                 `json:"totalTokens,omitempty"`
	Status           RunStatus              `json:"status"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// ── Tickets & Messages ──────────────────────────────────────

// MessageDirection distinguishes customer messages from our replies.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

// Ticket is a customer conversation thread.
type Ticket struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	ContactID string    `json:"contactId"`
	QueueID   *string   `json:"queueId,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one stored ticket message. Metadata is a flat string map;
// AI-generated replies carry provenance keys there (aiGenerated, model,
// mode, triggeredByMessageId).
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	TicketID  string            `json:"ticketId"`
	ContactID string            `json:"contactId"`
	Direction MessageDirection  `json:"direction"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// TriggeredByKey is the metadata key linking an outbound AI reply to the
// inbound message that triggered it. The auto-reply guard uses it for
// duplicate-delivery idempotency.
const TriggeredByKey = "triggeredByMessageId"

// InboundEvent is the normalized inbound-message event handed to the
// auto-reply guard.
type InboundEvent struct {
	TenantID  string           `json:"tenantId"`
	TicketID  string           `json:"ticketId"`
	MessageID string           `json:"messageId"`
	ContactID string           `json:"contactId"`
	QueueID   *string          `json:"queueId,omitempty"`
	Content   string           `json:"content"`
	Direction MessageDirection `json:"direction"`
}

// SendRequest is what the outbound-send collaborator consumes.
type SendRequest struct {
	TenantID  string            `json:"tenantId"`
	TicketID  string            `json:"ticketId"`
	ContactID string            `json:"contactId"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ── Pipeline Request ────────────────────────────────────────

// ReplyRequest is the input to one pipeline invocation.
type ReplyRequest struct {
	TenantID       string                 `json:"tenantId"`
	ConversationID string                 `json:"conversationId"`
	QueueID        *string                `json:"queueId,omitempty"`
	RunType        RunType                `json:"runType"`
	Messages       []ConversationMessage  `json:"messages"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}
