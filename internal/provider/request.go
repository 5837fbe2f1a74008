// Package provider implements the generative-model provider protocol:
// request construction, the HTTP transport, and the streaming response
// consumer.
//
// The wire contract is owned by the provider, not by us. Requests go to
// POST {endpoint}/responses; the response is either a single JSON object
// (non-streaming) or a chunked text/event-stream body framed as blank-line
// separated "data:" events terminated by a [DONE] sentinel.
package provider

import (
	"fmt"

	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// ContentPart is one typed text part inside an input item. The provider
// schema distinguishes input text (user/system) from output text
// (assistant turns echoed back as context).
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// InputItem is one conversation turn in provider shape.
type InputItem struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ToolPayload advertises a callable tool to the provider.
type ToolPayload struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// TextFormat requests structured output when a response schema is
// configured for the scope.
type TextFormat struct {
	Format map[string]interface{} `json:"format"`
}

// Request is the provider request body.
type Request struct {
	Model           string            `json:"model"`
	Input           []InputItem       `json:"input"`
	Tools           []ToolPayload     `json:"tools,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	MaxOutputTokens *int              `json:"max_output_tokens,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	Text            *TextFormat       `json:"text,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// BuildRequest assembles the provider request from the resolved config,
// the conversation transcript, and the merged tool list.
//
// Rules:
//   - The configured system prompt (reply or suggest, by run type) is
//     prepended as a system message.
//   - Assistant turns become output_text parts; user/system turns become
//     input_text parts.
//   - Tools are config-declared tools ∪ registry tools, de-duplicated by
//     name with config-declared tools winning. A tenant can therefore
//     override a built-in tool's advertised schema without unregistering it.
//   - Metadata is flattened to strings; nested values are dropped.
//   - Temperature and max_output_tokens stay nil when unset so the
//     provider applies its own defaults instead of an explicit zero.
func BuildRequest(cfg *models.AIConfig, messages []models.ConversationMessage, registryTools []models.ToolSpec, runType models.RunType, metadata map[string]interface{}) *Request {
	req := &Request{
		Model:           cfg.Model,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
		Stream:          cfg.StreamingEnabled,
		Metadata:        sanitizeMetadata(metadata),
	}

	systemPrompt := cfg.SystemPromptReply
	if runType == models.RunTypeSuggest && cfg.SystemPromptSuggest != "" {
		systemPrompt = cfg.SystemPromptSuggest
	}
	if systemPrompt != "" {
		req.Input = append(req.Input, InputItem{
			Role:    models.RoleSystem,
			Content: []ContentPart{{Type: "input_text", Text: systemPrompt}},
		})
	}

	for _, msg := range messages {
		partType := "input_text"
		if msg.Role == models.RoleAssistant {
			partType = "output_text"
		}
		req.Input = append(req.Input, InputItem{
			Role:    msg.Role,
			Content: []ContentPart{{Type: partType, Text: msg.Content}},
		})
	}

	req.Tools = mergeTools(cfg.Tools, registryTools)

	if cfg.ResponseSchema != nil {
		req.Text = &TextFormat{
			Format: map[string]interface{}{
				"type":   "json_schema",
				"schema": cfg.ResponseSchema,
			},
		}
	}

	return req
}

// mergeTools unions the config-declared and registry tool lists,
// de-duplicating by name. Config-declared tools come first and the first
// occurrence of a name wins.
func mergeTools(declared []models.ToolSpec, registry []models.ToolSpec) []ToolPayload {
	if len(declared) == 0 && len(registry) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(declared)+len(registry))
	merged := make([]ToolPayload, 0, len(declared)+len(registry))
	for _, list := range [][]models.ToolSpec{declared, registry} {
		for _, t := range list {
			if t.Name == "" || seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			merged = append(merged, ToolPayload{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
	}
	return merged
}

// sanitizeMetadata flattens the caller metadata into the flat string map
// the transport accepts. Scalars are stringified, nils and nested
// structures dropped.
func sanitizeMetadata(metadata map[string]interface{}) map[string]string {
	if len(metadata) == 0 {
		return nil
	}

	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case bool, int, int32, int64, float32, float64:
			out[k] = fmt.Sprint(val)
		default:
			// Nested objects and slices are not representable.
			continue
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
