package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// doneSentinel is the literal payload signaling end of stream before the
// transport closes.
const doneSentinel = "[DONE]"

// StreamCallbacks receive semantic events as the consumer decodes them.
// All callbacks are optional.
type StreamCallbacks struct {
	// OnDelta is called for each incremental text fragment, in arrival
	// order, with no buffering beyond line framing.
	OnDelta func(text string)

	// OnToolCallDelta is called for each tool-call argument fragment.
	// name may be empty when the fragment arrives before the call's name.
	OnToolCallDelta func(callID, name, argFragment string)

	// OnToolCallDone is called when a tool call's fragments are complete.
	// arguments carries the consolidated argument string when the done
	// event echoed one, empty otherwise. Providers echo the full
	// arguments on the done event even after streaming fragments, so the
	// consolidated string must never be appended to the fragments.
	OnToolCallDone func(callID, arguments string)
}

// StreamSummary is the result of consuming a provider stream to the end.
// Completed is true only when a response.completed-class event was seen;
// otherwise the caller should treat the text as partial.
type StreamSummary struct {
	Text      string
	Model     string
	Usage     *models.Usage
	Completed bool
}

// ConsumeStream reads the chunked provider body and decodes it into
// discrete semantic events.
//
// Frames are blank-line separated; each frame holds one or more "data:"
// lines. The buffer is kept as raw bytes and only complete frames are
// decoded, so a UTF-8 sequence split across chunk boundaries is never
// torn. A malformed JSON line is logged and skipped without aborting the
// stream. Provider "error" events abort the consume with the
// provider-supplied message.
func ConsumeStream(body io.Reader, cb StreamCallbacks) (*StreamSummary, error) {
	summary := &StreamSummary{}
	var buf []byte
	chunk := make([]byte, 4096)

	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				frame := string(buf[:idx])
				buf = buf[idx+2:]

				closed, err := consumeFrame(frame, summary, cb)
				if err != nil {
					return summary, err
				}
				if closed {
					return summary, nil
				}
			}
		}

		if readErr == io.EOF {
			// Flush a trailing frame without a final blank line.
			if rest := strings.TrimSpace(string(buf)); rest != "" {
				if _, err := consumeFrame(rest, summary, cb); err != nil {
					return summary, err
				}
			}
			return summary, nil
		}
		if readErr != nil {
			return summary, fmt.Errorf("provider: read stream: %w", readErr)
		}
	}
}

// consumeFrame processes the data: lines of one frame. It returns
// closed=true when the [DONE] sentinel is seen.
func consumeFrame(frame string, summary *StreamSummary, cb StreamCallbacks) (bool, error) {
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == doneSentinel {
			return true, nil
		}

		var event map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Warn().Err(err).Str("payload", truncate(payload, 200)).
				Msg("Skipping malformed stream event")
			continue
		}

		if err := dispatchEvent(event, summary, cb); err != nil {
			return false, err
		}
	}
	return false, nil
}

// dispatchEvent routes one parsed event by its type discriminator.
// Unrecognized types are ignored for forward compatibility.
func dispatchEvent(event map[string]interface{}, summary *StreamSummary, cb StreamCallbacks) error {
	evtType, _ := event["type"].(string)

	switch {
	case isTextDelta(evtType):
		text := extractText(event)
		if text != "" {
			summary.Text += text
			if cb.OnDelta != nil {
				cb.OnDelta(text)
			}
		}

	case isToolCallDelta(evtType):
		callID, name, fragment := toolCallFields(event)
		if callID != "" && cb.OnToolCallDelta != nil {
			cb.OnToolCallDelta(callID, name, fragment)
		}

	case isToolCallDone(evtType, event):
		callID, name, args := toolCallFields(event)
		if callID == "" {
			return nil
		}
		// A done event may carry the call's name (output_item.done
		// shape); feed it through the delta path so the accumulator
		// learns it. The consolidated arguments travel separately on
		// the done callback so they replace fragments instead of being
		// appended to them.
		if name != "" && cb.OnToolCallDelta != nil {
			cb.OnToolCallDelta(callID, name, "")
		}
		if cb.OnToolCallDone != nil {
			cb.OnToolCallDone(callID, args)
		}

	case isTextDone(evtType):
		// Providers sometimes emit a consolidated final text that
		// supersedes the deltas. Only a longer text replaces the
		// aggregate.
		text := extractText(event)
		if text == "" {
			if resp, ok := event["response"].(map[string]interface{}); ok {
				text = extractText(resp)
			}
		}
		if len(text) > len(summary.Text) {
			summary.Text = text
		}
		recordModelAndUsage(event, summary)
		if evtType == "response.completed" || strings.HasSuffix(evtType, ".completed") {
			summary.Completed = true
		}

	case evtType == "error" || strings.HasSuffix(evtType, ".error"):
		return fmt.Errorf("provider stream error: %s", errorMessage(event))

	default:
		// Forward compatibility: unknown event types are ignored.
	}
	return nil
}

func isTextDelta(evtType string) bool {
	return strings.Contains(evtType, "output_text.delta")
}

func isTextDone(evtType string) bool {
	return strings.Contains(evtType, "output_text.done") ||
		evtType == "response.completed" ||
		strings.HasSuffix(evtType, ".completed")
}

func isToolCallDelta(evtType string) bool {
	return strings.Contains(evtType, "function_call_arguments.delta") ||
		strings.Contains(evtType, "tool_call.delta")
}

func isToolCallDone(evtType string, event map[string]interface{}) bool {
	if strings.Contains(evtType, "function_call_arguments.done") ||
		strings.Contains(evtType, "tool_call.done") {
		return true
	}
	if evtType == "response.output_item.done" {
		if item, ok := event["item"].(map[string]interface{}); ok {
			t, _ := item["type"].(string)
			return t == "function_call"
		}
	}
	return false
}

// toolCallFields pulls the call id, name, and argument fragment out of a
// tool-call event, tolerating the flat and the item-wrapped shapes.
func toolCallFields(event map[string]interface{}) (callID, name, fragment string) {
	callID = firstString(event, "call_id", "item_id", "id")
	name = firstString(event, "name", "tool_name")
	fragment = firstString(event, "delta", "arguments")

	if item, ok := event["item"].(map[string]interface{}); ok {
		if callID == "" {
			callID = firstString(item, "call_id", "id")
		}
		if name == "" {
			name = firstString(item, "name")
		}
		if fragment == "" {
			fragment = firstString(item, "arguments")
		}
	}
	return callID, name, fragment
}

// extractText finds the event's text content. Providers vary the nesting
// across versions, so the known keys are walked recursively: the value
// may sit directly on the event or under text, content, value,
// output_text, or delta.
func extractText(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		for _, key := range []string{"delta", "text", "content", "value", "output_text"} {
			if nested, ok := val[key]; ok {
				if s := extractText(nested); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// extractUsage reads token usage from the event or its nested response.
func extractUsage(event map[string]interface{}) *models.Usage {
	raw, ok := event["usage"].(map[string]interface{})
	if !ok {
		if resp, ok2 := event["response"].(map[string]interface{}); ok2 {
			raw, ok = resp["usage"].(map[string]interface{})
		}
	}
	if !ok {
		return nil
	}

	usage := &models.Usage{
		PromptTokens:     firstInt(raw, "prompt_tokens", "input_tokens"),
		CompletionTokens: firstInt(raw, "completion_tokens", "output_tokens"),
		TotalTokens:      firstInt(raw, "total_tokens"),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

func recordModelAndUsage(event map[string]interface{}, summary *StreamSummary) {
	if model := firstString(event, "model"); model != "" {
		summary.Model = model
	} else if resp, ok := event["response"].(map[string]interface{}); ok {
		if model := firstString(resp, "model"); model != "" {
			summary.Model = model
		}
	}
	if usage := extractUsage(event); usage != nil {
		summary.Usage = usage
	}
}

func errorMessage(event map[string]interface{}) string {
	if msg := firstString(event, "message"); msg != "" {
		return msg
	}
	if errObj, ok := event["error"].(map[string]interface{}); ok {
		if msg := firstString(errObj, "message"); msg != "" {
			return msg
		}
	}
	return "unknown provider error"
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(m map[string]interface{}, keys ...string) int64 {
	for _, key := range keys {
		if f, ok := m[key].(float64); ok {
			return int64(f)
		}
	}
	return 0
}

// truncate shortens s to at most n runes, slicing on a rune boundary so
// multi-byte text is never torn.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
