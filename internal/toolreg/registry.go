// Package toolreg implements the callable-tool registry for the AI reply
// pipeline.
//
// Tools are registered at startup by feature modules and advertised to the
// model provider alongside any tenant-declared tools. The registry is an
// explicit object injected into the pipeline (not a package-level
// singleton) so tests stay isolated.
package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// Handler executes a tool call with already-parsed arguments.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool is a registered callable tool. Parameters is a JSON Schema object
// describing the arguments the provider should send.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Handler     Handler

	// schema is the compiled Parameters schema, nil when Parameters is
	// absent or does not compile.
	schema *jsonschema.Schema
}

// ExecutionResult is the outcome of one tool invocation. OK is false when
// the tool is unregistered, has no handler, or its handler failed; Err
// carries the reason. Execute never returns an out-of-band error so the
// stream consumer can always emit a terminal tool_call event.
type ExecutionResult struct {
	OK     bool
	Result interface{}
	Err    string
}

// Registry is the process-wide tool catalogue, keyed by tool name.
// Registration is additive with last-write-wins on duplicate names.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string // registration order for stable List output
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any tool with the same
// name. The parameter schema is compiled eagerly; a schema that does not
// compile is logged and skipped (the tool stays callable without
// argument validation).
func (r *Registry) Register(tool Tool) {
	if tool.Parameters != nil {
		raw, err := json.Marshal(tool.Parameters)
		if err == nil {
			if compiled, cerr := jsonschema.CompileString(tool.Name+".schema.json", string(raw)); cerr == nil {
				tool.schema = compiled
			} else {
				log.Warn().Str("tool", tool.Name).Err(cerr).Msg("Tool parameter schema does not compile")
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = &tool
}

// List returns the registered tools in registration order, as provider
// tool specs.
func (r *Registry) List() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]models.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, models.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}

// Get returns the registered tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Execute runs the named tool. Unknown names, missing handlers, handler
// errors, and handler panics all map to ExecutionResult{OK: false}.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) ExecutionResult {
	r.mu.RLock()
	tool := r.tools[name]
	r.mu.RUnlock()

	if tool == nil {
		return ExecutionResult{OK: false, Err: fmt.Sprintf("tool %q not registered", name)}
	}
	if tool.Handler == nil {
		return ExecutionResult{OK: false, Err: fmt.Sprintf("tool %q has no handler", name)}
	}

	// Argument validation is advisory: a mismatch is logged but the
	// handler still runs, matching the tolerant argument handling of
	// the rest of the pipeline.
	if tool.schema != nil {
		if err := tool.schema.Validate(toValidatable(args)); err != nil {
			log.Warn().Str("tool", name).Err(err).Msg("Tool arguments do not match declared schema")
		}
	}

	result, err := safeInvoke(ctx, tool.Handler, args)
	if err != nil {
		return ExecutionResult{OK: false, Err: err.Error()}
	}
	return ExecutionResult{OK: true, Result: result}
}

// Clear removes all registered tools. Intended for test isolation.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*Tool)
	r.order = nil
}

// safeInvoke runs the handler and converts a panic into an error.
func safeInvoke(ctx context.Context, h Handler, args map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool handler panicked: %v", rec)
		}
	}()
	return h(ctx, args)
}

// toValidatable round-trips args through JSON so number types match what
// the schema validator expects.
func toValidatable(args map[string]interface{}) interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
