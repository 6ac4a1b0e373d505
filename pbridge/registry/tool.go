package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/actionlog"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/schema"
)

// ToolCallback runs a tool with validated arguments. It should return promptly
// once ctx is cancelled; a result produced after the timeout is discarded.
type ToolCallback func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

// ToolOptions describes a tool at registration time.
type ToolOptions struct {
	Name        string
	Description string
	// InputSchema defaults to an object schema accepting any properties.
	InputSchema *schema.Schema
	// OutputSchema, when set, requires StructuredContent on every non-error result.
	OutputSchema *schema.Schema
	// Timeout defaults to the registry's default timeout.
	Timeout  time.Duration
	Callback ToolCallback
	Disabled bool
}

// ToolUpdate carries a partial change. Nil fields are left untouched.
type ToolUpdate struct {
	Name              *string
	Description       *string
	InputSchema       *schema.Schema
	OutputSchema      *schema.Schema
	ClearOutputSchema bool
	Timeout           *time.Duration
	Callback          ToolCallback
	Enabled           *bool
}

// ToolRequest is a model-issued tool invocation.
type ToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type tool struct {
	seq         uint64
	name        string
	description string
	input       *schema.Schema
	output      *schema.Schema
	timeout     time.Duration
	callback    ToolCallback
	enabled     bool
	removed     bool
}

func (t *tool) describe() mcp.Tool {
	out := mcp.Tool{
		Name:        t.name,
		Description: t.description,
		InputSchema: t.input.ToJSONSchema(),
	}
	if t.output != nil {
		out.OutputSchema = t.output.ToJSONSchema()
	}
	return out
}

// RegisterTool adds a tool. A name already in use is rejected and the existing tool is left untouched.
func (r *Registry) RegisterTool(opts ToolOptions) (*ToolHandle, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: tool name is required", ErrInvalidDescriptor)
	}
	if opts.Callback == nil {
		return nil, fmt.Errorf("%w: tool %s has no callback", ErrInvalidDescriptor, opts.Name)
	}

	input := opts.InputSchema
	if input == nil {
		input = schema.Object(nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[opts.Name]; exists {
		return nil, fmt.Errorf("%w: tool %s", ErrNameConflict, opts.Name)
	}

	t := &tool{
		seq:         r.nextSeq(),
		name:        opts.Name,
		description: opts.Description,
		input:       input,
		output:      opts.OutputSchema,
		timeout:     opts.Timeout,
		callback:    opts.Callback,
		enabled:     !opts.Disabled,
	}
	r.tools[t.name] = t

	r.logger.Debug().Str("tool", t.name).Bool("enabled", t.enabled).Msg("Registered tool")
	return &ToolHandle{r: r, t: t}, nil
}

// ExecuteTool validates req against the tool's contract and runs its callback.
//
// A callback error or panic yields an error-flagged result together with an
// ErrExecution error. A result the callback itself flags as an error is
// returned without an error and is not checked against the output schema.
func (r *Registry) ExecuteTool(ctx context.Context, req ToolRequest) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[req.Name]
	var snap tool
	if ok {
		snap = *t
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: tool %s", ErrNotFound, req.Name)
	}
	if !snap.enabled {
		return nil, fmt.Errorf("%w: tool %s", ErrDisabled, req.Name)
	}

	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if res := snap.input.Validate(args); !res.Valid {
		return nil, fmt.Errorf("%w: tool %s arguments: %s", ErrInvalidParams, snap.name, strings.Join(res.Errors, "; "))
	}

	// a callback that outlives its timeout keeps writing to its own copy
	callArgs := actionlog.CloneArguments(args)

	timeout := r.timeoutFor(snap.timeout)
	result, err := race(ctx, timeout, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return snap.callback(ctx, callArgs)
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			r.logger.Warn().Str("tool", snap.name).Dur("timeout", timeout).Err(err).Msg("Tool did not complete")
			return nil, err
		}
		r.logger.Warn().Str("tool", snap.name).Err(err).Msg("Tool callback failed")
		return errorResult(err), fmt.Errorf("%w: tool %s: %w", ErrExecution, snap.name, err)
	}

	if result == nil {
		result = &mcp.CallToolResult{}
	}
	if snap.output != nil && !result.IsError {
		if result.StructuredContent == nil {
			return nil, fmt.Errorf("%w: tool %s returned no structured content", ErrInvalidParams, snap.name)
		}
		if res := snap.output.Validate(result.StructuredContent); !res.Valid {
			return nil, fmt.Errorf("%w: tool %s output: %s", ErrInvalidParams, snap.name, strings.Join(res.Errors, "; "))
		}
	}
	return result, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}

// ToolHandle manages a registered tool.
type ToolHandle struct {
	r *Registry
	t *tool
}

func (h *ToolHandle) Name() string {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	return h.t.name
}

func (h *ToolHandle) Enabled() bool {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	return h.t.enabled
}

func (h *ToolHandle) Enable() error  { return h.Update(ToolUpdate{Enabled: Ptr(true)}) }
func (h *ToolHandle) Disable() error { return h.Update(ToolUpdate{Enabled: Ptr(false)}) }

// Update applies u in place. Renaming re-keys the tool; the new name must be free.
func (h *ToolHandle) Update(u ToolUpdate) error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	t := h.t
	if t.removed {
		return fmt.Errorf("%w: tool %s", ErrRemoved, t.name)
	}

	if u.Name != nil && *u.Name != t.name {
		if *u.Name == "" {
			return fmt.Errorf("%w: tool name is required", ErrInvalidDescriptor)
		}
		if _, exists := h.r.tools[*u.Name]; exists {
			return fmt.Errorf("%w: tool %s", ErrNameConflict, *u.Name)
		}
		delete(h.r.tools, t.name)
		t.name = *u.Name
		h.r.tools[t.name] = t
	}
	if u.Description != nil {
		t.description = *u.Description
	}
	if u.InputSchema != nil {
		t.input = u.InputSchema
	}
	if u.ClearOutputSchema {
		t.output = nil
	}
	if u.OutputSchema != nil {
		t.output = u.OutputSchema
	}
	if u.Timeout != nil {
		t.timeout = *u.Timeout
	}
	if u.Callback != nil {
		t.callback = u.Callback
	}
	if u.Enabled != nil {
		t.enabled = *u.Enabled
	}
	return nil
}

// Remove disables the tool and detaches it from the registry, freeing its name.
func (h *ToolHandle) Remove() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	if h.t.removed {
		return fmt.Errorf("%w: tool %s", ErrRemoved, h.t.name)
	}
	h.t.enabled = false
	h.t.removed = true
	delete(h.r.tools, h.t.name)
	return nil
}
