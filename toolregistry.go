package chatbranch

import (
	"context"
	"encoding/json"
	"regexp"

	"golang.org/x/sync/errgroup"
)

// ToolHandler is one callable tool. Execute receives raw JSON arguments and
// returns the text fed back to the model as a tool-result message; a
// non-nil error is surfaced to the model as an error-shaped result rather
// than aborting the generation.
type ToolHandler interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// AsyncTool marks a ToolHandler whose Execute may block on slow I/O (a
// network fetch, a subprocess) long enough that batching it behind the
// registry's fixed worker pool would starve faster tools in the same
// dispatch round. Handlers implementing it are awaited individually instead
// of being queued onto the shared pool.
type AsyncTool interface {
	ToolHandler
	Async() bool
}

// ToolRegistry holds every registered tool and dispatches calls by name.
type ToolRegistry struct {
	handlers map[string]ToolHandler
	order    []string
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{handlers: make(map[string]ToolHandler)}
}

// Add registers a tool handler, replacing any prior handler with the same name.
func (r *ToolRegistry) Add(h ToolHandler) {
	name := h.Definition().Name
	if _, exists := r.handlers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handlers[name] = h
}

// Definitions returns every registered tool's schema, in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.handlers[name].Definition())
	}
	return defs
}

// Subset returns a new ToolRegistry containing only the named handlers,
// preserving registration order, for a generation request that restricts
// which tools the model may see via enabled_tool_names. Names with no
// matching handler are silently skipped.
func (r *ToolRegistry) Subset(names []string) *ToolRegistry {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	sub := NewToolRegistry()
	for _, name := range r.order {
		if want[name] {
			sub.Add(r.handlers[name])
		}
	}
	return sub
}

// ToolResult is one dispatched call's outcome, retaining the call's ID and
// index so the caller can reassemble tool-result messages in the order the
// model expects.
type ToolResult struct {
	Call    ToolCallPayload
	Content string
	Err     error
}

const maxParallelDispatch = 4

// DispatchAll executes every call in calls concurrently and returns their
// results in the same order, regardless of completion order. Calls bound
// to a synchronous handler share a fixed worker pool of maxParallelDispatch
// goroutines; calls bound to an AsyncTool run on their own goroutine.
func (r *ToolRegistry) DispatchAll(ctx context.Context, calls []ToolCallPayload) []ToolResult {
	results := make([]ToolResult, len(calls))

	var syncIdx []int
	var asyncIdx []int
	for i, c := range calls {
		h := r.handlers[c.Function.Name]
		if at, ok := h.(AsyncTool); ok && at.Async() {
			asyncIdx = append(asyncIdx, i)
		} else {
			syncIdx = append(syncIdx, i)
		}
	}

	var g errgroup.Group
	for _, i := range asyncIdx {
		i := i
		g.Go(func() error {
			results[i] = r.dispatchOne(ctx, calls[i])
			return nil
		})
	}

	if len(syncIdx) > 0 {
		workers := len(syncIdx)
		if workers > maxParallelDispatch {
			workers = maxParallelDispatch
		}
		work := make(chan int)
		g.Go(func() error {
			defer close(work)
			for _, i := range syncIdx {
				select {
				case work <- i:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
		for w := 0; w < workers; w++ {
			g.Go(func() error {
				for i := range work {
					results[i] = r.dispatchOne(ctx, calls[i])
				}
				return nil
			})
		}
	}

	_ = g.Wait() // individual dispatchOne calls never return an error here
	return results
}

func (r *ToolRegistry) dispatchOne(ctx context.Context, call ToolCallPayload) ToolResult {
	h, ok := r.handlers[call.Function.Name]
	if !ok {
		return ToolResult{Call: call, Err: &ErrTool{Tool: call.Function.Name, Err: errUnknownTool}}
	}
	content, err := h.Execute(ctx, call.Function.Arguments)
	if err != nil {
		return ToolResult{Call: call, Err: &ErrTool{Tool: call.Function.Name, Err: err}}
	}
	return ToolResult{Call: call, Content: content}
}

var errUnknownTool = &Error{Kind: KindTool, Message: "unknown tool"}

// imageTokenPattern matches the inline image placeholder a tool result may
// contain in place of raw attachment bytes, so it can be collapsed before
// the result text is fed back into the model's context.
var imageTokenPattern = regexp.MustCompile(`\[IMAGE:base64:[A-Za-z0-9+/=]+\]`)

// SanitizeToolResult collapses embedded base64 image tokens down to a short
// placeholder, bounding the token cost a tool result adds back to the model.
func SanitizeToolResult(content string) string {
	return imageTokenPattern.ReplaceAllString(content, "[image]")
}
