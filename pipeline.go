package chatbranch

import (
	"context"
	"log/slog"
	"strings"
)

// PipelineEventType distinguishes the variants of a Pipeline event, the
// server-side-streaming vocabulary the HTTP surface renders onto SSE lines.
type PipelineEventType string

const (
	PEContentDelta    PipelineEventType = "content_delta"
	PEThinkingStart   PipelineEventType = "thinking_start"
	PEThinkingChunk   PipelineEventType = "thinking_chunk"
	PEThinkingEnd     PipelineEventType = "thinking_end"
	PEToolCallStart   PipelineEventType = "tool_call_start"
	PEToolCallResult  PipelineEventType = "tool_call_result"
	PEMessageComplete PipelineEventType = "message_complete"
	PEDone            PipelineEventType = "done"
	PEError           PipelineEventType = "error"
	PEAborted         PipelineEventType = "aborted"
)

// PipelineEvent is one unit sent on the channel Pipeline.Generate returns.
type PipelineEvent struct {
	Type       PipelineEventType
	Content    string
	ToolCallID string
	ToolName   string
	ToolResult string
	Message    *Message
	Err        error
}

// DefaultMaxToolCalls is the tool-call budget applied when a PipelineConfig
// doesn't set one explicitly, matching the Python original's default of 10.
const DefaultMaxToolCalls = 10

// PipelineConfig wires a Pipeline's dependencies together.
type PipelineConfig struct {
	Store     Store
	Tools     *ToolRegistry
	ActiveGen *ActiveGenerationRegistry
	// ResolveProvider maps a chat's configured model name to the Provider
	// that serves it. A function field rather than an interface so this
	// package never has to import provider/resolve (which imports this
	// package for its type vocabulary).
	ResolveProvider func(model string) (Provider, error)
	Logger          *slog.Logger
	// MaxToolCalls bounds the number of tool calls dispatched across a whole
	// generation. -1 means unbounded. 0 (the zero value) is treated as
	// "unset" and replaced with DefaultMaxToolCalls.
	MaxToolCalls int
}

// Pipeline runs the setup → llm_call → (stream | tool_dispatch) → done
// state machine described by the teacher's runLoop, generalized from a
// flat per-turn tool loop to persisted tree segments with dual
// content/thinking accumulation per iteration.
type Pipeline struct {
	cfg PipelineConfig
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	if cfg.MaxToolCalls == 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	return &Pipeline{cfg: cfg}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// GenerateOptions carries per-request overrides of a Pipeline's static
// configuration: a request may restrict the model to a subset of the
// registered tools, or tighten/loosen the tool-call budget for that one
// generation. The zero value uses the Pipeline's configured defaults.
type GenerateOptions struct {
	// Tools, if non-nil, replaces the Pipeline's full registry for this
	// generation only (the enabled_tool_names request field).
	Tools *ToolRegistry
	// MaxToolCalls, if non-nil, overrides PipelineConfig.MaxToolCalls for
	// this generation only.
	MaxToolCalls *int
}

// Generate runs one full generation for chat, starting from parentID (the
// message the new assistant reply is appended under — typically the user
// message that triggered this call), and returns a channel of events. The
// channel is always closed before Generate's internal goroutine exits,
// whether generation finished, errored, or was aborted via the chat's
// ActiveGenerationRegistry entry.
func (p *Pipeline) Generate(ctx context.Context, chat Chat, character Character, parentID string, opts ...GenerateOptions) <-chan PipelineEvent {
	var opt GenerateOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	out := make(chan PipelineEvent, 16)
	go p.run(ctx, chat, character, parentID, opt, out)
	return out
}

func (p *Pipeline) run(ctx context.Context, chat Chat, character Character, parentID string, opt GenerateOptions, out chan<- PipelineEvent) {
	defer close(out)

	tools := p.cfg.Tools
	if opt.Tools != nil {
		tools = opt.Tools
	}
	maxToolCalls := p.cfg.MaxToolCalls
	if opt.MaxToolCalls != nil {
		maxToolCalls = *opt.MaxToolCalls
	}

	genCtx, teardown := p.cfg.ActiveGen.Start(ctx, chat.ID)
	defer teardown()

	// emit sends unconditionally: the HTTP surface keeps draining this
	// channel until it sees PEDone/PEError/PEAborted or the channel closes,
	// regardless of what cancelled genCtx, so a plain send never blocks
	// forever on an abandoned consumer.
	emit := func(ev PipelineEvent) {
		out <- ev
	}

	provider, err := p.cfg.ResolveProvider(chat.Model)
	if err != nil {
		emit(PipelineEvent{Type: PEError, Err: err})
		return
	}

	allMsgs, err := p.cfg.Store.ListMessages(genCtx, chat.ID)
	if err != nil {
		emit(PipelineEvent{Type: PEError, Err: err})
		return
	}
	path := BuildActiveBranch(allMsgs, parentID)
	// The system prompt travels as GenerateRequest.SystemPrompt, not baked
	// into neutral here — each provider adapter is responsible for
	// prepending it exactly once in its own wire format.
	neutral := ToNeutral("", path)
	toolDefs := tools.Definitions()

	currentParent := parentID
	toolCallsUsed := 0

	for {
		if genCtx.Err() != nil {
			emit(PipelineEvent{Type: PEAborted})
			return
		}

		req := GenerateRequest{
			Model:        chat.Model,
			SystemPrompt: character.SystemPrompt,
			Messages:     neutral,
			Tools:        toolDefs,
		}
		stream, err := provider.Stream(genCtx, req)
		if err != nil {
			emit(PipelineEvent{Type: PEError, Err: err})
			return
		}

		var content, thinking strings.Builder
		splitter := &thinkingSplitter{}
		nativeThinking := false
		frags := newToolCallAccumulator()
		aborted := false

	readStream:
		for {
			select {
			case ev, ok := <-stream:
				if !ok {
					break readStream
				}
				switch ev.Type {
				case EventContentDelta:
					for _, se := range splitter.Feed(ev.ContentChunk) {
						switch se.kind {
						case splitContent:
							content.WriteString(se.text)
							emit(PipelineEvent{Type: PEContentDelta, Content: se.text})
						case splitThinkingStart:
							emit(PipelineEvent{Type: PEThinkingStart})
						case splitThinkingChunk:
							thinking.WriteString(se.text)
							emit(PipelineEvent{Type: PEThinkingChunk, Content: se.text})
						case splitThinkingEnd:
							emit(PipelineEvent{Type: PEThinkingEnd})
						}
					}
				case EventThinkingDelta:
					if !nativeThinking {
						nativeThinking = true
						emit(PipelineEvent{Type: PEThinkingStart})
					}
					thinking.WriteString(ev.ThinkingChunk)
					emit(PipelineEvent{Type: PEThinkingChunk, Content: ev.ThinkingChunk})
				case EventToolCallDelta:
					frags.feed(ev.ToolCall)
				case EventError:
					emit(PipelineEvent{Type: PEError, Err: ev.Err})
					return
				case EventFinish:
					// nothing extra: absence of tool-call fragments is what
					// decides whether the loop continues, not FinishReason.
				}
			case <-genCtx.Done():
				aborted = true
				break readStream
			}
		}
		for _, se := range splitter.Flush() {
			switch se.kind {
			case splitContent:
				content.WriteString(se.text)
			case splitThinkingChunk:
				thinking.WriteString(se.text)
			}
		}
		if nativeThinking {
			emit(PipelineEvent{Type: PEThinkingEnd})
		}

		nativeCalls := frags.ordered()
		manualCalls := ExtractManualToolCalls(content.String(), len(nativeCalls))
		finalContent := content.String()
		if len(manualCalls) > 0 {
			finalContent = StripManualToolCalls(finalContent)
		}
		allCalls := append(nativeCalls, manualCalls...)

		asst := Message{
			ID:              NewID(),
			ChatID:          chat.ID,
			ParentID:        currentParent,
			Role:            RoleAssistant,
			Content:         finalContent,
			ThinkingContent: thinking.String(),
			ToolCalls:       allCalls,
			CreatedAt:       NowMillis(),
		}
		if err := p.cfg.Store.AddMessage(ctx, asst); err != nil {
			emit(PipelineEvent{Type: PEError, Err: err})
			return
		}
		emit(PipelineEvent{Type: PEMessageComplete, Message: &asst})
		currentParent = asst.ID

		if aborted {
			emit(PipelineEvent{Type: PEAborted})
			return
		}

		if len(allCalls) == 0 {
			emit(PipelineEvent{Type: PEDone})
			return
		}

		neutral = append(neutral, NeutralMessage{
			Role:      RoleAssistant,
			Content:   finalContent,
			ToolCalls: allCalls,
		})
		for _, c := range allCalls {
			emit(PipelineEvent{Type: PEToolCallStart, ToolCallID: c.ID, ToolName: c.Function.Name})
		}

		toolCallsUsed += len(allCalls)
		results, abandoned := p.dispatchTools(genCtx, tools, allCalls)
		if abandoned {
			emit(PipelineEvent{Type: PEAborted})
			return
		}

		for _, r := range results {
			resultContent := r.Content
			if r.Err != nil {
				resultContent = "error: " + r.Err.Error()
			}
			resultContent = SanitizeToolResult(resultContent)

			emit(PipelineEvent{Type: PEToolCallResult, ToolCallID: r.Call.ID, ToolResult: resultContent})

			toolMsg := Message{
				ID:         NewID(),
				ChatID:     chat.ID,
				ParentID:   currentParent,
				Role:       RoleTool,
				Content:    resultContent,
				ToolCallID: r.Call.ID,
				CreatedAt:  NowMillis(),
			}
			if err := p.cfg.Store.AddMessage(ctx, toolMsg); err != nil {
				emit(PipelineEvent{Type: PEError, Err: err})
				return
			}
			emit(PipelineEvent{Type: PEMessageComplete, Message: &toolMsg})
			currentParent = toolMsg.ID
			neutral = append(neutral, NeutralMessage{Role: RoleTool, Content: resultContent, ToolCallID: r.Call.ID})
		}

		// Check the budget only now, after this round's tool-call/tool-result
		// pairs are fully persisted: that keeps the store free of a dangling
		// assistant message whose tool_calls were never dispatched, since we
		// only stop *before* issuing the next LLM call, never mid-round.
		if maxToolCalls >= 0 && toolCallsUsed >= maxToolCalls {
			p.cfg.Logger.Warn("tool call budget exhausted", "chat", chat.ID, "used", toolCallsUsed)
			emit(PipelineEvent{Type: PEDone})
			return
		}
	}
}

// dispatchTools runs calls via the tool registry, but abandons waiting for
// them the moment ctx is cancelled — per the pipeline's cancellation
// contract, an in-flight tool call is allowed to run to completion in the
// background rather than being forcibly killed; its result, if any, is
// simply discarded. The background dispatch runs with cancellation
// stripped from ctx (context.WithoutCancel) so it isn't killed the instant
// the caller stops waiting on it.
func (p *Pipeline) dispatchTools(ctx context.Context, tools *ToolRegistry, calls []ToolCallPayload) ([]ToolResult, bool) {
	done := make(chan []ToolResult, 1)
	go func() {
		done <- tools.DispatchAll(context.WithoutCancel(ctx), calls)
	}()
	select {
	case results := <-done:
		return results, false
	case <-ctx.Done():
		return nil, true
	}
}
