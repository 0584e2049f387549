package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/chatbranch"
)

// streamSSE reads an OpenAI-format SSE stream from body and emits normalized
// events on out. It closes out when the stream ends, the context is
// cancelled, or a fatal read error occurs.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, out chan<- chatbranch.Event) {
	defer close(out)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	send := func(ev chatbranch.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta
		if delta == nil {
			delta = choice.Message
		}

		if delta != nil {
			if delta.Content != "" {
				if !send(chatbranch.Event{Type: chatbranch.EventContentDelta, ContentChunk: delta.Content}) {
					return
				}
			}

			thinking := delta.Reasoning
			if thinking == "" {
				thinking = delta.ReasoningContent
			}
			if thinking != "" {
				if !send(chatbranch.Event{Type: chatbranch.EventThinkingDelta, ThinkingChunk: thinking}) {
					return
				}
			}

			for _, tc := range delta.ToolCalls {
				ev := chatbranch.Event{
					Type: chatbranch.EventToolCallDelta,
					ToolCall: chatbranch.ToolCallDelta{
						Index:          tc.Index,
						ID:             tc.ID,
						Name:           tc.Function.Name,
						ArgumentsChunk: tc.Function.Arguments,
					},
				}
				if !send(ev) {
					return
				}
			}
		}

		if choice.FinishReason != "" {
			if !send(chatbranch.Event{Type: chatbranch.EventFinish, FinishReason: mapFinishReason(choice.FinishReason)}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(chatbranch.Event{Type: chatbranch.EventError, Err: err})
	}
}

// mapFinishReason translates the OpenAI finish_reason string into the
// normalized FinishReason vocabulary.
func mapFinishReason(r string) chatbranch.FinishReason {
	switch r {
	case "stop":
		return chatbranch.FinishStop
	case "tool_calls":
		return chatbranch.FinishToolCalls
	case "length":
		return chatbranch.FinishLength
	case "content_filter":
		return chatbranch.FinishContentFilter
	default:
		return chatbranch.FinishOther
	}
}
