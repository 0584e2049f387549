package openaicompat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nevindra/chatbranch"
)

// BuildBody converts a provider-neutral message sequence and tool
// definitions into an OpenAI-format ChatRequest. System messages are kept
// in the messages array as role:"system".
func BuildBody(messages []chatbranch.NeutralMessage, tools []chatbranch.ToolDefinition, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == chatbranch.RoleSystem:
			msgs = append(msgs, Message{Role: "system", Content: m.Content})

		case m.Role == chatbranch.RoleAssistant && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					Index: tc.Index,
					ID:    tc.ID,
					Type:  "function",
					Function: FunctionCall{
						Name:      tc.Function.Name,
						Arguments: string(tc.Function.Arguments),
					},
				})
			}
			msg := Message{Role: "assistant", ToolCalls: tcs}
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == chatbranch.RoleTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			if len(m.Attachments) > 0 {
				text := appendFileAttachments(m.Content, m.Attachments)
				images := imageAttachments(m.Attachments)
				if len(images) > 0 {
					var blocks []ContentBlock
					if text != "" {
						blocks = append(blocks, ContentBlock{Type: "text", Text: text})
					}
					for _, att := range images {
						url := att.URL
						if url == "" {
							url = fmt.Sprintf("data:%s;base64,%s", att.MimeType, att.Base64)
						}
						blocks = append(blocks, ContentBlock{Type: "image_url", ImageURL: &ImageURL{URL: url}})
					}
					msgs = append(msgs, Message{Role: string(m.Role), Content: blocks})
				} else {
					msgs = append(msgs, Message{Role: string(m.Role), Content: text})
				}
			} else {
				msgs = append(msgs, Message{Role: string(m.Role), Content: m.Content})
			}
		}
	}

	req := ChatRequest{Model: model, Messages: msgs}
	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// isImageAttachment reports whether att should be sent as an inline image
// content part rather than folded into the message text. Falls back to a
// mime-type prefix check when Type isn't set, for attachments predating
// the Type field.
func isImageAttachment(att chatbranch.Attachment) bool {
	if att.Type != "" {
		return att.Type == chatbranch.AttachmentImage
	}
	return strings.HasPrefix(att.MimeType, "image/")
}

func imageAttachments(atts []chatbranch.Attachment) []chatbranch.Attachment {
	var out []chatbranch.Attachment
	for _, att := range atts {
		if isImageAttachment(att) {
			out = append(out, att)
		}
	}
	return out
}

// appendFileAttachments concatenates every non-image attachment as extra
// text between `--- Attached File: <name> ---` / `--- End File ---`
// delimiters, appended to content — the same shape the original
// implementation's files_content_buffer produces, rather than a
// provider-specific file content block.
func appendFileAttachments(content string, atts []chatbranch.Attachment) string {
	var buf strings.Builder
	buf.WriteString(content)
	for _, att := range atts {
		if isImageAttachment(att) {
			continue
		}
		name := att.Name
		if name == "" {
			name = "file"
		}
		fmt.Fprintf(&buf, "\n\n--- Attached File: %s ---\n%s\n--- End File ---", name, fileAttachmentText(att))
	}
	return buf.String()
}

// fileAttachmentText resolves a file attachment's body text. Inline Base64
// is decoded as UTF-8 text; a URL-only attachment has no content to fetch
// at body-build time, so the URL itself is surfaced instead.
func fileAttachmentText(att chatbranch.Attachment) string {
	if att.Base64 != "" {
		if decoded, err := base64.StdEncoding.DecodeString(att.Base64); err == nil {
			return string(decoded)
		}
	}
	if att.URL != "" {
		return att.URL
	}
	return ""
}

// BuildToolDefs converts ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []chatbranch.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
