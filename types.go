package chatbranch

import "encoding/json"

// --- Domain types (database records) ---

// Role identifies who authored a message in a chat tree.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Chat is a top-level conversation container. Every message in a chat
// belongs to the tree rooted at that chat; there is no separate thread
// concept — branching happens at the message level.
type Chat struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	CharacterID string `json:"character_id,omitempty"`
	Model       string `json:"model"` // key into the configured model table
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Character is a reusable system-prompt persona a chat can be bound to.
type Character struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	CreatedAt    int64  `json:"created_at"`
}

// Attachment is binary content (image, PDF, audio, …) attached to a message.
// Either URL or Base64 is set, never both; MimeType governs how a provider
// adapter or the context builder interprets the payload. Type distinguishes
// an inline image (sent to the provider as an image content part) from a
// file attachment (appended to the message text as delimited content, per
// each provider adapter's own attachment handling); Name is the display
// name shown in that delimited block.
type Attachment struct {
	ID       string         `json:"id"`
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name,omitempty"`
	MimeType string         `json:"mime_type"`
	URL      string         `json:"url,omitempty"`
	Base64   string         `json:"base64,omitempty"`
}

// AttachmentType distinguishes how a Provider Adapter folds an attachment
// into the outgoing request: as an inline image content part, or as plain
// text appended to the message.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
)

// ToolCallFunction is the name+arguments pair of a single tool invocation,
// mirroring the OpenAI function-call wire shape shared by every provider
// this package talks to.
type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallPayload is one tool call attached to an assistant message. Index
// is the provider stream's fragment index (stable across a stream, unlike
// ID which the wire format often sends only once) and is retained so a
// persisted message can be re-serialized back into the same provider shape.
type ToolCallPayload struct {
	ID       string           `json:"id"`
	Index    int              `json:"index"`
	Function ToolCallFunction `json:"function"`
}

// Message is one node in a chat's branching tree. ParentID is empty for a
// root message. ActiveChildIndex selects which of ChildrenIDs is the live
// branch continuation; it is meaningful only on messages that have children.
type Message struct {
	ID               string            `json:"id"`
	ChatID           string            `json:"chat_id"`
	ParentID         string            `json:"parent_id,omitempty"`
	Role             Role              `json:"role"`
	Content          string            `json:"content"`
	ThinkingContent  string            `json:"thinking_content,omitempty"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	ToolCalls        []ToolCallPayload `json:"tool_calls,omitempty"`
	ToolCallID       string            `json:"tool_call_id,omitempty"`
	ChildrenIDs      []string          `json:"children_ids,omitempty"`
	ActiveChildIndex int               `json:"active_child_index"`
	CreatedAt        int64             `json:"created_at"`
}

// --- LLM protocol types (provider-neutral) ---

// NeutralMessage is the provider-neutral representation the Context Builder
// produces and every Provider Adapter consumes, translating it into its own
// wire format. It mirrors Message's shape rather than a trimmed-down
// ChatMessage, since every field may need to round-trip back onto a wire
// request (tool calls, tool results, attachments).
type NeutralMessage struct {
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ToolCalls   []ToolCallPayload `json:"tool_calls,omitempty"`
	ToolCallID  string            `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes one callable tool in JSON-Schema terms, the shape
// every provider adapter projects into its own function/tool wire format.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// GenerateRequest is what the pipeline hands to a Provider for one LLM call.
type GenerateRequest struct {
	Model        string
	SystemPrompt string
	Messages     []NeutralMessage
	Tools        []ToolDefinition
}
