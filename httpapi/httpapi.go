// Package httpapi exposes the chat orchestration server's HTTP surface:
// generation (SSE), message CRUD, and branch selection, mounted on a plain
// stdlib net/http.ServeMux — no router framework, matching the teacher's
// http.NewServeMux()+mux.HandleFunc(path, handler) pattern.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nevindra/chatbranch"
)

// Server wires a Store, ToolRegistry-backed Pipeline, and
// ActiveGenerationRegistry into HTTP handlers.
type Server struct {
	store     chatbranch.Store
	pipeline  *chatbranch.Pipeline
	activeGen *chatbranch.ActiveGenerationRegistry
	tools     *chatbranch.ToolRegistry
	logger    *slog.Logger
}

// New creates a Server. logger may be nil, in which case logs are discarded.
func New(store chatbranch.Store, pipeline *chatbranch.Pipeline, activeGen *chatbranch.ActiveGenerationRegistry, tools *chatbranch.ToolRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Server{store: store, pipeline: pipeline, activeGen: activeGen, tools: tools, logger: logger}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /c/{chat_id}/generate", s.handleGenerate)
	mux.HandleFunc("POST /c/{chat_id}/abort_generation", s.handleAbort)
	mux.HandleFunc("POST /c/{chat_id}/add_message", s.handleAddMessage)
	mux.HandleFunc("POST /c/{chat_id}/delete_message/{id}", s.handleDeleteMessage)
	mux.HandleFunc("POST /c/{chat_id}/edit_message/{id}", s.handleEditMessage)
	mux.HandleFunc("POST /c/{chat_id}/set_active_branch/{parent_id}", s.handleSetActiveBranch)
	mux.HandleFunc("GET /c/{chat_id}", s.handleGetChat)
	mux.HandleFunc("GET /tools", s.handleListTools)
	return mux
}

// --- generate ---

type generateRequest struct {
	ParentMessageID  string   `json:"parent_message_id"`
	ModelName        string   `json:"model_name"`
	CharacterID      string   `json:"character_id"`
	ToolsEnabled     bool     `json:"tools_enabled"`
	EnabledToolNames []string `json:"enabled_tool_names"`
	MaxToolCalls     *int     `json:"max_tool_calls"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chatbranch.BadRequest("invalid request body: "+err.Error()))
		return
	}

	chat, err := s.store.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ModelName != "" {
		chat.Model = req.ModelName
	}

	characterID := req.CharacterID
	if characterID == "" {
		characterID = chat.CharacterID
	}
	var character chatbranch.Character
	if characterID != "" {
		character, err = s.store.GetCharacter(r.Context(), characterID)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	if s.activeGen.Active(chatID) {
		writeError(w, chatbranch.Conflict("a generation is already active for this chat"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, chatbranch.Internal("response writer does not support streaming", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var opt chatbranch.GenerateOptions
	if req.ToolsEnabled && len(req.EnabledToolNames) > 0 {
		opt.Tools = s.tools.Subset(req.EnabledToolNames)
	} else if !req.ToolsEnabled {
		opt.Tools = chatbranch.NewToolRegistry()
	}
	if req.MaxToolCalls != nil {
		opt.MaxToolCalls = req.MaxToolCalls
	}

	events := s.pipeline.Generate(r.Context(), chat, character, req.ParentMessageID, opt)
	for ev := range events {
		line, ok := encodeSSE(ev)
		if !ok {
			continue
		}
		if _, err := w.Write(line); err != nil {
			s.logger.Warn("sse write failed", "chat", chatID, "error", err)
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

// sseEvent is the wire shape of one `data: <json>\n\n` line.
type sseEvent struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Name      string `json:"name,omitempty"`
	ID        string `json:"id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
	Message   string `json:"message,omitempty"`
}

// encodeSSE translates one PipelineEvent into a wire line. ok is false for
// event types with no wire representation (message-persisted bookkeeping,
// abort — both of which the client observes by the stream simply ending).
func encodeSSE(ev chatbranch.PipelineEvent) ([]byte, bool) {
	var out sseEvent
	switch ev.Type {
	case chatbranch.PEContentDelta:
		out = sseEvent{Type: "chunk", Data: ev.Content}
	case chatbranch.PEThinkingStart:
		out = sseEvent{Type: "thinking_start"}
	case chatbranch.PEThinkingChunk:
		out = sseEvent{Type: "thinking_chunk", Data: ev.Content}
	case chatbranch.PEThinkingEnd:
		out = sseEvent{Type: "thinking_end"}
	case chatbranch.PEToolCallStart:
		out = sseEvent{Type: "tool_start", Name: ev.ToolName, ID: ev.ToolCallID}
	case chatbranch.PEToolCallResult:
		out = sseEvent{Type: "tool_result", ID: ev.ToolCallID, Result: ev.ToolResult}
	case chatbranch.PEDone:
		out = sseEvent{Type: "done"}
	case chatbranch.PEError:
		msg := "internal error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		out = sseEvent{Type: "error", Message: msg}
	default:
		return nil, false
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	line := append([]byte("data: "), data...)
	line = append(line, '\n', '\n')
	return line, true
}

// --- abort ---

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	s.activeGen.Abort(chatID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "aborted"})
}

// --- message CRUD ---

type addMessageRequest struct {
	Role            string                       `json:"role"`
	Content         string                       `json:"content"`
	Attachments     []chatbranch.Attachment      `json:"attachments,omitempty"`
	ParentID        string                       `json:"parent_id,omitempty"`
	ModelName       string                       `json:"model_name,omitempty"`
	ToolCallID      string                       `json:"tool_call_id,omitempty"`
	ToolCalls       []chatbranch.ToolCallPayload `json:"tool_calls,omitempty"`
	ThinkingContent string                       `json:"thinking_content,omitempty"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")

	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chatbranch.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := chatbranch.ValidateAttachments(req.Attachments); err != nil {
		writeError(w, err)
		return
	}

	msg := chatbranch.Message{
		ID:              chatbranch.NewID(),
		ChatID:          chatID,
		ParentID:        req.ParentID,
		Role:            chatbranch.Role(req.Role),
		Content:         req.Content,
		ThinkingContent: req.ThinkingContent,
		Attachments:     req.Attachments,
		ToolCalls:       req.ToolCalls,
		ToolCallID:      req.ToolCallID,
		CreatedAt:       chatbranch.NowMillis(),
	}
	if err := s.store.AddMessage(r.Context(), msg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteMessage(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type editMessageRequest struct {
	Content     string                  `json:"content"`
	Attachments []chatbranch.Attachment `json:"attachments,omitempty"`
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chatbranch.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := chatbranch.ValidateAttachments(req.Attachments); err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.EditMessage(r.Context(), id, req.Content, req.Attachments); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setActiveBranchRequest struct {
	ChildIndex int `json:"child_index"`
}

func (s *Server) handleSetActiveBranch(w http.ResponseWriter, r *http.Request) {
	parentID := r.PathValue("parent_id")

	var req setActiveBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chatbranch.BadRequest("invalid request body: "+err.Error()))
		return
	}

	parent, err := s.store.GetMessage(r.Context(), parentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ChildIndex < 0 || req.ChildIndex >= len(parent.ChildrenIDs) {
		writeError(w, chatbranch.BadRequest("child_index "+strconv.Itoa(req.ChildIndex)+" out of range"))
		return
	}
	childID := parent.ChildrenIDs[req.ChildIndex]

	if err := s.store.SetActiveChild(r.Context(), parentID, childID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- chat read ---

type chatResponse struct {
	Chat     chatbranch.Chat      `json:"chat"`
	Messages []chatbranch.Message `json:"messages"`
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")

	chat, err := s.store.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: chat, Messages: messages})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tools.Definitions())
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()

	var domainErr *chatbranch.Error
	if errors.As(err, &domainErr) {
		msg = domainErr.Message
		switch domainErr.Kind {
		case chatbranch.KindNotFound:
			status = http.StatusNotFound
		case chatbranch.KindConflict:
			status = http.StatusConflict
		case chatbranch.KindBadRequest:
			status = http.StatusBadRequest
		case chatbranch.KindCancelled:
			status = http.StatusGatewayTimeout
		case chatbranch.KindUpstream:
			status = http.StatusBadGateway
		case chatbranch.KindTool:
			status = http.StatusUnprocessableEntity
		default:
			status = http.StatusInternalServerError
		}
	}

	writeJSON(w, status, map[string]string{"error": msg})
}
