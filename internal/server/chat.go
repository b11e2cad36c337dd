package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/voltmark/marketflow/messagelog"
	"github.com/voltmark/marketflow/pipeline"
	"github.com/voltmark/marketflow/types"
)

// Transcript is the durable conversation log surface the handlers need.
type Transcript interface {
	EnsureConversation(ctx context.Context, conversationID, userID string) error
	Append(ctx context.Context, conversationID, sender, content string) error
	Owns(ctx context.Context, userID, conversationID string) (bool, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]messagelog.MessageRecord, error)
	Conversations(ctx context.Context, userID string) ([]messagelog.Conversation, error)
}

// ChatRequest is the wire form of one user query.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	AgentType      string `json:"agent_type,omitempty"`
	Query          string `json:"query"`
}

// ChatHandler serves the query endpoints.
type ChatHandler struct {
	pipeline   *pipeline.Pipeline
	transcript Transcript
	logger     *zap.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(p *pipeline.Pipeline, transcript Transcript, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		pipeline:   p,
		transcript: transcript,
		logger:     logger.With(zap.String("component", "chat_handler")),
	}
}

// openStream validates ownership, records the user query in the durable
// transcript, and starts pipeline processing.
func (h *ChatHandler) openStream(ctx context.Context, userID string, req *ChatRequest) (<-chan types.Event, error) {
	if req.ConversationID == "" || strings.TrimSpace(req.Query) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "conversation_id and query are required")
	}

	if err := h.transcript.EnsureConversation(ctx, req.ConversationID, userID); err != nil {
		return nil, err
	}
	owns, err := h.transcript.Owns(ctx, userID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, types.NewError(types.ErrUnauthorized, "conversation is not owned by the current user").
			WithHTTPStatus(http.StatusForbidden)
	}

	if err := h.transcript.Append(ctx, req.ConversationID, "user", req.Query); err != nil {
		return nil, err
	}

	return h.pipeline.Process(ctx, req.ConversationID, req.AgentType, req.Query)
}

// transcriptRecorder accumulates streamed text so the finalized answer can
// be persisted once the stream completes. Follow-up answers are persisted
// by the pipeline together with their approval question, so a stream that
// carried an approval request writes nothing here.
type transcriptRecorder struct {
	conversationID string
	text           strings.Builder
	sawApproval    bool
	failed         bool
}

func (rec *transcriptRecorder) observe(ev types.Event) {
	switch ev.Type {
	case types.EventTextChunk:
		rec.text.WriteString(ev.Content)
	case types.EventApprovalRequest:
		rec.sawApproval = true
	case types.EventError:
		rec.failed = true
	}
}

func (rec *transcriptRecorder) flush(ctx context.Context, transcript Transcript) error {
	if rec.sawApproval || rec.failed || rec.text.Len() == 0 {
		return nil
	}
	return transcript.Append(ctx, rec.conversationID, "assistant", rec.text.String())
}

// HandleChat processes one query and streams its events over SSE.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	events, err := h.openStream(r.Context(), UserID(r.Context()), &req)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rec := &transcriptRecorder{conversationID: req.ConversationID}
	for ev := range events {
		rec.observe(ev)
		if err := writeSSE(w, ev); err != nil {
			h.logger.Warn("client went away mid-stream", zap.Error(err))
			return
		}
		flusher.Flush()
	}

	if err := rec.flush(r.Context(), h.transcript); err != nil {
		h.logger.Error("failed to persist finalized answer", zap.Error(err))
	}
}

// HandleConversations lists the caller's conversations.
func (h *ChatHandler) HandleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.transcript.Conversations(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeSuccess(w, convs)
}

// HandleMessages returns the durable transcript of one conversation.
func (h *ChatHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	owns, err := h.transcript.Owns(r.Context(), UserID(r.Context()), conversationID)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if !owns {
		writeError(w, types.NewError(types.ErrUnauthorized, "conversation is not owned by the current user").
			WithHTTPStatus(http.StatusForbidden), h.logger)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	records, err := h.transcript.Messages(r.Context(), conversationID, limit)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeSuccess(w, records)
}
