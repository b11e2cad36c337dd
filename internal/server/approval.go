package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/voltmark/marketflow/pipeline"
	"github.com/voltmark/marketflow/types"
)

// ApprovalRequest is the wire form of a yes/no hand-off decision.
type ApprovalRequest struct {
	ConversationID string `json:"conversation_id"`
	Context        string `json:"context"`
	Approved       bool   `json:"approved"`
}

// ApprovalHandler serves the approval resolution endpoint.
type ApprovalHandler struct {
	coordinator *pipeline.Coordinator
	logger      *zap.Logger
}

// NewApprovalHandler creates an ApprovalHandler.
func NewApprovalHandler(coordinator *pipeline.Coordinator, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		coordinator: coordinator,
		logger:      logger.With(zap.String("component", "approval_handler")),
	}
}

// HandleApproval applies the caller's decision to a pending hand-off offer.
func (h *ApprovalHandler) HandleApproval(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if err := decodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ConversationID == "" || req.Context == "" {
		writeError(w, types.NewError(types.ErrInvalidRequest, "conversation_id and context are required"), h.logger)
		return
	}

	decision, err := h.coordinator.Resolve(r.Context(), UserID(r.Context()), req.ConversationID, req.Context, req.Approved)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	// The decision is its own wire contract; no envelope.
	writeJSON(w, http.StatusOK, decision)
}
