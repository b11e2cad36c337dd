package server

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/voltmark/marketflow/types"
)

// HandleChatWS serves the websocket chat transport. Each connection
// carries one query: the client sends a ChatRequest, receives the ordered
// event stream as JSON messages, and the connection closes after the
// terminal event.
func (h *ChatHandler) HandleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	var req ChatRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request")
		return
	}

	events, err := h.openStream(ctx, UserID(ctx), &req)
	if err != nil {
		_ = wsjson.Write(ctx, conn, types.NewErrorEvent(errMessageFor(err)))
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	rec := &transcriptRecorder{conversationID: req.ConversationID}
	for ev := range events {
		rec.observe(ev)
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			h.logger.Warn("websocket client went away mid-stream", zap.Error(err))
			return
		}
	}

	if err := rec.flush(ctx, h.transcript); err != nil {
		h.logger.Error("failed to persist finalized answer", zap.Error(err))
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// errMessageFor keeps internal detail out of the socket; validation
// messages are safe to show.
func errMessageFor(err error) string {
	var svcErr *types.Error
	if errors.As(err, &svcErr) {
		switch svcErr.Code {
		case types.ErrInvalidRequest, types.ErrUnauthorized, types.ErrApprovalNotFound:
			return svcErr.Message
		}
	}
	return "Something went wrong while processing your request. Please try again."
}
