package types

// EventType identifies one kind of streamed event.
type EventType string

const (
	EventTextChunk       EventType = "text_chunk"
	EventApprovalRequest EventType = "approval_request"
	EventDone            EventType = "done"
	EventError           EventType = "error"
)

// Event is one unit of the ordered stream delivered to the presentation
// layer for a single query. Valid sequences are
//
//	text_chunk* approval_request? done
//
// with error allowed to replace any remaining portion and always terminal.
type Event struct {
	Type EventType `json:"type"`

	// Content carries the delta text for text_chunk events.
	Content string `json:"content,omitempty"`

	// Approval request fields. Message is intentionally empty when the
	// offer text was already delivered as text_chunk events; it must never
	// duplicate streamed text.
	Message          string `json:"message,omitempty"`
	ApprovalQuestion string `json:"approval_question,omitempty"`
	ConversationID   string `json:"conversation_id,omitempty"`
	Context          string `json:"context,omitempty"`

	// Detail carries the failure description for error events.
	Detail string `json:"detail,omitempty"`
}

// NewTextChunk creates a text_chunk event.
func NewTextChunk(content string) Event {
	return Event{Type: EventTextChunk, Content: content}
}

// NewApprovalRequest creates an approval_request event.
func NewApprovalRequest(conversationID, contextTag, question string) Event {
	return Event{
		Type:             EventApprovalRequest,
		ConversationID:   conversationID,
		Context:          contextTag,
		ApprovalQuestion: question,
	}
}

// NewDone creates the terminal done event.
func NewDone() Event {
	return Event{Type: EventDone}
}

// NewErrorEvent creates a terminal error event.
func NewErrorEvent(detail string) Event {
	return Event{Type: EventError, Detail: detail}
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
